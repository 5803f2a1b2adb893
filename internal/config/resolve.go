package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/joho/godotenv"
)

// configDir 由 SetConfigDir 指定时优先于 CONFIG_DIR 与默认路径
var configDir string

// SetConfigDir 设置配置文件目录（命令行 --config）
func SetConfigDir(dir string) {
	configDir = dir
}

// defaultConfigDirs 未显式指定目录时按环境搜索
func defaultConfigDirs(env Environment) []string {
	if env == EnvProduction {
		return []string{"/etc/runplane"}
	}
	return []string{"configs", "../configs"}
}

// effectiveConfigPaths 返回 YAML 搜索路径：SetConfigDir > CONFIG_DIR > 按 APP_ENV 的默认路径
func effectiveConfigPaths() []string {
	if configDir != "" {
		return []string{configDir}
	}
	if dir := getEnv("CONFIG_DIR", ""); dir != "" {
		return []string{dir}
	}
	return defaultConfigDirs(parseEnv(getEnv("APP_ENV", "dev")))
}

// loadEnvFiles 加载 .env.{env}，然后是通用的 .env
//
// 搜索当前目录、上级目录和配置目录，每个文件名只加载第一个找到的。
// godotenv.Load 不覆盖已存在的变量，因此 shell 环境始终优先，.env.{env} 优先于 .env。
// 生产环境凭据由 systemd / 容器注入，不读取 .env。
func loadEnvFiles(env Environment) {
	if env == EnvProduction {
		return
	}
	dirs := append([]string{".", ".."}, effectiveConfigPaths()...)
	for _, name := range []string{fmt.Sprintf(".env.%s", env), ".env"} {
		for _, dir := range dirs {
			path := filepath.Join(dir, name)
			if err := godotenv.Load(path); err == nil {
				log.Printf("[config] loaded %s", path)
				break
			}
		}
	}
}
