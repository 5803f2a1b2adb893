package model

import (
	"strings"

	"github.com/google/uuid"
)

// ID 前缀
const (
	PrefixRun       = "run"
	PrefixWorkspace = "ws"
	PrefixPool      = "apool"
	PrefixToken     = "at"
	PrefixListener  = "listener"
)

// NewID 生成带前缀的时间有序 ID，如 run-0190c1f2-...
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}

// HasPrefix ID 是否带有指定前缀
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"-")
}
