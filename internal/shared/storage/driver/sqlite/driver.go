// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"runplane/internal/shared/storage/dbutil"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	// 未开启扩展错误码时只有基础码
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:runplane.db?cache=shared&mode=rwc" 或 ":memory:"
//
// SQLite 只允许单写者，连接池固定为 1 个连接；
// 这也保证 ":memory:" 数据库在整个 *sql.DB 生命周期内是同一个库。
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（与 postgres/schema.go 保持一致）
const schema = `
CREATE TABLE IF NOT EXISTS agent_pools (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(63) NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    service_account_name VARCHAR(63) NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_pool_tokens (
    id VARCHAR(64) PRIMARY KEY,
    pool_id VARCHAR(64) NOT NULL REFERENCES agent_pools(id) ON DELETE CASCADE,
    token_hash VARCHAR(64) NOT NULL UNIQUE,
    description VARCHAR(255) NOT NULL DEFAULT '',
    expires_at DATETIME,
    max_uses INTEGER,
    use_count INTEGER NOT NULL DEFAULT 0,
    revoked BOOLEAN NOT NULL DEFAULT 0,
    created_by VARCHAR(255) NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_pool_tokens_pool ON agent_pool_tokens(pool_id);

CREATE TABLE IF NOT EXISTS runner_listeners (
    id VARCHAR(64) PRIMARY KEY,
    pool_id VARCHAR(64) NOT NULL REFERENCES agent_pools(id) ON DELETE CASCADE,
    name VARCHAR(63) NOT NULL UNIQUE,
    certificate_fingerprint VARCHAR(64),
    certificate_expires_at DATETIME,
    profiles TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runner_listeners_pool ON runner_listeners(pool_id);

CREATE TABLE IF NOT EXISTS workspaces (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(90) NOT NULL,
    execution_profile VARCHAR(63) NOT NULL DEFAULT 'standard',
    execution_backend VARCHAR(16) NOT NULL DEFAULT 'terraform',
    backend_version VARCHAR(20) NOT NULL DEFAULT '',
    resource_cpu VARCHAR(20) NOT NULL DEFAULT '1',
    resource_memory VARCHAR(20) NOT NULL DEFAULT '2Gi',
    auto_apply BOOLEAN NOT NULL DEFAULT 0,
    agent_pool_id VARCHAR(64) REFERENCES agent_pools(id) ON DELETE SET NULL,
    locked BOOLEAN NOT NULL DEFAULT 0,
    lock_run_id VARCHAR(64),
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id VARCHAR(64) PRIMARY KEY,
    workspace_id VARCHAR(64) NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
    status VARCHAR(30) NOT NULL DEFAULT 'pending',
    source VARCHAR(30) NOT NULL DEFAULT 'api',
    message TEXT NOT NULL DEFAULT '',
    is_destroy BOOLEAN NOT NULL DEFAULT 0,
    auto_apply BOOLEAN NOT NULL DEFAULT 0,
    plan_only BOOLEAN NOT NULL DEFAULT 0,
    resource_cpu VARCHAR(20) NOT NULL,
    resource_memory VARCHAR(20) NOT NULL,
    limit_cpu VARCHAR(20) NOT NULL DEFAULT '',
    limit_memory VARCHAR(20) NOT NULL DEFAULT '',
    backend_kind VARCHAR(16) NOT NULL DEFAULT '',
    backend_version VARCHAR(20) NOT NULL DEFAULT '',
    pool_id VARCHAR(64),
    listener_id VARCHAR(64),
    status_reason TEXT NOT NULL DEFAULT '',
    created_by VARCHAR(255) NOT NULL DEFAULT '',
    queued_at DATETIME,
    plan_started_at DATETIME,
    plan_finished_at DATETIME,
    apply_started_at DATETIME,
    apply_finished_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status_queued ON runs(status, queued_at);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_listener ON runs(listener_id);

CREATE TABLE IF NOT EXISTS certificate_authority (
    id VARCHAR(16) PRIMARY KEY,
    ca_cert TEXT NOT NULL,
    ca_key TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
`
