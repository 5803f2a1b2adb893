package postgres

// schema PostgreSQL 建表语句，全部 IF NOT EXISTS，可重复执行
const schema = `
CREATE TABLE IF NOT EXISTS agent_pools (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(63) NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    service_account_name VARCHAR(63) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_pool_tokens (
    id VARCHAR(64) PRIMARY KEY,
    pool_id VARCHAR(64) NOT NULL REFERENCES agent_pools(id) ON DELETE CASCADE,
    token_hash VARCHAR(64) NOT NULL UNIQUE,
    description VARCHAR(255) NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ,
    max_uses INTEGER,
    use_count INTEGER NOT NULL DEFAULT 0,
    revoked BOOLEAN NOT NULL DEFAULT FALSE,
    created_by VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_pool_tokens_pool ON agent_pool_tokens(pool_id);

CREATE TABLE IF NOT EXISTS runner_listeners (
    id VARCHAR(64) PRIMARY KEY,
    pool_id VARCHAR(64) NOT NULL REFERENCES agent_pools(id) ON DELETE CASCADE,
    name VARCHAR(63) NOT NULL UNIQUE,
    certificate_fingerprint VARCHAR(64),
    certificate_expires_at TIMESTAMPTZ,
    profiles TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
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
    auto_apply BOOLEAN NOT NULL DEFAULT FALSE,
    agent_pool_id VARCHAR(64) REFERENCES agent_pools(id) ON DELETE SET NULL,
    locked BOOLEAN NOT NULL DEFAULT FALSE,
    lock_run_id VARCHAR(64),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id VARCHAR(64) PRIMARY KEY,
    workspace_id VARCHAR(64) NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
    status VARCHAR(30) NOT NULL DEFAULT 'pending',
    source VARCHAR(30) NOT NULL DEFAULT 'api',
    message TEXT NOT NULL DEFAULT '',
    is_destroy BOOLEAN NOT NULL DEFAULT FALSE,
    auto_apply BOOLEAN NOT NULL DEFAULT FALSE,
    plan_only BOOLEAN NOT NULL DEFAULT FALSE,
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
    queued_at TIMESTAMPTZ,
    plan_started_at TIMESTAMPTZ,
    plan_finished_at TIMESTAMPTZ,
    apply_started_at TIMESTAMPTZ,
    apply_finished_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status_queued ON runs(status, queued_at);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_listener ON runs(listener_id);

CREATE TABLE IF NOT EXISTS certificate_authority (
    id VARCHAR(16) PRIMARY KEY,
    ca_cert TEXT NOT NULL,
    ca_key TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`
