// Package storage 定义存储层领域错误
//
// 各驱动实现负责将底层错误（sql.ErrNoRows、唯一约束冲突等）转换为这些领域错误，
// 业务层只通过 errors.Is 判断。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突：条件更新未命中（状态已被其他写者修改）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrLocked Workspace 已被其他非终态 Run 持有
	ErrLocked = errors.New("workspace is locked by another run")

	// ErrExhausted 加入令牌不可再用（已撤销或达到使用上限）
	ErrExhausted = errors.New("token exhausted or revoked")
)
