// Package objstore 对象存储边界
//
// Run 的 plan/apply 日志按 Workspace/Run/阶段分键写入对象存储，
// 不在 API Server 内存中保留。生产使用 MinIO，测试使用内存实现。
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"runplane/internal/shared/model"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("object not found")

// Store 对象存储接口
type Store interface {
	// Put 写入对象，size 未知时传 -1
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get 读取对象，调用方负责关闭；不存在返回 ErrNotFound
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// LogKey 阶段日志的对象键
func LogKey(workspaceID, runID string, phase model.JobPhase) string {
	return fmt.Sprintf("workspaces/%s/runs/%s/%s.log", workspaceID, runID, phase)
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore 内存对象存储
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
