package repository

import (
	"context"
	"database/sql"
	"time"

	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
)

const listenerColumns = `id, pool_id, name, certificate_fingerprint, certificate_expires_at, profiles, created_at, updated_at`

// CreateListener 注册 Listener，重名返回 storage.ErrDuplicate
func (s *Store) CreateListener(ctx context.Context, l *model.RunnerListener) error {
	query := s.rebind(`
		INSERT INTO runner_listeners (id, pool_id, name, certificate_fingerprint, certificate_expires_at, profiles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	var fp *string
	if l.CertificateFingerprint != "" {
		fp = &l.CertificateFingerprint
	}
	_, err := s.db.ExecContext(ctx, query,
		l.ID, l.PoolID, l.Name, fp, l.CertificateExpiresAt, marshalStrings(l.Profiles), l.CreatedAt, l.UpdatedAt)
	return s.mapErr(err)
}

// GetListener 获取 Listener
func (s *Store) GetListener(ctx context.Context, id string) (*model.RunnerListener, error) {
	query := s.rebind(`SELECT ` + listenerColumns + ` FROM runner_listeners WHERE id = $1`)
	l, err := scanListener(s.db.QueryRowContext(ctx, query, id))
	return l, s.mapErr(err)
}

// GetListenerByName 按名称获取 Listener
func (s *Store) GetListenerByName(ctx context.Context, name string) (*model.RunnerListener, error) {
	query := s.rebind(`SELECT ` + listenerColumns + ` FROM runner_listeners WHERE name = $1`)
	l, err := scanListener(s.db.QueryRowContext(ctx, query, name))
	return l, s.mapErr(err)
}

// ListListenersByPool 列出池内 Listener
func (s *Store) ListListenersByPool(ctx context.Context, poolID string) ([]*model.RunnerListener, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+listenerColumns+` FROM runner_listeners WHERE pool_id = $1 ORDER BY name`), poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RunnerListener
	for rows.Next() {
		l, err := scanListener(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateListenerCertificate 覆盖当前证书指纹，旧证书随即失效
func (s *Store) UpdateListenerCertificate(ctx context.Context, id, fingerprint string, expiresAt time.Time) error {
	query := s.rebind(`UPDATE runner_listeners SET certificate_fingerprint = $1, certificate_expires_at = $2, updated_at = $3
		WHERE id = $4`)
	return execExpectOne(ctx, s.db, storage.ErrNotFound, query, fingerprint, expiresAt, time.Now().UTC(), id)
}

// UpdateListenerProfiles 更新 Listener 声明的执行配置
func (s *Store) UpdateListenerProfiles(ctx context.Context, id string, profiles []string) error {
	query := s.rebind(`UPDATE runner_listeners SET profiles = $1, updated_at = $2 WHERE id = $3`)
	return execExpectOne(ctx, s.db, storage.ErrNotFound, query, marshalStrings(profiles), time.Now().UTC(), id)
}

// DeleteListener 删除 Listener
func (s *Store) DeleteListener(ctx context.Context, id string) error {
	return execExpectOne(ctx, s.db, storage.ErrNotFound, s.rebind(`DELETE FROM runner_listeners WHERE id = $1`), id)
}

func scanListener(row scanner) (*model.RunnerListener, error) {
	l := &model.RunnerListener{}
	var fp sql.NullString
	var profiles string
	err := row.Scan(&l.ID, &l.PoolID, &l.Name, &fp, &l.CertificateExpiresAt, &profiles, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.CertificateFingerprint = fp.String
	l.Profiles = unmarshalStrings(profiles)
	return l, nil
}
