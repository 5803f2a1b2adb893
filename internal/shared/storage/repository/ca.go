package repository

import (
	"context"

	"runplane/internal/shared/model"
)

// caRowID certificate_authority 表唯一行的主键
const caRowID = "root"

// InsertCAIfAbsent 仅在表为空时写入 CA
//
// 多个 API Server 实例同时首次启动时，只有一个写入成功，
// 其余实例随后读取同一行。
func (s *Store) InsertCAIfAbsent(ctx context.Context, rec *model.CertificateAuthorityRecord) (bool, error) {
	query := s.rebind(`
		INSERT INTO certificate_authority (id, ca_cert, ca_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query, caRowID, rec.CertPEM, rec.KeyPEM, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		rec.ID = caRowID
	}
	return n == 1, nil
}

// GetCA 读取 CA，不存在返回 storage.ErrNotFound
func (s *Store) GetCA(ctx context.Context) (*model.CertificateAuthorityRecord, error) {
	rec := &model.CertificateAuthorityRecord{}
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, ca_cert, ca_key, created_at FROM certificate_authority WHERE id = $1`), caRowID).
		Scan(&rec.ID, &rec.CertPEM, &rec.KeyPEM, &rec.CreatedAt)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return rec, nil
}
