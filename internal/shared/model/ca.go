package model

import "time"

// CertificateAuthorityRecord CA 证书与私钥（单行表）
type CertificateAuthorityRecord struct {
	ID        string    `json:"id" db:"id"`
	CertPEM   string    `json:"-" db:"ca_cert"`
	KeyPEM    string    `json:"-" db:"ca_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
