// Package domain defines the certificate vault contract. The vault owns the
// uploaded signing identity; private key material never appears in this
// package's types. Callers only ever see signatures and status views.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the caller-facing view of a workspace's signing certificate.
type Status struct {
	ID           snowflake.ID `json:"id"`
	Subject      string       `json:"subject"`
	SerialNumber string       `json:"serial_number"`
	KeyAlgorithm string       `json:"key_algorithm"`
	NotBefore    time.Time    `json:"not_before"`
	NotAfter     time.Time    `json:"not_after"`
	Active       bool         `json:"active"`
	RevokedAt    *time.Time   `json:"revoked_at,omitempty"`
	UploadedAt   time.Time    `json:"uploaded_at"`
}

// Signature is the result of signing a chain digest with the active key.
type Signature struct {
	Value             []byte
	Algorithm         string
	CertificateSerial string
}

// Service is the vault boundary. Sign and VerifySignature are the only
// operations that touch key material, and only Sign dereferences the private
// half.
type Service interface {
	Upload(ctx context.Context, bundle []byte, password string) (Status, error)
	Sign(ctx context.Context, workspaceID snowflake.ID, digest []byte) (Signature, error)
	VerifySignature(ctx context.Context, workspaceID snowflake.ID, digest []byte, signature []byte) error
	Revoke(ctx context.Context) (Status, error)
	Status(ctx context.Context) (Status, error)
}

var (
	ErrInvalidWorkspace    = errors.New("invalid_workspace")
	ErrInvalidCertificate  = errors.New("invalid_certificate")
	ErrInvalidPassword     = errors.New("invalid_certificate_password")
	ErrAlreadyExpired      = errors.New("certificate_already_expired")
	ErrNotYetValid         = errors.New("certificate_not_yet_valid")
	ErrNoActiveCertificate = errors.New("no_active_certificate")
	ErrCertificateExpired  = errors.New("certificate_expired")
	ErrCertificateRevoked  = errors.New("certificate_revoked")
	ErrAlreadyRevoked      = errors.New("certificate_already_revoked")
	ErrUnsupportedKey      = errors.New("unsupported_key_algorithm")
	ErrBadSignature        = errors.New("signature_verification_failed")
)
