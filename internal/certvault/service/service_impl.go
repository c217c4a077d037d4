package service

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	certdomain "github.com/gestionly/veriledger/internal/certvault/domain"
	"github.com/gestionly/veriledger/internal/workspacectx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	keyAlgorithmRSA   = "rsa"
	keyAlgorithmECDSA = "ecdsa"
)

// certificate is the persistence model. It is unexported on purpose: the
// key_material column must not be readable outside the vault, so no other
// package gets a type that maps it.
type certificate struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	WorkspaceID    snowflake.ID `gorm:"not null;index"`
	Subject        string       `gorm:"type:text;not null"`
	SerialNumber   string       `gorm:"type:text;not null"`
	KeyAlgorithm   string       `gorm:"type:text;not null"`
	CertificatePEM string       `gorm:"type:text;not null"`
	KeyMaterial    []byte       `gorm:"type:bytea;not null"`
	NotBefore      time.Time    `gorm:"not null"`
	NotAfter       time.Time    `gorm:"not null"`
	IsActive       bool         `gorm:"not null;default:false"`
	RevokedAt      *time.Time
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (certificate) TableName() string { return "certificates" }

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	auditSvc auditdomain.Service
}

func NewService(p Params) certdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("certvault.service"),
		genID:    p.GenID,
		auditSvc: p.AuditSvc,
	}
}

// Upload decodes and validates a PKCS#12 bundle and makes it the workspace's
// active signing identity. The unlock password is verified here once and
// never persisted. The prior active certificate is deactivated, not deleted,
// so signatures that cite it stay verifiable.
func (s *Service) Upload(ctx context.Context, bundle []byte, password string) (certdomain.Status, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return certdomain.Status{}, certdomain.ErrInvalidWorkspace
	}

	key, cert, _, err := pkcs12.DecodeChain(bundle, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return certdomain.Status{}, certdomain.ErrInvalidPassword
		}
		return certdomain.Status{}, certdomain.ErrInvalidCertificate
	}
	if cert == nil {
		return certdomain.Status{}, certdomain.ErrInvalidCertificate
	}

	algorithm, err := keyAlgorithm(key)
	if err != nil {
		return certdomain.Status{}, err
	}

	now := time.Now().UTC()
	if now.After(cert.NotAfter) {
		return certdomain.Status{}, certdomain.ErrAlreadyExpired
	}
	if now.Before(cert.NotBefore) {
		return certdomain.Status{}, certdomain.ErrNotYetValid
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return certdomain.Status{}, certdomain.ErrInvalidCertificate
	}

	record := certificate{
		ID:           s.genID.Generate(),
		WorkspaceID:  workspaceID,
		Subject:      cert.Subject.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		KeyAlgorithm: algorithm,
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})),
		KeyMaterial: keyDER,
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Single-row swap: the partial unique index on (workspace_id,
		// is_active) makes two concurrent uploads serialize here.
		if err := tx.WithContext(ctx).Exec(
			`UPDATE certificates
			 SET is_active = ?, updated_at = ?
			 WHERE workspace_id = ? AND is_active = ?`,
			false, now, workspaceID, true,
		).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoice_settings
			 SET active_certificate_id = ?, updated_at = ?
			 WHERE workspace_id = ?`,
			record.ID, now, workspaceID,
		).Error; err != nil {
			return err
		}

		targetID := record.ID.String()
		return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "certificate.uploaded",
			TargetType:  "certificate",
			TargetID:    &targetID,
			After: map[string]any{
				"subject":       record.Subject,
				"serial_number": record.SerialNumber,
				"key_algorithm": record.KeyAlgorithm,
				"not_after":     record.NotAfter.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		return certdomain.Status{}, err
	}

	s.log.Info("signing certificate uploaded",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("serial", record.SerialNumber),
	)
	return status(record), nil
}

// Sign signs a chain digest with the workspace's active key. This is the only
// code path that dereferences stored key material.
func (s *Service) Sign(ctx context.Context, workspaceID snowflake.ID, digest []byte) (certdomain.Signature, error) {
	record, err := s.activeCertificate(ctx, workspaceID)
	if err != nil {
		return certdomain.Signature{}, err
	}

	now := time.Now().UTC()
	if record.RevokedAt != nil {
		return certdomain.Signature{}, certdomain.ErrCertificateRevoked
	}
	if now.After(record.NotAfter) {
		return certdomain.Signature{}, certdomain.ErrCertificateExpired
	}

	key, err := x509.ParsePKCS8PrivateKey(record.KeyMaterial)
	if err != nil {
		return certdomain.Signature{}, certdomain.ErrInvalidCertificate
	}

	hashed := sha256.Sum256(digest)
	var signature []byte
	switch typed := key.(type) {
	case *rsa.PrivateKey:
		signature, err = rsa.SignPKCS1v15(rand.Reader, typed, crypto.SHA256, hashed[:])
	case *ecdsa.PrivateKey:
		signature, err = ecdsa.SignASN1(rand.Reader, typed, hashed[:])
	default:
		return certdomain.Signature{}, certdomain.ErrUnsupportedKey
	}
	if err != nil {
		return certdomain.Signature{}, err
	}

	return certdomain.Signature{
		Value:             signature,
		Algorithm:         record.KeyAlgorithm,
		CertificateSerial: record.SerialNumber,
	}, nil
}

// VerifySignature checks a signature against the active certificate's public
// key. Used by the compliance self-check; historical signatures verify
// against whichever certificate their serial cites.
func (s *Service) VerifySignature(ctx context.Context, workspaceID snowflake.ID, digest []byte, signature []byte) error {
	record, err := s.activeCertificate(ctx, workspaceID)
	if err != nil {
		return err
	}

	block, _ := pem.Decode([]byte(record.CertificatePEM))
	if block == nil {
		return certdomain.ErrInvalidCertificate
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return certdomain.ErrInvalidCertificate
	}

	hashed := sha256.Sum256(digest)
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], signature); err != nil {
			return certdomain.ErrBadSignature
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, hashed[:], signature) {
			return certdomain.ErrBadSignature
		}
	default:
		return certdomain.ErrUnsupportedKey
	}
	return nil
}

// Revoke permanently retires the workspace's current certificate. Prior
// signatures remain valid to verify; only new signing stops.
func (s *Service) Revoke(ctx context.Context) (certdomain.Status, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return certdomain.Status{}, certdomain.ErrInvalidWorkspace
	}

	var revoked certificate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.latestCertificate(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if record == nil {
			return certdomain.ErrNoActiveCertificate
		}
		if record.RevokedAt != nil {
			return certdomain.ErrAlreadyRevoked
		}

		now := time.Now().UTC()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE certificates
			 SET is_active = ?, revoked_at = ?, updated_at = ?
			 WHERE id = ?`,
			false, now, now, record.ID,
		).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoice_settings
			 SET active_certificate_id = NULL, updated_at = ?
			 WHERE workspace_id = ? AND active_certificate_id = ?`,
			now, workspaceID, record.ID,
		).Error; err != nil {
			return err
		}

		record.IsActive = false
		record.RevokedAt = &now

		targetID := record.ID.String()
		if err := s.auditSvc.Record(ctx, tx, auditdomain.Entry{
			WorkspaceID: &workspaceID,
			Action:      "certificate.revoked",
			TargetType:  "certificate",
			TargetID:    &targetID,
			Before:      map[string]any{"active": true},
			After:       map[string]any{"active": false, "revoked_at": now.Format(time.RFC3339)},
		}); err != nil {
			return err
		}

		revoked = *record
		return nil
	})
	if err != nil {
		return certdomain.Status{}, err
	}

	return status(revoked), nil
}

func (s *Service) Status(ctx context.Context) (certdomain.Status, error) {
	workspaceID, ok := workspacectx.WorkspaceIDFromContext(ctx)
	if !ok || workspaceID == 0 {
		return certdomain.Status{}, certdomain.ErrInvalidWorkspace
	}

	record, err := s.latestCertificate(ctx, s.db, workspaceID)
	if err != nil {
		return certdomain.Status{}, err
	}
	if record == nil {
		return certdomain.Status{}, certdomain.ErrNoActiveCertificate
	}
	return status(*record), nil
}

func (s *Service) activeCertificate(ctx context.Context, workspaceID snowflake.ID) (*certificate, error) {
	if workspaceID == 0 {
		return nil, certdomain.ErrInvalidWorkspace
	}
	var record certificate
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND is_active = ?", workspaceID, true).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, certdomain.ErrNoActiveCertificate
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) latestCertificate(ctx context.Context, tx *gorm.DB, workspaceID snowflake.ID) (*certificate, error) {
	var record certificate
	err := tx.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at desc, id desc").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func keyAlgorithm(key any) (string, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return keyAlgorithmRSA, nil
	case *ecdsa.PrivateKey:
		return keyAlgorithmECDSA, nil
	default:
		return "", certdomain.ErrUnsupportedKey
	}
}

func status(record certificate) certdomain.Status {
	return certdomain.Status{
		ID:           record.ID,
		Subject:      record.Subject,
		SerialNumber: record.SerialNumber,
		KeyAlgorithm: record.KeyAlgorithm,
		NotBefore:    record.NotBefore,
		NotAfter:     record.NotAfter,
		Active:       record.IsActive,
		RevokedAt:    record.RevokedAt,
		UploadedAt:   record.CreatedAt,
	}
}
