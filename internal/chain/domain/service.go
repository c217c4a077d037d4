// Package domain defines the chain verification contract.
package domain

import (
	"context"
	"errors"
)

// FailureKind classifies the first defect found while walking a series chain.
type FailureKind string

const (
	// FailureDigestMismatch: the recomputed digest differs from the stored
	// chain_hash: the invoice content or stored digest was altered.
	FailureDigestMismatch FailureKind = "digest_mismatch"
	// FailureBrokenLink: chain_previous_hash does not equal the prior
	// invoice's chain_hash.
	FailureBrokenLink FailureKind = "broken_link"
	// FailureMissingNumber: the series skips a number, so an invoice was
	// removed or never recorded.
	FailureMissingNumber FailureKind = "missing_number"
)

// VerifyReport is the outcome of one read-only chain walk. Failures are
// reported, never repaired: an automatic repair would be indistinguishable
// from tampering.
type VerifyReport struct {
	Series          string      `json:"series"`
	Length          int         `json:"length"`
	OK              bool        `json:"ok"`
	FailurePosition int64       `json:"failure_position,omitempty"`
	FailureKind     FailureKind `json:"failure_kind,omitempty"`
	Detail          string      `json:"detail,omitempty"`
}

// Service recomputes and checks a series' hash chain. Verify takes no locks
// and may run concurrently with finalizations; a snapshot that misses
// in-flight invoices still verifies a valid prefix.
type Service interface {
	Verify(ctx context.Context, series string) (VerifyReport, error)
}

var (
	ErrInvalidWorkspace = errors.New("invalid_workspace")
	ErrInvalidSeries    = errors.New("invalid_series")
)
