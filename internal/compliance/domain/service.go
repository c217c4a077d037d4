// Package domain defines the tax-authority submission contract: the wire
// client, the closed set of outcomes, and the deterministic identifiers that
// make resubmission idempotent.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OutcomeKind is the closed set of authority responses. Anything the wire
// returns outside this set is a transport error, not an outcome.
type OutcomeKind string

const (
	OutcomeAccepted OutcomeKind = "accepted"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomePending  OutcomeKind = "pending"
)

// Outcome is the authority's answer to one submission. Reason is set only
// for rejections.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Submission is the record handed to the authority. Every field is frozen at
// finalize time, so resubmitting the same invoice always sends identical
// bytes under the same SubmissionID.
type Submission struct {
	SubmissionID      string    `json:"submission_id"`
	Series            string    `json:"series"`
	Number            int64     `json:"number"`
	IssueDate         time.Time `json:"issue_date"`
	IssuerTaxID       string    `json:"issuer_tax_id"`
	RecipientTaxID    string    `json:"recipient_tax_id"`
	TaxAmount         int64     `json:"tax_amount"`
	TotalAmount       int64     `json:"total_amount"`
	ChainHash         string    `json:"chain_hash"`
	PreviousChainHash string    `json:"previous_chain_hash"`
	Signature         string    `json:"signature"`
	CertificateSerial string    `json:"certificate_serial"`
}

// Client is the authority transport. Implementations must be safe to call
// repeatedly with the same SubmissionID.
type Client interface {
	Submit(ctx context.Context, sub Submission) (Outcome, error)
}

// SelfCheckReport summarizes a configuration round trip: sign a probe digest
// with the active certificate, verify it, and ping the authority.
type SelfCheckReport struct {
	CertificateOK bool   `json:"certificate_ok"`
	SignatureOK   bool   `json:"signature_ok"`
	AuthorityOK   bool   `json:"authority_ok"`
	Detail        string `json:"detail,omitempty"`
}

// Service drives submissions. Submit is called once after finalize commits;
// RetryPending is the scheduler entry point that drains invoices whose
// next_retry_at has come due.
type Service interface {
	Submit(ctx context.Context, invoiceID snowflake.ID) error
	RetryPending(ctx context.Context, batchSize int) (int, error)
	SelfCheck(ctx context.Context) (SelfCheckReport, error)
}

// SubmissionID derives the idempotency key for one assigned invoice number.
// It depends only on identity, never on content or attempt count, so every
// retry of the same invoice carries the same key.
func SubmissionID(workspaceID snowflake.ID, series string, number int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", workspaceID, series, number)))
	return hex.EncodeToString(sum[:])
}

// VerificationPayload renders the QR verification URL printed on the
// invoice. The digest fragment is the first 8 hex characters uppercased.
func VerificationPayload(baseURL, issuerTaxID, displayNumber string, issueDate time.Time, totalAmount int64, chainHash string) string {
	fragment := chainHash
	if len(fragment) > 8 {
		fragment = fragment[:8]
	}
	q := url.Values{}
	q.Set("nif", issuerTaxID)
	q.Set("num", displayNumber)
	q.Set("fecha", issueDate.UTC().Format("2006-01-02"))
	q.Set("importe", FormatAmount(totalAmount))
	q.Set("huella", strings.ToUpper(fragment))
	return strings.TrimSuffix(baseURL, "/") + "/qr?" + q.Encode()
}

// FormatAmount renders minor currency units as a decimal string. Negative
// totals, as on rectificatives, carry a single leading sign.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

var (
	ErrInvalidWorkspace     = errors.New("invalid_workspace")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrNotSubmittable       = errors.New("invoice_not_submittable")
	ErrAuthorityUnavailable = errors.New("authority_unavailable")
)
