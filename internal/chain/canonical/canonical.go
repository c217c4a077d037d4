// Package canonical defines the deterministic serialization of an invoice's
// compliance-relevant fields and the chained digest computed over it. The
// canonical form is version-tagged and fleet-stable: fixed field order, dates
// as 2006-01-02, amounts as integer minor currency units, quantities as
// integer milli-units, rates as basis points. Any change to the layout
// requires a new version tag because it changes every digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	// Version tags the canonical layout inside every payload.
	Version = "v1"

	fieldSep = "|"
	itemSep  = ";"
)

// Item is one invoice line in canonical form. Lines are serialized in
// ascending Position order regardless of how totals were computed.
type Item struct {
	Position      int32
	Description   string
	QuantityMilli int64
	UnitAmount    int64
	DiscountBP    int32
	TaxRateBP     int32
	Amount        int64
}

// Invoice carries the compliance-relevant fields of a finalized invoice.
type Invoice struct {
	Series         string
	Number         int64
	IssueDate      time.Time
	Currency       string
	IssuerTaxID    string
	IssuerName     string
	RecipientTaxID string
	RecipientName  string
	Items          []Item
	TaxAmount      int64
	TotalAmount    int64
}

// Payload renders the canonical serialization including the previous digest.
// It is a pure function of its inputs.
func Payload(inv Invoice, previousDigest string) string {
	var b strings.Builder

	b.WriteString(Version)
	b.WriteString(fieldSep)
	b.WriteString(inv.Series)
	b.WriteString(fieldSep)
	fmt.Fprintf(&b, "%d", inv.Number)
	b.WriteString(fieldSep)
	b.WriteString(inv.IssueDate.UTC().Format("2006-01-02"))
	b.WriteString(fieldSep)
	b.WriteString(inv.Currency)
	b.WriteString(fieldSep)
	b.WriteString(escape(inv.IssuerTaxID))
	b.WriteString(fieldSep)
	b.WriteString(escape(inv.IssuerName))
	b.WriteString(fieldSep)
	b.WriteString(escape(inv.RecipientTaxID))
	b.WriteString(fieldSep)
	b.WriteString(escape(inv.RecipientName))
	b.WriteString(fieldSep)

	for i, item := range inv.Items {
		if i > 0 {
			b.WriteString(itemSep)
		}
		fmt.Fprintf(&b, "%d:%s:%d:%d:%d:%d:%d",
			item.Position,
			escape(item.Description),
			item.QuantityMilli,
			item.UnitAmount,
			item.DiscountBP,
			item.TaxRateBP,
			item.Amount,
		)
	}

	b.WriteString(fieldSep)
	fmt.Fprintf(&b, "%d", inv.TaxAmount)
	b.WriteString(fieldSep)
	fmt.Fprintf(&b, "%d", inv.TotalAmount)
	b.WriteString(fieldSep)
	b.WriteString(previousDigest)

	return b.String()
}

// Digest is the SHA-256 of the canonical payload, lowercase hex.
func Digest(inv Invoice, previousDigest string) string {
	sum := sha256.Sum256([]byte(Payload(inv, previousDigest)))
	return hex.EncodeToString(sum[:])
}

// Genesis is the documented previous-digest constant for the first invoice in
// a series. It is derived from the workspace and series so two chains never
// share a genesis, and it is never empty or all-zero, which would be
// ambiguous with "no previous".
func Genesis(workspaceID snowflake.ID, series string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("veriledger:genesis:%s:%s:%s", Version, workspaceID, series)))
	return hex.EncodeToString(sum[:])
}

// escape keeps free-text fields from colliding with the payload separators.
func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, fieldSep, "\\p")
	value = strings.ReplaceAll(value, itemSep, "\\s")
	value = strings.ReplaceAll(value, ":", "\\c")
	return value
}
