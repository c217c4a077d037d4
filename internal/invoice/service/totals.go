package service

import (
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

var (
	thousand   = decimal.NewFromInt(1000)
	hundred    = decimal.NewFromInt(100)
	tenK       = decimal.NewFromInt(10000)
	maxLineNet = decimal.NewFromInt(1_000_000_000) // cents
)

// buildItems converts caller decimals into integer ledger units and computes
// per-line net and tax. Rounding is half-up to the cent per line; invoice
// totals are plain sums of the rounded lines so the printed lines always add
// up to the printed total. Negative quantities are only valid on
// rectificative lines.
func buildItems(inputs []invoicedomain.ItemInput, defaultTaxRateBP int32, allowNegative bool) ([]invoicedomain.InvoiceItem, error) {
	if len(inputs) == 0 {
		return nil, invoicedomain.ErrNoItems
	}

	items := make([]invoicedomain.InvoiceItem, 0, len(inputs))
	for i, in := range inputs {
		if in.Description == "" {
			return nil, invoicedomain.ErrInvalidItem
		}

		qty, err := decimal.NewFromString(in.Quantity)
		if err != nil || qty.IsZero() {
			return nil, invoicedomain.ErrInvalidItem
		}
		if qty.IsNegative() && !allowNegative {
			return nil, invoicedomain.ErrInvalidItem
		}
		qtyMilli := qty.Mul(thousand)
		if !qtyMilli.IsInteger() {
			return nil, invoicedomain.ErrInvalidItem
		}

		price, err := decimal.NewFromString(in.UnitPrice)
		if err != nil || price.IsNegative() {
			return nil, invoicedomain.ErrInvalidItem
		}
		priceCents := price.Mul(hundred)
		if !priceCents.IsInteger() {
			return nil, invoicedomain.ErrInvalidItem
		}

		discountBP := int32(0)
		if in.DiscountPercent != "" {
			disc, err := decimal.NewFromString(in.DiscountPercent)
			if err != nil || disc.IsNegative() || disc.GreaterThan(hundred) {
				return nil, invoicedomain.ErrInvalidItem
			}
			bp := disc.Mul(hundred)
			if !bp.IsInteger() {
				return nil, invoicedomain.ErrInvalidItem
			}
			discountBP = int32(bp.IntPart())
		}

		taxRateBP := defaultTaxRateBP
		if in.TaxRatePercent != nil {
			rate, err := decimal.NewFromString(*in.TaxRatePercent)
			if err != nil || rate.IsNegative() || rate.GreaterThan(hundred) {
				return nil, invoicedomain.ErrInvalidItem
			}
			bp := rate.Mul(hundred)
			if !bp.IsInteger() {
				return nil, invoicedomain.ErrInvalidItem
			}
			taxRateBP = int32(bp.IntPart())
		}

		// net = qty * price * (1 - discount), rounded half-up to the cent
		gross := qty.Mul(price)
		discFactor := decimal.NewFromInt(1).Sub(decimal.NewFromInt32(discountBP).Div(tenK))
		net := gross.Mul(discFactor).Mul(hundred).Round(0)
		if net.Abs().GreaterThan(maxLineNet) {
			return nil, invoicedomain.ErrInvalidAmount
		}
		tax := net.Mul(decimal.NewFromInt32(taxRateBP)).Div(tenK).Round(0)

		items = append(items, invoicedomain.InvoiceItem{
			Position:      int32(i + 1),
			Description:   in.Description,
			QuantityMilli: qtyMilli.IntPart(),
			UnitAmount:    priceCents.IntPart(),
			DiscountBP:    discountBP,
			TaxRateBP:     taxRateBP,
			Amount:        net.IntPart(),
			TaxAmount:     tax.IntPart(),
		})
	}
	return items, nil
}

// totals sums the rounded lines.
func totals(items []invoicedomain.InvoiceItem) (subtotal, tax, total int64) {
	for _, item := range items {
		subtotal += item.Amount
		tax += item.TaxAmount
	}
	return subtotal, tax, subtotal + tax
}
