package pricing

import (
	"context"

	"github.com/platinummonkey/callmeter/pkg/billing"
)

// TaxBreakdown is a region's tax on a subtotal.
// For GST the components are rounded independently and need not sum to Tax.
type TaxBreakdown struct {
	Type     billing.TaxType `json:"type"`
	Currency string          `json:"currency"`
	Tax      int64           `json:"tax"`
	CGST     *int64          `json:"cgst,omitempty"`
	SGST     *int64          `json:"sgst,omitempty"`
	IGST     *int64          `json:"igst,omitempty"`
}

// CalculateRegionalTax computes tax on subtotal with the region's tax config.
// A region without pricing is an error; there is no silent zero tax.
func (r *Regional) CalculateRegionalTax(ctx context.Context, subtotal int64, region string) (*TaxBreakdown, error) {
	cfg, err := r.GetRegionalPricing(ctx, region)
	if err != nil {
		return nil, err
	}
	return ComputeTax(subtotal, cfg.Tax, cfg.Currency), nil
}

// ComputeTax applies a tax config to subtotal
func ComputeTax(subtotal int64, tax billing.TaxConfig, currency string) *TaxBreakdown {
	breakdown := &TaxBreakdown{
		Type:     tax.Type,
		Currency: currency,
		Tax:      applyRate(subtotal, tax.Rate),
	}
	if tax.Type != billing.TaxTypeGST {
		return breakdown
	}

	cgst := applyRate(subtotal, tax.CGSTRate)
	sgst := applyRate(subtotal, tax.SGSTRate)
	breakdown.CGST = &cgst
	breakdown.SGST = &sgst
	if !tax.IGSTRate.IsZero() {
		igst := applyRate(subtotal, tax.IGSTRate)
		breakdown.IGST = &igst
	}
	return breakdown
}
