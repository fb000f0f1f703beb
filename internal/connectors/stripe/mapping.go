package stripe

import (
	"strings"
	"time"

	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/shopspring/decimal"
)

// Currencies Stripe bills in whole units rather than hundredths.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

// fromMinorUnits converts an amount in the currency's smallest unit to a
// major-unit decimal.
func fromMinorUnits(amount decimal.Decimal, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(strings.TrimSpace(currency))]; ok {
		return amount
	}
	return amount.Shift(-2)
}

func priceUnitAmount(p Price) decimal.Decimal {
	if p.UnitAmount != nil {
		return decimal.NewFromInt(*p.UnitAmount)
	}
	if v, err := decimal.NewFromString(strings.TrimSpace(p.UnitAmountDecimal)); err == nil {
		return v
	}
	return decimal.Zero
}

func billingPeriodFor(r *Recurring) costs.BillingPeriod {
	if r == nil {
		return costs.PeriodMonthly
	}
	count := r.IntervalCount
	if count <= 0 {
		count = 1
	}
	switch strings.ToLower(strings.TrimSpace(r.Interval)) {
	case "day":
		if count == 7 {
			return costs.PeriodWeekly
		}
	case "week":
		if count == 1 {
			return costs.PeriodWeekly
		}
	case "month":
		switch count {
		case 3:
			return costs.PeriodQuarterly
		case 12:
			return costs.PeriodYearly
		}
	case "year":
		if count == 1 {
			return costs.PeriodYearly
		}
	}
	return costs.PeriodMonthly
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	return costs.TimePtr(time.Unix(sec, 0))
}

func mapSubscription(sub Subscription, product Product, vendors costs.VendorCatalog) (costs.ToolCost, bool) {
	if len(sub.Items.Data) == 0 {
		return costs.ToolCost{}, false
	}
	item := sub.Items.Data[0]
	price := item.Price

	quantity := item.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	amount := fromMinorUnits(priceUnitAmount(price), price.Currency).Mul(decimal.NewFromInt(quantity))

	toolName := strings.TrimSpace(product.Name)
	if toolName == "" {
		toolName = product.ID
	}
	category, vendor := costs.DefaultCategory, toolName
	if match, ok := vendors.Match(product.Name, product.Description); ok {
		category, vendor = match.Category, match.Vendor
	}

	periodStart, periodEnd := item.CurrentPeriodStart, item.CurrentPeriodEnd
	if periodStart == 0 {
		periodStart = sub.CurrentPeriodStart
	}
	if periodEnd == 0 {
		periodEnd = sub.CurrentPeriodEnd
	}

	var seats *int64
	if item.Quantity > 0 {
		q := item.Quantity
		seats = &q
	}

	metadata := map[string]any{
		"stripeSubscriptionId": sub.ID,
		"stripeProductId":      product.ID,
		"stripePriceId":        price.ID,
		"stripeCustomerId":     expandableID(sub.Customer),
		"cancelAtPeriodEnd":    sub.CancelAtPeriodEnd,
		"itemCount":            len(sub.Items.Data),
	}
	if price.Recurring != nil {
		metadata["interval"] = price.Recurring.Interval
		metadata["intervalCount"] = price.Recurring.IntervalCount
	}
	if d := strings.TrimSpace(product.Description); d != "" {
		metadata["productDescription"] = d
	}

	return costs.ToolCost{
		ExternalID:    sub.ID,
		ToolName:      toolName,
		Vendor:        vendor,
		Category:      category,
		Amount:        amount,
		Currency:      price.Currency,
		BillingPeriod: billingPeriodFor(price.Recurring),
		BillingDate:   unixPtr(periodStart),
		RenewalDate:   unixPtr(periodEnd),
		Status:        sub.Status,
		Seats:         seats,
		Metadata:      metadata,
	}, true
}

func mapInvoice(inv Invoice, vendors costs.VendorCatalog) (costs.ToolCost, bool) {
	if len(inv.Lines.Data) == 0 {
		return costs.ToolCost{}, false
	}
	description := strings.TrimSpace(inv.Lines.Data[0].Description)
	if description == "" {
		description = strings.TrimSpace(inv.Description)
	}
	if description == "" {
		description = "Unknown"
	}

	category, vendor := costs.DefaultCategory, "Unknown"
	if match, ok := vendors.Match(description); ok {
		category, vendor = match.Category, match.Vendor
	}

	metadata := map[string]any{
		"stripeInvoiceId":  inv.ID,
		"stripeCustomerId": expandableID(inv.Customer),
	}
	if inv.Number != "" {
		metadata["invoiceNumber"] = inv.Number
	}
	if inv.InvoicePDF != "" {
		metadata["invoicePdf"] = inv.InvoicePDF
	}

	return costs.ToolCost{
		ExternalID:    inv.ID,
		ToolName:      description,
		Vendor:        vendor,
		Category:      category,
		Amount:        fromMinorUnits(decimal.NewFromInt(inv.AmountPaid), inv.Currency),
		Currency:      inv.Currency,
		BillingPeriod: costs.PeriodOneTime,
		BillingDate:   unixPtr(inv.Created),
		Status:        inv.Status,
		Metadata:      metadata,
	}, true
}
