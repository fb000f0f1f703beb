package quickbooks

import (
	"strings"
	"time"

	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/shopspring/decimal"
)

const accountExpenseLine = "AccountBasedExpenseLineDetail"

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{dateLayout, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return costs.TimePtr(t)
		}
	}
	return nil
}

func refName(r *Ref) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Name)
}

func refValue(r *Ref) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Value)
}

func lineDescriptions(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if d := strings.TrimSpace(l.Description); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func mapBill(b Bill, categories costs.CategoryCatalog) costs.ToolCost {
	vendor := refName(b.VendorRef)
	if vendor == "" {
		vendor = "Unknown Vendor"
	}
	toolName := vendor
	for _, l := range b.Line {
		if l.DetailType == accountExpenseLine && strings.TrimSpace(l.Description) != "" {
			toolName = strings.TrimSpace(l.Description)
			break
		}
	}
	status := "paid"
	if b.Balance.IsPositive() {
		status = "pending"
	}
	return costs.ToolCost{
		ExternalID:    "qb-bill-" + b.ID,
		ToolName:      toolName,
		Vendor:        vendor,
		Category:      categories.Detect(append([]string{vendor}, lineDescriptions(b.Line)...)...),
		Amount:        b.TotalAmt,
		Currency:      refValue(b.CurrencyRef),
		BillingPeriod: costs.PeriodMonthly,
		BillingDate:   parseDate(b.TxnDate),
		RenewalDate:   parseDate(b.DueDate),
		Status:        status,
		Metadata: map[string]any{
			"quickbooksId":   b.ID,
			"quickbooksType": "Bill",
			"vendorId":       refValue(b.VendorRef),
			"docNumber":      b.DocNumber,
			"balance":        b.Balance.InexactFloat64(),
		},
	}
}

func mapPurchase(p Purchase, categories costs.CategoryCatalog) costs.ToolCost {
	entity := refName(p.EntityRef)
	if entity == "" {
		entity = "Unknown"
	}
	descriptions := lineDescriptions(p.Line)
	toolName := entity
	if len(descriptions) > 0 {
		toolName = descriptions[0]
	}
	return costs.ToolCost{
		ExternalID:    "qb-purchase-" + p.ID,
		ToolName:      toolName,
		Vendor:        entity,
		Category:      categories.Detect(append([]string{entity}, descriptions...)...),
		Amount:        p.TotalAmt,
		Currency:      refValue(p.CurrencyRef),
		BillingPeriod: costs.PeriodOneTime,
		BillingDate:   parseDate(p.TxnDate),
		Status:        "paid",
		Metadata: map[string]any{
			"quickbooksId":   p.ID,
			"quickbooksType": "Purchase",
			"paymentType":    p.PaymentType,
			"accountRef":     refName(p.AccountRef),
		},
	}
}

// recurringPeriod maps a schedule onto a billing period. Monthly schedules
// every 3 or 12 months become quarterly and yearly.
func recurringPeriod(s ScheduleInfo) costs.BillingPeriod {
	switch s.IntervalType {
	case "Weekly":
		return costs.PeriodWeekly
	case "Yearly":
		return costs.PeriodYearly
	case "Monthly":
		switch s.NumInterval {
		case 3:
			return costs.PeriodQuarterly
		case 12:
			return costs.PeriodYearly
		}
	}
	return costs.PeriodMonthly
}

func mapRecurring(rt RecurringTransaction, categories costs.CategoryCatalog) costs.ToolCost {
	id := rt.ID
	info := rt.RecurringInfo
	var (
		vendorRef, currencyRef *Ref
		total                  decimal.Decimal
	)
	switch {
	case rt.Bill != nil:
		vendorRef, currencyRef = rt.Bill.VendorRef, rt.Bill.CurrencyRef
		total = rt.Bill.TotalAmt
		if id == "" {
			id = rt.Bill.ID
		}
		if info == nil {
			info = rt.Bill.RecurringInfo
		}
	case rt.Purchase != nil:
		vendorRef, currencyRef = rt.Purchase.EntityRef, rt.Purchase.CurrencyRef
		total = rt.Purchase.TotalAmt
		if id == "" {
			id = rt.Purchase.ID
		}
		if info == nil {
			info = rt.Purchase.RecurringInfo
		}
	}
	if info == nil {
		info = &RecurringInfo{}
	}

	vendor := refName(vendorRef)
	if vendor == "" {
		vendor = "Unknown"
	}
	name := strings.TrimSpace(rt.Name)
	if name == "" {
		name = strings.TrimSpace(info.Name)
	}
	toolName := name
	if toolName == "" {
		toolName = vendor
	}
	status := "inactive"
	if info.Active {
		status = "active"
	}
	return costs.ToolCost{
		ExternalID:    "qb-recurring-" + id,
		ToolName:      toolName,
		Vendor:        vendor,
		Category:      categories.Detect(vendor),
		Amount:        total,
		Currency:      refValue(currencyRef),
		BillingPeriod: recurringPeriod(info.ScheduleInfo),
		BillingDate:   parseDate(info.ScheduleInfo.StartDate),
		RenewalDate:   parseDate(info.ScheduleInfo.NextDate),
		Status:        status,
		Metadata: map[string]any{
			"quickbooksId":   id,
			"quickbooksType": "RecurringTransaction",
			"scheduleName":   name,
			"intervalType":   info.ScheduleInfo.IntervalType,
			"numInterval":    info.ScheduleInfo.NumInterval,
		},
	}
}
