package costs

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMonthlyEquivalent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount string
		period BillingPeriod
		want   string
	}{
		{amount: "120", period: PeriodYearly, want: "10"},
		{amount: "10", period: PeriodWeekly, want: "43.3"},
		{amount: "30", period: PeriodQuarterly, want: "10"},
		{amount: "25", period: PeriodMonthly, want: "25"},
		{amount: "500", period: PeriodOneTime, want: "0"},
		{amount: "7", period: BillingPeriod("fortnightly"), want: "7"},
	}
	for _, tt := range tests {
		got := MonthlyEquivalent(decimal.RequireFromString(tt.amount), tt.period)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Fatalf("MonthlyEquivalent(%s, %s) = %s, want %s", tt.amount, tt.period, got, tt.want)
		}
	}
}

func TestDedupeFirstOccurrenceWins(t *testing.T) {
	t.Parallel()

	in := []ToolCost{
		{Source: "stripe", ExternalID: "a", ToolName: "first"},
		{Source: "quickbooks", ExternalID: "a", ToolName: "other source"},
		{Source: "stripe", ExternalID: "b", ToolName: "b"},
		{Source: "stripe", ExternalID: "a", ToolName: "second"},
	}
	out := Dedupe(in)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[0].ToolName != "first" {
		t.Fatalf("out[0].ToolName = %q, want first", out[0].ToolName)
	}
	if out[1].Source != "quickbooks" || out[2].ExternalID != "b" {
		t.Fatalf("unexpected order: %+v", out)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	batch := []ToolCost{
		{Source: "stripe", ExternalID: "sub_1", Amount: decimal.NewFromInt(10)},
		{Source: "stripe", ExternalID: "sub_2", Amount: decimal.NewFromInt(20)},
	}

	first, stats := Merge(nil, batch, newID)
	if stats.Inserted != 2 || stats.Updated != 0 {
		t.Fatalf("first merge stats = %+v", stats)
	}

	batch[0].Amount = decimal.NewFromInt(15)
	second, stats := Merge(first, batch, newID)
	if stats.Inserted != 0 || stats.Updated != 2 {
		t.Fatalf("second merge stats = %+v", stats)
	}
	if len(second) != 2 {
		t.Fatalf("len(second) = %d, want 2", len(second))
	}
	if second[0].ID != "id-1" || second[1].ID != "id-2" {
		t.Fatalf("stored ids changed: %q %q", second[0].ID, second[1].ID)
	}
	if !second[0].Amount.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("amount = %s, want 15", second[0].Amount)
	}
	if !first[0].Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("merge mutated existing slice")
	}
}

func TestSortByBillingDateDesc(t *testing.T) {
	t.Parallel()

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	list := []ToolCost{
		{ExternalID: "none"},
		{ExternalID: "jan", BillingDate: &jan},
		{ExternalID: "mar", BillingDate: &mar},
	}
	SortByBillingDateDesc(list)
	got := []string{list[0].ExternalID, list[1].ExternalID, list[2].ExternalID}
	want := []string{"mar", "jan", "none"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
