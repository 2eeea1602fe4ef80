package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/openvlab/accounting/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculateCost(t *testing.T) {
	price := domain.Price{
		FixedCost:  d("0"),
		Multiplier: d("0.00001"),
	}

	cost := CalculateCost(price, 1_000_000, true, nil)
	assert.True(t, cost.Equal(d("10")), "got %s", cost)

	cost = CalculateCost(price, 1500, true, nil)
	assert.True(t, cost.Equal(d("0.015")), "got %s", cost)

	// Fixed cost only counts when requested.
	price.FixedCost = d("0.5")
	cost = CalculateCost(price, 1000, true, nil)
	assert.True(t, cost.Equal(d("0.51")), "got %s", cost)
	cost = CalculateCost(price, 1000, false, nil)
	assert.True(t, cost.Equal(d("0.01")), "got %s", cost)

	// The discount applies to fixed and variable cost alike.
	discount := &domain.Discount{Discount: d("0.2")}
	cost = CalculateCost(price, 1000, true, discount)
	assert.True(t, cost.Equal(d("0.408")), "got %s", cost)

	// Zero usage with no fixed cost is free.
	cost = CalculateCost(domain.Price{Multiplier: d("3")}, 0, false, nil)
	assert.True(t, cost.IsZero())
}

func TestUsageValues(t *testing.T) {
	assert.Equal(t, int64(42), OneshotUsageValue(42))
	assert.Equal(t, int64(2*3600), LongrunUsageValue(2, "", 3600))
	assert.Equal(t, int64(1024*60), StorageUsageValue(1024, 60))
}

func TestSplitCharge(t *testing.T) {
	tests := []struct {
		name      string
		total     string
		remaining string
		fromRsv   string
		fromProj  string
		leftover  string
	}{
		{
			name:  "charge smaller than reservation",
			total: "0.015", remaining: "10",
			fromRsv: "0.015", fromProj: "0", leftover: "9.985",
		},
		{
			name:  "charge equal to reservation",
			total: "10", remaining: "10",
			fromRsv: "10", fromProj: "0", leftover: "0",
		},
		{
			name:  "charge exceeding reservation",
			total: "12", remaining: "10",
			fromRsv: "10", fromProj: "2", leftover: "0",
		},
		{
			name:  "no reservation left",
			total: "5", remaining: "0",
			fromRsv: "0", fromProj: "5", leftover: "0",
		},
		{
			name:  "negative total refunds the project, reservation untouched",
			total: "-3", remaining: "4",
			fromRsv: "0", fromProj: "-3", leftover: "4",
		},
		{
			name:  "zero total releases everything",
			total: "0", remaining: "7",
			fromRsv: "0", fromProj: "0", leftover: "7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			split := SplitCharge(d(tt.total), d(tt.remaining))
			assert.True(t, split.FromRsv.Equal(d(tt.fromRsv)), "from_rsv: got %s", split.FromRsv)
			assert.True(t, split.FromProj.Equal(d(tt.fromProj)), "from_proj: got %s", split.FromProj)
			assert.True(t, split.Leftover.Equal(d(tt.leftover)), "leftover: got %s", split.Leftover)
		})
	}
}

func TestReportParamsValidate(t *testing.T) {
	assert.NoError(t, ReportParams{Page: 1, PageSize: 100}.validate())
	assert.NoError(t, ReportParams{Page: 7, PageSize: 1000}.validate())
	assert.Error(t, ReportParams{Page: 0, PageSize: 100}.validate())
	assert.Error(t, ReportParams{Page: 1, PageSize: 0}.validate())
	assert.Error(t, ReportParams{Page: 1, PageSize: 1001}.validate())
}

func TestReservationCostUsesNoDiscount(t *testing.T) {
	// Reservations are priced without discount so the reserved amount is
	// always an upper bound on the discounted charge.
	price := domain.Price{FixedCost: d("1"), Multiplier: d("0.001")}
	discount := &domain.Discount{Discount: d("0.5"), ValidFrom: time.Now()}

	reserved := CalculateCost(price, 500, true, nil)
	charged := CalculateCost(price, 500, true, discount)
	assert.True(t, charged.LessThanOrEqual(reserved))
}
