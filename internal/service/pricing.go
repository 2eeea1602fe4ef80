package service

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/domain"
)

var one = decimal.NewFromInt(1)

// CalculateCost returns the cost of usageValue units at the given price:
// fixed_cost (when included) plus multiplier times usage, then reduced by
// the discount. The discount applies to both the fixed and the variable
// part.
func CalculateCost(
	price domain.Price,
	usageValue int64,
	includeFixedCost bool,
	discount *domain.Discount,
) decimal.Decimal {
	cost := price.Multiplier.Mul(decimal.NewFromInt(usageValue))
	if includeFixedCost {
		cost = cost.Add(price.FixedCost)
	}
	if discount != nil {
		cost = cost.Mul(one.Sub(discount.Discount))
	}
	return cost
}

// OneshotUsageValue returns the usage value of a oneshot job.
func OneshotUsageValue(count int64) int64 {
	return count
}

// LongrunUsageValue returns the usage value of a longrun interval:
// instances times seconds. instanceType is currently informational only.
func LongrunUsageValue(instances int64, instanceType string, seconds int64) int64 {
	if instanceType != "" {
		// TODO: factor instance_type into the cost formula.
		log.Warn().Str("instance_type", instanceType).Msg("instance_type is ignored")
	}
	return instances * seconds
}

// StorageUsageValue returns the usage value of a storage interval in
// byte-seconds.
func StorageUsageValue(size, seconds int64) int64 {
	return size * seconds
}

// ChargeSplit is the outcome of splitting a charge across the RSV and
// PROJ accounts.
type ChargeSplit struct {
	FromRsv  decimal.Decimal // charged RSV -> SYS
	FromProj decimal.Decimal // charged PROJ -> SYS; negative means a refund SYS -> PROJ
	Leftover decimal.Decimal // released RSV -> PROJ when the charge is terminal
}

// SplitCharge splits total across the reservation and the project.
// A positive total consumes the reservation first and debits the project
// for the excess. A negative total never touches the reservation: the
// whole amount refunds the project.
func SplitCharge(total, remaining decimal.Decimal) ChargeSplit {
	if total.Sign() <= 0 {
		return ChargeSplit{
			FromRsv:  constants.D0,
			FromProj: total,
			Leftover: remaining,
		}
	}
	fromRsv := decimal.Min(total, remaining)
	return ChargeSplit{
		FromRsv:  fromRsv,
		FromProj: decimal.Max(total.Sub(fromRsv), constants.D0),
		Leftover: remaining.Sub(fromRsv),
	}
}
