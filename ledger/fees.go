/*
fees.go - Tontinier fee rules and net-available balance

PURPOSE:
  Pure, deterministic fee arithmetic. No I/O. The transaction state
  machine and the preview both call ComputeDepositFee so the fee shown
  to a client is exactly the fee charged at validation.

FEE FORMULAS:
  Classic / term (mise-based):
    One mise is owed per block of N mises (N = MisesPerFee, default 31).
    Only the deposit that completes a block is charged, and only for the
    blocks it completes:

      fee = mise × (count_after / N − count_before / N)

    31 deposits of one mise: deposit 31 is charged one mise, deposits
    32..61 are free, deposit 62 is charged the second mise.

  Flexible (percentage):
    Every deposit is charged independently:

      fee = max(round(amount × FlexiblePercent), MinFlexibleFee)

    3000 → max(150, 200) = 200, 10000 → max(500, 200) = 500.

NET AVAILABLE:
  net = max(0, deposited − withdrawn − collected fees − uncollected reserved fees)

  deposited − withdrawn − collected fees is what the client still owns.
  Uncollected reserved fees are the tontinier's, escrowed until realized.

SEE ALSO:
  - transaction.go: Applies the fee on validation
  - summary.go: Projects the fee before validation
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// FEE RULES - Configuration
// =============================================================================

// FeeRules holds the configurable constants of the fee formulas.
type FeeRules struct {
	MinMise         Money
	MisesPerFee     int64
	FlexiblePercent decimal.Decimal
	MinFlexibleFee  Money
	MinSubscription Money
	MaxSubscription Money
}

// DefaultFeeRules returns the production constants.
func DefaultFeeRules() FeeRules {
	return FeeRules{
		MinMise:         50,
		MisesPerFee:     31,
		FlexiblePercent: decimal.RequireFromString("0.05"),
		MinFlexibleFee:  200,
		MinSubscription: 1000,
		MaxSubscription: 5000,
	}
}

// Validate checks the configuration is usable.
func (r FeeRules) Validate() error {
	switch {
	case r.MinMise <= 0:
		return validationf("fees.min_mise", "must be positive, got %d", r.MinMise)
	case r.MisesPerFee <= 0:
		return validationf("fees.mises_per_fee", "must be positive, got %d", r.MisesPerFee)
	case r.FlexiblePercent.IsNegative():
		return validationf("fees.flexible_percent", "must not be negative, got %s", r.FlexiblePercent)
	case r.MinFlexibleFee < 0:
		return validationf("fees.min_flexible_fee", "must not be negative, got %d", r.MinFlexibleFee)
	case r.MinSubscription <= 0 || r.MinSubscription > r.MaxSubscription:
		return validationf("fees.subscription", "invalid range [%d, %d]", r.MinSubscription, r.MaxSubscription)
	}
	return nil
}

// =============================================================================
// DEPOSIT RULES
// =============================================================================

// ValidateDeposit checks a deposit amount against the tontine.
func (r FeeRules) ValidateDeposit(t Tontine, amount Money) error {
	if amount < r.MinMise {
		return validationf("amount", "minimum deposit is %d %s", r.MinMise, DefaultCurrency)
	}
	if t.Type.UsesMise() {
		if t.Mise <= 0 {
			return validationf("mise", "tontine %s has no mise configured", t.ID)
		}
		if amount%t.Mise != 0 {
			return validationf("amount", "deposit must be a multiple of the mise (%d)", t.Mise)
		}
	}
	return nil
}

// MisesFor returns how many mises a deposit adds to the cumulative count.
func (r FeeRules) MisesFor(t Tontine, amount Money) int64 {
	if t.Type.UsesMise() && t.Mise > 0 {
		return int64(amount / t.Mise)
	}
	return 1
}

// =============================================================================
// FEE FORMULAS
// =============================================================================

// BlocksCompleted returns how many full blocks of n mises count covers.
func BlocksCompleted(count, n int64) int64 {
	if n <= 0 || count <= 0 {
		return 0
	}
	return count / n
}

// MarginalMiseFee is the fee charged by a deposit moving the cumulative
// mise count from before to after.
func (r FeeRules) MarginalMiseFee(mise Money, before, after int64) Money {
	blocks := BlocksCompleted(after, r.MisesPerFee) - BlocksCompleted(before, r.MisesPerFee)
	if blocks <= 0 {
		return 0
	}
	return mise * Money(blocks)
}

// CumulativeMiseFee is the fee owed for count mises including the open
// block: mise × ceil(count / N), with at least one mise once saving started.
func (r FeeRules) CumulativeMiseFee(mise Money, count int64) Money {
	if count <= 0 {
		return 0
	}
	if count <= r.MisesPerFee {
		return mise
	}
	blocks := (count + r.MisesPerFee - 1) / r.MisesPerFee
	return mise * Money(blocks)
}

// FlexibleFee is the per-deposit fee of a flexible tontine.
// The percentage is rounded half away from zero to a whole unit.
func (r FeeRules) FlexibleFee(amount Money) Money {
	if amount <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(amount)).Mul(r.FlexiblePercent).Round(0)
	return Money(pct.IntPart()).Max(r.MinFlexibleFee)
}

// DepositFee is the fee outcome of one deposit.
type DepositFee struct {
	Amount      Money
	EarningType EarningType
	FeeType     FeeType
	MisesBefore int64
	MisesAfter  int64
}

// ComputeDepositFee computes the fee a deposit of amount generates when the
// participation already holds misesBefore mises.
func (r FeeRules) ComputeDepositFee(t Tontine, misesBefore int64, amount Money) DepositFee {
	fee := DepositFee{
		EarningType: EarningTypeFor(t.Type),
		FeeType:     FeeTypeFor(t.Type),
		MisesBefore: misesBefore,
		MisesAfter:  misesBefore + r.MisesFor(t, amount),
	}
	switch t.Type {
	case TontineClassic, TontineTerm:
		fee.Amount = r.MarginalMiseFee(t.Mise, fee.MisesBefore, fee.MisesAfter)
	case TontineFlexible:
		fee.Amount = r.FlexibleFee(amount)
	}
	return fee
}

// EarningTypeFor maps a tontine type to the earning its fees produce.
func EarningTypeFor(t TontineType) EarningType {
	switch t {
	case TontineTerm:
		return EarningMiseTerme
	case TontineFlexible:
		return EarningPercentageFlexible
	default:
		return EarningMiseClassique
	}
}

// FeeTypeFor maps a tontine type to its reserved fee type.
func FeeTypeFor(t TontineType) FeeType {
	if t == TontineFlexible {
		return FeePercentage
	}
	return FeeMise
}

// =============================================================================
// NET AVAILABLE
// =============================================================================

// NetAvailable is the hard ceiling for any withdrawal.
func NetAvailable(deposited, withdrawn, feesCollected, reserved Money) Money {
	return (deposited - withdrawn - feesCollected - reserved).Max(0)
}

// NetAvailableFor computes NetAvailable for a participation.
func NetAvailableFor(p Participation, reserved Money) Money {
	return NetAvailable(p.TotalDeposited, p.TotalWithdrawn, p.TotalFees, reserved)
}
