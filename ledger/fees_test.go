package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/ledger"
)

func classic(mise ledger.Money) ledger.Tontine {
	return ledger.Tontine{ID: "t-classic", Type: ledger.TontineClassic, Mise: mise}
}

func flexible() ledger.Tontine {
	return ledger.Tontine{ID: "t-flex", Type: ledger.TontineFlexible}
}

// =============================================================================
// MISE FEES
// =============================================================================

func TestMiseFee_OnlyBlockCompletingDepositIsCharged(t *testing.T) {
	// GIVEN: classic tontine, mise 1000, one fee per 31 mises
	// WHEN: 62 single-mise deposits
	// THEN: deposit 31 and deposit 62 are charged one mise each, nothing else

	rules := ledger.DefaultFeeRules()
	tn := classic(1000)

	var count int64
	var total ledger.Money
	for i := 1; i <= 62; i++ {
		fee := rules.ComputeDepositFee(tn, count, 1000)
		count = fee.MisesAfter
		total += fee.Amount

		switch i {
		case 31, 62:
			assert.Equal(t, ledger.Money(1000), fee.Amount, "deposit %d completes a block", i)
		default:
			assert.Zero(t, fee.Amount, "deposit %d", i)
		}
		assert.Equal(t, ledger.EarningMiseClassique, fee.EarningType)
		assert.Equal(t, ledger.FeeMise, fee.FeeType)
	}
	assert.Equal(t, int64(62), count)
	assert.Equal(t, ledger.Money(2000), total)
}

func TestMiseFee_MultiMiseDepositCanCompleteSeveralBlocks(t *testing.T) {
	rules := ledger.DefaultFeeRules()
	tn := classic(100)

	// 30 mises held, deposit of 33 mises crosses 31 and 62.
	fee := rules.ComputeDepositFee(tn, 30, 3300)
	assert.Equal(t, int64(63), fee.MisesAfter)
	assert.Equal(t, ledger.Money(200), fee.Amount)
}

func TestMiseFee_TermUsesTermEarningType(t *testing.T) {
	rules := ledger.DefaultFeeRules()
	tn := ledger.Tontine{Type: ledger.TontineTerm, Mise: 500}

	fee := rules.ComputeDepositFee(tn, 30, 500)
	assert.Equal(t, ledger.Money(500), fee.Amount)
	assert.Equal(t, ledger.EarningMiseTerme, fee.EarningType)
}

func TestCumulativeMiseFee(t *testing.T) {
	rules := ledger.DefaultFeeRules()
	cases := []struct {
		count int64
		want  ledger.Money
	}{
		{0, 0},
		{1, 1000},
		{31, 1000},
		{32, 2000},
		{62, 2000},
		{63, 3000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rules.CumulativeMiseFee(1000, tc.count), "count %d", tc.count)
	}
}

// =============================================================================
// FLEXIBLE FEES
// =============================================================================

func TestFlexibleFee_MinimumApplies(t *testing.T) {
	// GIVEN: flexible tontine
	// WHEN: deposits of 3000 then 10000
	// THEN: fees 200 (5% = 150 is under the minimum) then 500

	rules := ledger.DefaultFeeRules()

	first := rules.ComputeDepositFee(flexible(), 0, 3000)
	assert.Equal(t, ledger.Money(200), first.Amount)
	assert.Equal(t, ledger.EarningPercentageFlexible, first.EarningType)
	assert.Equal(t, ledger.FeePercentage, first.FeeType)

	second := rules.ComputeDepositFee(flexible(), first.MisesAfter, 10000)
	assert.Equal(t, ledger.Money(500), second.Amount)
	assert.Equal(t, int64(2), second.MisesAfter, "flexible deposits count one each")
}

func TestFlexibleFee_RoundsHalfAwayFromZero(t *testing.T) {
	rules := ledger.DefaultFeeRules()
	assert.Equal(t, ledger.Money(201), rules.FlexibleFee(4010)) // 200.5
	assert.Equal(t, ledger.Money(200), rules.FlexibleFee(4009)) // 200.45
	assert.Equal(t, ledger.Money(0), rules.FlexibleFee(0))
}

// =============================================================================
// DEPOSIT RULES
// =============================================================================

func TestValidateDeposit(t *testing.T) {
	rules := ledger.DefaultFeeRules()

	assert.NoError(t, rules.ValidateDeposit(classic(1000), 3000))
	assert.NoError(t, rules.ValidateDeposit(flexible(), 50))

	err := rules.ValidateDeposit(flexible(), 49)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	err = rules.ValidateDeposit(classic(1000), 1500)
	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)
}

func TestFeeRules_Validate(t *testing.T) {
	rules := ledger.DefaultFeeRules()
	require.NoError(t, rules.Validate())

	rules.MisesPerFee = 0
	assert.ErrorIs(t, rules.Validate(), ledger.ErrValidation)
}

// =============================================================================
// NET AVAILABLE
// =============================================================================

func TestNetAvailable(t *testing.T) {
	assert.Equal(t, ledger.Money(4800), ledger.NetAvailable(5000, 0, 0, 200))
	assert.Equal(t, ledger.Money(2300), ledger.NetAvailable(5000, 2000, 500, 200))
	assert.Equal(t, ledger.Money(0), ledger.NetAvailable(100, 0, 0, 200), "never negative")
}

// =============================================================================
// MONEY
// =============================================================================

func TestParseMoney(t *testing.T) {
	m, err := ledger.ParseMoney("1000")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1000), m)

	m, err = ledger.ParseMoney(" 2500.00 ")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(2500), m)

	_, err = ledger.ParseMoney("1000.5")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = ledger.ParseMoney("abc")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestMoneyJSON_AcceptsStrings(t *testing.T) {
	var m ledger.Money
	require.NoError(t, m.UnmarshalJSON([]byte(`"3000"`)))
	assert.Equal(t, ledger.Money(3000), m)

	require.NoError(t, m.UnmarshalJSON([]byte(`4000`)))
	assert.Equal(t, ledger.Money(4000), m)

	assert.Error(t, m.UnmarshalJSON([]byte(`12.75`)))
}
