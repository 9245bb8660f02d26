// Package storetest is a conformance suite for ledger.TxStore implementations.
//
// Each store package runs it from its own tests:
//
//	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newStore(t) })
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/ledger"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) ledger.TxStore

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// Run executes every conformance check against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Run("Tontines", func(t *testing.T) { testTontines(t, open(t)) })
	t.Run("LockTontine", func(t *testing.T) { testLockTontine(t, open(t)) })
	t.Run("Participations", func(t *testing.T) { testParticipations(t, open(t)) })
	t.Run("Increments", func(t *testing.T) { testIncrements(t, open(t)) })
	t.Run("TransactionTransitions", func(t *testing.T) { testTransitions(t, open(t)) })
	t.Run("TransactionListing", func(t *testing.T) { testTransactionListing(t, open(t)) })
	t.Run("ReservedFees", func(t *testing.T) { testReservedFees(t, open(t)) })
	t.Run("EarningsIdempotency", func(t *testing.T) { testEarnings(t, open(t)) })
	t.Run("DuplicateEarningKeepsUnitUsable", func(t *testing.T) { testDuplicateEarningInUnit(t, open(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, open(t)) })
}

func seedTontine(t *testing.T, st ledger.Store, id, identifier string) ledger.Tontine {
	t.Helper()
	tn := ledger.Tontine{
		ID:          ledger.TontineID(id),
		Identifier:  identifier,
		Name:        "Tontine " + identifier,
		Type:        ledger.TontineClassic,
		Mise:        1000,
		Currency:    ledger.DefaultCurrency,
		CycleDays:   31,
		StartDate:   base,
		TontinierID: "tn-1",
		Status:      ledger.TontineActive,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	require.NoError(t, st.CreateTontine(context.Background(), tn))
	return tn
}

func seedParticipation(t *testing.T, st ledger.Store, tontineID, clientID string) {
	t.Helper()
	require.NoError(t, st.CreateParticipation(context.Background(), ledger.Participation{
		ID:        tontineID + "/" + clientID,
		TontineID: ledger.TontineID(tontineID),
		ClientID:  ledger.ClientID(clientID),
		Status:    ledger.ParticipationActive,
		JoinedAt:  base,
	}))
}

func seedTransaction(t *testing.T, st ledger.Store, id string, typ ledger.TransactionType, amount ledger.Money, at time.Time) {
	t.Helper()
	require.NoError(t, st.CreateTransaction(context.Background(), ledger.Transaction{
		ID:            ledger.TransactionID(id),
		Type:          typ,
		Amount:        amount,
		Currency:      ledger.DefaultCurrency,
		Status:        ledger.TxPending,
		TontineID:     "t-1",
		ClientID:      "c-1",
		TontinierID:   "tn-1",
		PaymentMethod: ledger.PaymentMobileMoney,
		CreatedAt:     at,
		UpdatedAt:     at,
	}))
}

// =============================================================================
// TONTINES
// =============================================================================

func testLockTontine(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")

	err := st.WithTx(ctx, func(s ledger.Store) error {
		tn, err := s.LockTontine(ctx, "t-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "TON-001", tn.Identifier)
		tn.Name = "Locked rename"
		return s.UpdateTontine(ctx, *tn)
	})
	require.NoError(t, err)

	got, err := st.GetTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Locked rename", got.Name)

	err = st.WithTx(ctx, func(s ledger.Store) error {
		_, err := s.LockTontine(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// Outside a unit it is a plain read.
	got, err = st.LockTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TontineID("t-1"), got.ID)
}

func testTontines(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	end := base.AddDate(0, 6, 0)

	got, err := st.GetTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "TON-001", got.Identifier)
	assert.Equal(t, ledger.Money(1000), got.Mise)
	assert.True(t, got.StartDate.Equal(base))
	assert.Nil(t, got.EndDate)

	byIdent, err := st.GetTontineByIdentifier(ctx, "TON-001")
	require.NoError(t, err)
	assert.Equal(t, ledger.TontineID("t-1"), byIdent.ID)

	_, err = st.GetTontine(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// Identifier is unique.
	dup := *got
	dup.ID = "t-2"
	assert.ErrorIs(t, st.CreateTontine(ctx, dup), ledger.ErrValidation)

	// Update changes descriptive fields and leaves totals alone.
	got.Name = "Renamed"
	got.Identifier = "TON-002"
	got.EndDate = &end
	got.TotalCollected = 999999
	require.NoError(t, st.UpdateTontine(ctx, *got))
	after, err := st.GetTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", after.Name)
	assert.Equal(t, "TON-002", after.Identifier)
	require.NotNil(t, after.EndDate)
	assert.True(t, after.EndDate.Equal(end))
	assert.Zero(t, after.TotalCollected)

	_, err = st.GetTontineByIdentifier(ctx, "TON-001")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, st.AppendIdentifierChange(ctx, ledger.IdentifierChange{
		TontineID: "t-1", OldIdentifier: "TON-001", NewIdentifier: "TON-002", ChangedAt: base, ChangedBy: "tn-1",
	}))
	require.NoError(t, st.AppendIdentifierChange(ctx, ledger.IdentifierChange{
		TontineID: "t-1", OldIdentifier: "TON-002", NewIdentifier: "TON-003", ChangedAt: base.Add(time.Hour), ChangedBy: "tn-1",
	}))
	history, err := st.IdentifierHistory(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "TON-003", history[0].NewIdentifier, "newest first")

	seedTontine(t, st, "t-3", "OTHER")
	list, err := st.ListTontines(ctx, ledger.TontineFilter{TontinierID: "tn-1", Query: "renam"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.TontineID("t-1"), list[0].ID)
}

// =============================================================================
// PARTICIPATIONS
// =============================================================================

func testParticipations(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")
	seedParticipation(t, st, "t-1", "c-2")

	err := st.CreateParticipation(ctx, ledger.Participation{
		ID: "again", TontineID: "t-1", ClientID: "c-1", Status: ledger.ParticipationActive, JoinedAt: base,
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "one participation per client and tontine")

	err = st.CreateParticipation(ctx, ledger.Participation{
		ID: "orphan", TontineID: "nope", ClientID: "c-1", Status: ledger.ParticipationActive, JoinedAt: base,
	})
	assert.ErrorIs(t, err, ledger.ErrReferentialIntegrity)

	ps, err := st.ListParticipations(ctx, "t-1")
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	require.NoError(t, st.SetParticipationStatus(ctx, "t-1", "c-2", ledger.ParticipationSuspended))
	p, err := st.GetParticipation(ctx, "t-1", "c-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.ParticipationSuspended, p.Status)

	byClient, err := st.ListClientParticipations(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, byClient, 1)

	_, err = st.GetParticipation(ctx, "t-1", "c-9")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// INCREMENTS
// =============================================================================

func testIncrements(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")

	at := base.Add(time.Hour)
	require.NoError(t, st.WithTx(ctx, func(s ledger.Store) error {
		if err := s.IncrementTontineCollected(ctx, "t-1", 5000); err != nil {
			return err
		}
		if err := s.IncrementTontineWithdrawn(ctx, "t-1", 1000); err != nil {
			return err
		}
		if err := s.IncrementTontineFees(ctx, "t-1", 200); err != nil {
			return err
		}
		if err := s.IncrementParticipationDeposited(ctx, "t-1", "c-1", 5000, 5, at); err != nil {
			return err
		}
		if err := s.IncrementParticipationWithdrawn(ctx, "t-1", "c-1", 1000); err != nil {
			return err
		}
		return s.IncrementParticipationFees(ctx, "t-1", "c-1", 200)
	}))

	tn, err := st.GetTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(5000), tn.TotalCollected)
	assert.Equal(t, ledger.Money(1000), tn.TotalWithdrawn)
	assert.Equal(t, ledger.Money(200), tn.TotalFees)

	p, err := st.GetParticipation(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(5000), p.TotalDeposited)
	assert.Equal(t, ledger.Money(1000), p.TotalWithdrawn)
	assert.Equal(t, ledger.Money(200), p.TotalFees)
	assert.Equal(t, int64(5), p.MisesCount)
	require.NotNil(t, p.LastDepositAt)
	assert.True(t, p.LastDepositAt.Equal(at))

	assert.ErrorIs(t, st.IncrementTontineCollected(ctx, "ghost", 1), ledger.ErrReferentialIntegrity)
	assert.ErrorIs(t, st.IncrementParticipationFees(ctx, "t-1", "ghost", 1), ledger.ErrReferentialIntegrity)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTransitions(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")
	seedTransaction(t, st, "tx-1", ledger.TxDeposit, 2000, base)
	seedTransaction(t, st, "tx-2", ledger.TxWithdrawal, 500, base)

	at := base.Add(time.Minute)
	require.NoError(t, st.TransitionTransaction(ctx, "tx-1", ledger.TxPending, ledger.TxValidated,
		ledger.Transition{At: at, By: "tn-1"}))

	tx, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxValidated, tx.Status)
	assert.Equal(t, "tn-1", tx.ValidatedBy)
	require.NotNil(t, tx.ValidatedAt)
	assert.True(t, tx.ValidatedAt.Equal(at))

	// A second transition from pending loses the compare-and-set.
	err = st.TransitionTransaction(ctx, "tx-1", ledger.TxPending, ledger.TxRejected, ledger.Transition{At: at, By: "tn-1", Reason: "late"})
	var conflict *ledger.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ledger.TxValidated, conflict.Current)

	total, err := st.PendingWithdrawalsTotal(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(500), total)

	require.NoError(t, st.TransitionTransaction(ctx, "tx-2", ledger.TxPending, ledger.TxRejected,
		ledger.Transition{At: at, By: "tn-1", Reason: "no proof"}))
	tx, err = st.GetTransaction(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, "no proof", tx.RejectionReason)
	assert.Nil(t, tx.ValidatedAt)

	total, err = st.PendingWithdrawalsTotal(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = st.GetTransaction(ctx, "tx-9")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = st.CreateTransaction(ctx, ledger.Transaction{
		ID: "tx-orphan", Type: ledger.TxDeposit, Amount: 1000, Currency: ledger.DefaultCurrency, Status: ledger.TxPending,
		TontineID: "t-1", ClientID: "c-unknown", TontinierID: "tn-1", PaymentMethod: ledger.PaymentCash,
		CreatedAt: base, UpdatedAt: base,
	})
	assert.ErrorIs(t, err, ledger.ErrReferentialIntegrity)
}

func testTransactionListing(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")
	for i, id := range []string{"tx-a", "tx-b", "tx-c", "tx-d"} {
		seedTransaction(t, st, id, ledger.TxDeposit, 1000, base.Add(time.Duration(i)*time.Hour))
	}

	all, total, err := st.ListTransactions(ctx, ledger.TransactionFilter{TontineID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, ledger.TransactionID("tx-d"), all[0].ID, "newest first")

	page, total, err := st.ListTransactions(ctx, ledger.TransactionFilter{TontinierID: "tn-1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.TransactionID("tx-c"), page[0].ID)

	from := base.Add(time.Hour)
	to := base.Add(3 * time.Hour)
	ranged, _, err := st.ListTransactions(ctx, ledger.TransactionFilter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, ranged, 2, "from inclusive, to exclusive")

	none, total, err := st.ListTransactions(ctx, ledger.TransactionFilter{Status: ledger.TxValidated})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

// =============================================================================
// RESERVED FEES
// =============================================================================

func testReservedFees(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")

	for i, id := range []ledger.ReservedFeeID{"rf-1", "rf-2"} {
		require.NoError(t, st.CreateReservedFee(ctx, ledger.ReservedFee{
			ID: id, TontineID: "t-1", ClientID: "c-1", TontinierID: "tn-1",
			TransactionID: ledger.TransactionID("tx-" + string(id)), FeeType: ledger.FeePercentage,
			Amount: 200, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	total, err := st.UncollectedReservedTotal(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(400), total)

	require.NoError(t, st.MarkReservedFeeCollected(ctx, "rf-1", base.Add(time.Hour)))
	assert.ErrorIs(t, st.MarkReservedFeeCollected(ctx, "rf-1", base.Add(time.Hour)), ledger.ErrStateConflict)
	assert.ErrorIs(t, st.MarkReservedFeeCollected(ctx, "rf-9", base), ledger.ErrNotFound)

	total, err = st.UncollectedReservedTotal(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(200), total)

	open, err := st.ListReservedFees(ctx, "t-1", "c-1", true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ledger.ReservedFeeID("rf-2"), open[0].ID)

	all, err := st.ListReservedFees(ctx, "t-1", "", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].IsCollected)
	require.NotNil(t, all[0].CollectedAt)
}

// =============================================================================
// EARNINGS
// =============================================================================

func testEarnings(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()

	e := ledger.Earning{
		ID: "e-1", TontinierID: "tn-1", TontineID: "t-1", ClientID: "c-1", TransactionID: "tx-1",
		Type: ledger.EarningMiseClassique, Amount: 1000, CalculatedAt: base,
	}
	require.NoError(t, st.AppendEarning(ctx, e))

	dup := e
	dup.ID = "e-2"
	err := st.AppendEarning(ctx, dup)
	var de *ledger.DuplicateEarningError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ledger.TransactionID("tx-1"), de.TransactionID)

	month := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	next := month.AddDate(0, 1, 0)
	sub := ledger.Earning{
		ID: "e-3", TontinierID: "tn-1", Type: ledger.EarningSubscription, Amount: 3000,
		CalculatedAt: base.Add(time.Hour), PeriodStart: &month, PeriodEnd: &next,
	}
	require.NoError(t, st.AppendEarning(ctx, sub))
	sub.ID = "e-4"
	assert.ErrorIs(t, st.AppendEarning(ctx, sub), ledger.ErrDuplicateEarning, "one subscription earning per month")

	adj := ledger.Earning{
		ID: "e-5", TontinierID: "tn-1", TontineID: "t-1", Type: ledger.EarningAdjustment, Amount: -1000,
		CalculatedAt: base.Add(2 * time.Hour), ReversesID: "e-1", Description: "reversal",
	}
	require.NoError(t, st.AppendEarning(ctx, adj))

	list, total, err := st.ListEarnings(ctx, ledger.EarningFilter{TontinierID: "tn-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 3)
	assert.Equal(t, ledger.EarningID("e-5"), list[0].ID, "newest first")
	assert.Equal(t, ledger.EarningID("e-1"), list[0].ReversesID)
	assert.Equal(t, ledger.Money(-1000), list[0].Amount)
	require.NotNil(t, list[1].PeriodStart)
	assert.True(t, list[1].PeriodStart.Equal(month))
	assert.Empty(t, list[1].TontineID)

	typed, total, err := st.ListEarnings(ctx, ledger.EarningFilter{
		TontinierID: "tn-1",
		Types:       []ledger.EarningType{ledger.EarningMiseClassique, ledger.EarningSubscription},
		Limit:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, typed, 1)
	assert.Equal(t, ledger.EarningID("e-3"), typed[0].ID)
}

// A duplicate earning is an expected outcome inside a validation unit: the
// writes that follow it must still succeed and commit.
func testDuplicateEarningInUnit(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")
	e := ledger.Earning{
		ID: "e-1", TontinierID: "tn-1", TontineID: "t-1", ClientID: "c-1", TransactionID: "tx-1",
		Type: ledger.EarningMiseClassique, Amount: 1000, CalculatedAt: base,
	}
	require.NoError(t, st.AppendEarning(ctx, e))

	err := st.WithTx(ctx, func(s ledger.Store) error {
		dup := e
		dup.ID = "e-2"
		if err := s.AppendEarning(ctx, dup); !errors.Is(err, ledger.ErrDuplicateEarning) {
			return fmt.Errorf("want duplicate earning, got %v", err)
		}
		if err := s.IncrementParticipationFees(ctx, "t-1", "c-1", 1000); err != nil {
			return err
		}
		return s.IncrementTontineFees(ctx, "t-1", 1000)
	})
	require.NoError(t, err)

	tn, err := st.GetTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1000), tn.TotalFees)
	p, err := st.GetParticipation(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1000), p.TotalFees)

	_, total, err := st.ListEarnings(ctx, ledger.EarningFilter{TontinierID: "tn-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func testSubscriptions(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	end := base.AddDate(1, 0, 0)
	require.NoError(t, st.CreateSubscription(ctx, ledger.Subscription{
		ID: "s-1", TontinierID: "tn-1", MonthlyAmount: 2000, StartDate: base, EndDate: &end, Active: true, CreatedAt: base,
	}))
	require.NoError(t, st.CreateSubscription(ctx, ledger.Subscription{
		ID: "s-2", TontinierID: "tn-2", MonthlyAmount: 1000, StartDate: base, Active: false, CreatedAt: base.Add(time.Second),
	}))

	mine, err := st.ListSubscriptions(ctx, "tn-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ledger.Money(2000), mine[0].MonthlyAmount)
	require.NotNil(t, mine[0].EndDate)
	assert.True(t, mine[0].EndDate.Equal(end))

	active, err := st.ListActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.SubscriptionID("s-1"), active[0].ID)
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

func testRollback(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")
	seedTransaction(t, st, "tx-1", ledger.TxDeposit, 2000, base)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(s ledger.Store) error {
		if err := s.TransitionTransaction(ctx, "tx-1", ledger.TxPending, ledger.TxValidated, ledger.Transition{At: base, By: "tn-1"}); err != nil {
			return err
		}
		if err := s.IncrementTontineCollected(ctx, "t-1", 2000); err != nil {
			return err
		}
		if err := s.AppendEarning(ctx, ledger.Earning{
			ID: "e-1", TontinierID: "tn-1", TransactionID: "tx-1", Type: ledger.EarningMiseClassique, Amount: 1000, CalculatedAt: base,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	tx, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPending, tx.Status)

	tn, err := st.GetTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Zero(t, tn.TotalCollected)

	_, total, err := st.ListEarnings(ctx, ledger.EarningFilter{TontinierID: "tn-1"})
	require.NoError(t, err)
	assert.Zero(t, total)

	// The idempotency key was released with the rollback.
	require.NoError(t, st.AppendEarning(ctx, ledger.Earning{
		ID: "e-1", TontinierID: "tn-1", TransactionID: "tx-1", Type: ledger.EarningMiseClassique, Amount: 1000, CalculatedAt: base,
	}))
}

func testConcurrentIncrements(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedTontine(t, st, "t-1", "TON-001")
	seedParticipation(t, st, "t-1", "c-1")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.WithTx(ctx, func(s ledger.Store) error {
				if _, err := s.LockParticipation(ctx, "t-1", "c-1"); err != nil {
					return err
				}
				if err := s.IncrementParticipationDeposited(ctx, "t-1", "c-1", 1000, 1, base); err != nil {
					return err
				}
				return s.IncrementTontineCollected(ctx, "t-1", 1000)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := st.GetParticipation(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(workers*1000), p.TotalDeposited)
	assert.Equal(t, int64(workers), p.MisesCount)

	tn, err := st.GetTontine(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(workers*1000), tn.TotalCollected)
}
