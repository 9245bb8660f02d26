package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/ledger/storetest"
	"github.com/warp/tontine-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "tontine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newStore(t) })
}

func TestSQLiteStore_InMemory(t *testing.T) {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, st.Migrate(context.Background()), "migrations are idempotent")
}

func TestSQLiteStore_Reset(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateTontine(ctx, ledger.Tontine{
		ID: "t-1", Identifier: "TON-1", Name: "T", Type: ledger.TontineFlexible, Currency: ledger.DefaultCurrency,
		StartDate: now, TontinierID: "tn-1", Status: ledger.TontineActive, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, st.Reset(ctx))

	list, err := st.ListTontines(ctx, ledger.TontineFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// Scenario A end to end on SQLite: the block-completing deposit is charged
// and settled in the same unit of work.
func TestSQLiteStore_TransactionService(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateTontine(ctx, ledger.Tontine{
		ID: "t-1", Identifier: "TON-1", Name: "Classic", Type: ledger.TontineClassic, Mise: 1000,
		Currency: ledger.DefaultCurrency, CycleDays: 31, StartDate: now, TontinierID: "tn-1",
		Status: ledger.TontineActive, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.CreateParticipation(ctx, ledger.Participation{
		ID: "p-1", TontineID: "t-1", ClientID: "c-1", Status: ledger.ParticipationActive, JoinedAt: now,
	}))

	svc := ledger.NewTransactionService(st, ledger.DefaultFeeRules(), ledger.SettleImmediate, ledger.UTCCalendar(), nil)
	svc.Clock = ledger.ClockFunc(func() time.Time { return now })

	for i := 0; i < 31; i++ {
		_, err := svc.CreateTransaction(ctx, ledger.CreateInput{
			Type: ledger.TxDeposit, TontineID: "t-1", ClientID: "c-1", Amount: 1000,
			PaymentMethod: ledger.PaymentCash, ActorID: "tn-1",
		})
		require.NoError(t, err)
	}

	p, err := st.GetParticipation(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(31), p.MisesCount)
	assert.Equal(t, ledger.Money(31000), p.TotalDeposited)
	assert.Equal(t, ledger.Money(1000), p.TotalFees)

	earnings, total, err := st.ListEarnings(ctx, ledger.EarningFilter{TontinierID: "tn-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, ledger.EarningMiseClassique, earnings[0].Type)

	net, err := svc.NetAvailable(ctx, "t-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(30000), net)
}
