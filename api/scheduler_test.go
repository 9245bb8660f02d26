package api

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/ledger/store"
)

func newTestBiller(t *testing.T) *ledger.Biller {
	t.Helper()
	b := ledger.NewBiller(store.NewMemory(), ledger.DefaultFeeRules(), ledger.UTCCalendar(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.Clock = ledger.ClockFunc(func() time.Time { return time.Date(2025, time.June, 15, 2, 0, 0, 0, time.UTC) })
	return b
}

func TestBillingScheduler_RunOnceIsIdempotent(t *testing.T) {
	b := newTestBiller(t)
	_, err := b.Subscribe(context.Background(), ledger.SubscribeInput{
		TontinierID:   "tn-1",
		MonthlyAmount: 3000,
		StartDate:     time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	s := NewBillingScheduler(b, "0 2 1 * *", nil)

	first, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-06", first.Month)
	assert.Equal(t, 1, first.Billed)
	assert.Equal(t, ledger.Money(3000), first.Amount)

	second, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Billed)
	assert.Equal(t, 1, second.Skipped)
}

func TestBillingScheduler_StartStop(t *testing.T) {
	s := NewBillingScheduler(newTestBiller(t), "0 2 1 * *", nil)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")
	s.Stop()
	s.Stop()
}

func TestBillingScheduler_InvalidSchedule(t *testing.T) {
	s := NewBillingScheduler(newTestBiller(t), "every month", nil)
	assert.Error(t, s.Start())
}
