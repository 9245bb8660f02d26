package ledger_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/ledger/store"
)

func newTestEarnings(t *testing.T) (*ledger.EarningsLedger, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	l := ledger.NewEarningsLedger(st, ledger.UTCCalendar())
	l.Clock = ledger.ClockFunc(func() time.Time { return time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC) })
	return l, st
}

func record(t *testing.T, l *ledger.EarningsLedger, e ledger.Earning) *ledger.Earning {
	t.Helper()
	if e.TontinierID == "" {
		e.TontinierID = tontinier
	}
	out, err := l.Record(context.Background(), e)
	require.NoError(t, err)
	return out
}

func TestEarnings_RecordRejectsDuplicateTransaction(t *testing.T) {
	l, _ := newTestEarnings(t)
	ctx := context.Background()

	record(t, l, ledger.Earning{TransactionID: "tx-1", Type: ledger.EarningMiseClassique, Amount: 1000})

	_, err := l.Record(ctx, ledger.Earning{TontinierID: tontinier, TransactionID: "tx-1", Type: ledger.EarningMiseClassique, Amount: 1000})
	var dup *ledger.DuplicateEarningError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, ledger.TransactionID("tx-1"), dup.TransactionID)
	assert.NoError(t, ledger.IgnoreDuplicateEarning(err))
}

func TestEarnings_RecordValidates(t *testing.T) {
	l, _ := newTestEarnings(t)
	ctx := context.Background()

	_, err := l.Record(ctx, ledger.Earning{TontinierID: tontinier, Type: "bonus", Amount: 10})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = l.Record(ctx, ledger.Earning{TontinierID: tontinier, Type: ledger.EarningSubscription, Amount: -10})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = l.Record(ctx, ledger.Earning{TontinierID: tontinier, Type: ledger.EarningSubscription})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestEarnings_AdjustmentCompensates(t *testing.T) {
	// GIVEN: an earning of 500 recorded by mistake
	// WHEN: an adjustment of -500 references it
	// THEN: both entries exist and the summary nets to zero

	l, _ := newTestEarnings(t)
	ctx := context.Background()

	orig := record(t, l, ledger.Earning{TontineID: "t1", ClientID: "c1", TransactionID: "tx-1", Type: ledger.EarningPercentageFlexible, Amount: 500})

	_, err := l.RecordAdjustment(ctx, tontinier, orig.ID, -500, "")
	assert.ErrorIs(t, err, ledger.ErrValidation, "reason is required")

	adj, err := l.RecordAdjustment(ctx, tontinier, orig.ID, -500, "deposit was reversed")
	require.NoError(t, err)
	assert.Equal(t, ledger.EarningAdjustment, adj.Type)
	assert.Equal(t, orig.ID, adj.ReversesID)
	assert.Equal(t, ledger.TontineID("t1"), adj.TontineID)

	sum, err := l.Summary(ctx, tontinier)
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Equal(t, 2, sum.Count)

	_, err = l.RecordAdjustment(ctx, tontinier, "missing", 10, "x")
	assert.True(t, ledger.IsNotFound(err))
}

func TestEarnings_SummaryAndGroups(t *testing.T) {
	l, _ := newTestEarnings(t)
	ctx := context.Background()

	record(t, l, ledger.Earning{TontineID: "t1", ClientID: "c1", TransactionID: "a", Type: ledger.EarningMiseClassique, Amount: 1000})
	record(t, l, ledger.Earning{TontineID: "t1", ClientID: "c2", TransactionID: "b", Type: ledger.EarningMiseClassique, Amount: 1000})
	record(t, l, ledger.Earning{TontineID: "t2", ClientID: "c1", TransactionID: "c", Type: ledger.EarningPercentageFlexible, Amount: 500})
	record(t, l, ledger.Earning{Type: ledger.EarningSubscription, Amount: 3000})
	record(t, l, ledger.Earning{TontinierID: "other", TransactionID: "d", Type: ledger.EarningMiseTerme, Amount: 9999})

	sum, err := l.Summary(ctx, tontinier)
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(5500), sum.Total)
	assert.Equal(t, 4, sum.Count)
	assert.Equal(t, ledger.Money(2000), sum.ByType[ledger.EarningMiseClassique])
	assert.Equal(t, ledger.Money(3000), sum.ByType[ledger.EarningSubscription])
	assert.Equal(t, 2, sum.TontineCount)
	assert.Equal(t, 2, sum.ClientCount)

	byTontine, err := l.ByTontine(ctx, tontinier)
	require.NoError(t, err)
	require.Len(t, byTontine, 2)
	assert.Equal(t, ledger.GroupTotal{Key: "t1", Total: 2000, Count: 2}, byTontine[0])
	assert.Equal(t, ledger.GroupTotal{Key: "t2", Total: 500, Count: 1}, byTontine[1])

	byClient, err := l.ByClient(ctx, tontinier)
	require.NoError(t, err)
	require.Len(t, byClient, 2)
	assert.Equal(t, ledger.GroupTotal{Key: "c1", Total: 1500, Count: 2}, byClient[0])
}

func TestEarnings_ByPeriodUsesReportingTimezone(t *testing.T) {
	// GIVEN: earnings near month and day boundaries
	// WHEN: bucketed in UTC+1
	// THEN: 2025-03-31T23:30Z lands in April, not March

	l, _ := newTestEarnings(t)
	ctx := context.Background()
	lagos := time.FixedZone("UTC+1", 3600)

	record(t, l, ledger.Earning{TransactionID: "a", Type: ledger.EarningMiseClassique, Amount: 100,
		CalculatedAt: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)})
	record(t, l, ledger.Earning{TransactionID: "b", Type: ledger.EarningMiseClassique, Amount: 200,
		CalculatedAt: time.Date(2025, time.March, 31, 23, 30, 0, 0, time.UTC)})
	record(t, l, ledger.Earning{TransactionID: "c", Type: ledger.EarningPercentageFlexible, Amount: 300,
		CalculatedAt: time.Date(2025, time.April, 2, 8, 0, 0, 0, time.UTC)})

	utc, err := l.ByPeriod(ctx, ledger.PeriodQuery{TontinierID: tontinier, Bucket: ledger.BucketMonth})
	require.NoError(t, err)
	require.Len(t, utc, 2)
	assert.Equal(t, "2025-03", utc[0].Period)
	assert.Equal(t, ledger.Money(300), utc[0].Total)

	local, err := l.ByPeriod(ctx, ledger.PeriodQuery{TontinierID: tontinier, Bucket: ledger.BucketMonth, Location: lagos})
	require.NoError(t, err)
	require.Len(t, local, 2)
	assert.Equal(t, "2025-03", local[0].Period)
	assert.Equal(t, ledger.Money(100), local[0].Total)
	assert.Equal(t, "2025-04", local[1].Period)
	assert.Equal(t, ledger.Money(500), local[1].Total)
	assert.Equal(t, ledger.Money(300), local[1].ByType[ledger.EarningPercentageFlexible])

	days, err := l.ByPeriod(ctx, ledger.PeriodQuery{TontinierID: tontinier, Bucket: ledger.BucketDay, Location: lagos})
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.Equal(t, "2025-04-01", days[1].Period)
}

func TestEarnings_ByPeriodWeeksStartOnSunday(t *testing.T) {
	l, _ := newTestEarnings(t)
	ctx := context.Background()

	// 2025-03-08 is a Saturday, 2025-03-09 a Sunday.
	record(t, l, ledger.Earning{TransactionID: "a", Type: ledger.EarningMiseClassique, Amount: 1,
		CalculatedAt: time.Date(2025, time.March, 8, 12, 0, 0, 0, time.UTC)})
	record(t, l, ledger.Earning{TransactionID: "b", Type: ledger.EarningMiseClassique, Amount: 2,
		CalculatedAt: time.Date(2025, time.March, 9, 12, 0, 0, 0, time.UTC)})
	record(t, l, ledger.Earning{TransactionID: "c", Type: ledger.EarningMiseClassique, Amount: 4,
		CalculatedAt: time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)})

	weeks, err := l.ByPeriod(ctx, ledger.PeriodQuery{TontinierID: tontinier, Bucket: ledger.BucketWeek})
	require.NoError(t, err)
	require.Len(t, weeks, 2)
	assert.Equal(t, "2025-03-02", weeks[0].Period)
	assert.Equal(t, ledger.Money(1), weeks[0].Total)
	assert.Equal(t, "2025-03-09", weeks[1].Period)
	assert.Equal(t, ledger.Money(6), weeks[1].Total)
}

func TestEarnings_ByPeriodRangeAndValidation(t *testing.T) {
	l, _ := newTestEarnings(t)
	ctx := context.Background()

	record(t, l, ledger.Earning{TransactionID: "a", Type: ledger.EarningMiseClassique, Amount: 1,
		CalculatedAt: time.Date(2024, time.December, 31, 12, 0, 0, 0, time.UTC)})
	record(t, l, ledger.Earning{TransactionID: "b", Type: ledger.EarningMiseClassique, Amount: 2,
		CalculatedAt: time.Date(2025, time.January, 5, 12, 0, 0, 0, time.UTC)})

	from := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	years, err := l.ByPeriod(ctx, ledger.PeriodQuery{TontinierID: tontinier, Bucket: ledger.BucketYear, From: &from})
	require.NoError(t, err)
	require.Len(t, years, 1)
	assert.Equal(t, "2025", years[0].Period)

	_, err = l.ByPeriod(ctx, ledger.PeriodQuery{TontinierID: tontinier, Bucket: "quarter"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = l.ByPeriod(ctx, ledger.PeriodQuery{TontinierID: tontinier, Bucket: ledger.BucketDay, From: &from, To: &from})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestEarnings_HistoryPages(t *testing.T) {
	l, _ := newTestEarnings(t)
	ctx := context.Background()

	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		record(t, l, ledger.Earning{TransactionID: ledger.TransactionID(fmt.Sprintf("tx-%d", i)), Type: ledger.EarningMiseClassique,
			Amount: ledger.Money(i + 1), CalculatedAt: base.AddDate(0, 0, i)})
	}

	page, total, err := l.History(ctx, tontinier, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.Money(4), page[0].Amount, "newest first")
	assert.Equal(t, ledger.Money(3), page[1].Amount)
}

// =============================================================================
// SUBSCRIPTION BILLING
// =============================================================================

func newTestBiller(t *testing.T) (*ledger.Biller, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	b := ledger.NewBiller(st, ledger.DefaultFeeRules(), ledger.UTCCalendar(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.Clock = ledger.ClockFunc(func() time.Time { return time.Date(2025, time.March, 1, 2, 0, 0, 0, time.UTC) })
	return b, st
}

func TestBiller_RunIsIdempotentPerMonth(t *testing.T) {
	// GIVEN: two active subscriptions, one ending in February
	// WHEN: March is billed twice
	// THEN: one subscription earning for March, the second run bills nothing

	b, st := newTestBiller(t)
	ctx := context.Background()

	feb := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)
	_, err := b.Subscribe(ctx, ledger.SubscribeInput{TontinierID: tontinier, MonthlyAmount: 3000,
		StartDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, ledger.SubscribeInput{TontinierID: "tn-2", MonthlyAmount: 1000,
		StartDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), EndDate: &feb})
	require.NoError(t, err)

	march := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)
	report, err := b.Run(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, "2025-03", report.Month)
	assert.Equal(t, 1, report.Billed)
	assert.Equal(t, ledger.Money(3000), report.Amount)

	report, err = b.Run(ctx, march)
	require.NoError(t, err)
	assert.Zero(t, report.Billed)
	assert.Equal(t, 1, report.Skipped)

	es, total, err := st.ListEarnings(ctx, ledger.EarningFilter{Types: []ledger.EarningType{ledger.EarningSubscription}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.NotNil(t, es[0].PeriodStart)
	assert.Equal(t, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), *es[0].PeriodStart)

	report, err = b.Run(ctx, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Billed)
}

func TestBiller_SubscribeValidatesAmount(t *testing.T) {
	b, _ := newTestBiller(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, ledger.SubscribeInput{TontinierID: tontinier, MonthlyAmount: 500})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = b.Subscribe(ctx, ledger.SubscribeInput{TontinierID: tontinier, MonthlyAmount: 6000})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	for _, amount := range ledger.SubscriptionPresets {
		_, err := b.Subscribe(ctx, ledger.SubscribeInput{TontinierID: tontinier, MonthlyAmount: amount})
		assert.NoError(t, err)
	}
}

func TestCalendar_ParseMonth(t *testing.T) {
	cal := ledger.UTCCalendar()
	m, err := cal.ParseMonth("2025-11")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC), m)

	_, err = cal.ParseMonth("11/2025")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
