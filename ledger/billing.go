package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tontine-engine/metrics"
)

// SubscriptionPresets are the monthly amounts offered to tontiniers.
var SubscriptionPresets = []Money{1000, 2000, 3000, 4000, 5000}

// Biller turns active subscriptions into monthly subscription earnings.
// Running it twice for the same month appends nothing the second time.
type Biller struct {
	Store    Store
	Rules    FeeRules
	Calendar Calendar
	Clock    Clock
	Logger   *slog.Logger
}

func NewBiller(store Store, rules FeeRules, cal Calendar, logger *slog.Logger) *Biller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Biller{Store: store, Rules: rules, Calendar: cal, Clock: SystemClock{}, Logger: logger.With("module", "billing")}
}

func (b *Biller) now() time.Time {
	if b.Clock == nil {
		return time.Now().UTC()
	}
	return b.Clock.Now()
}

// SubscribeInput opens a subscription.
type SubscribeInput struct {
	TontinierID   TontinierID
	MonthlyAmount Money
	StartDate     time.Time // zero means now
	EndDate       *time.Time
}

// Subscribe validates and stores a new subscription.
func (b *Biller) Subscribe(ctx context.Context, in SubscribeInput) (*Subscription, error) {
	if in.TontinierID == "" {
		return nil, validationf("tontinier_id", "is required")
	}
	if in.MonthlyAmount < b.Rules.MinSubscription || in.MonthlyAmount > b.Rules.MaxSubscription {
		return nil, validationf("monthly_amount", "must be between %d and %d", b.Rules.MinSubscription, b.Rules.MaxSubscription)
	}
	now := b.now()
	start := in.StartDate
	if start.IsZero() {
		start = now
	}
	if in.EndDate != nil && !in.EndDate.After(start) {
		return nil, validationf("end_date", "must be after the start date")
	}
	sub := Subscription{
		ID:            SubscriptionID(uuid.NewString()),
		TontinierID:   in.TontinierID,
		MonthlyAmount: in.MonthlyAmount,
		StartDate:     start,
		EndDate:       in.EndDate,
		Active:        true,
		CreatedAt:     now,
	}
	if err := b.Store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// BillingReport summarizes one billing run.
type BillingReport struct {
	Month   string `json:"month"`
	Billed  int    `json:"billed"`
	Skipped int    `json:"skipped"` // already billed for the month
	Amount  Money  `json:"amount"`
}

// Run bills every subscription covering the month that contains at.
func (b *Biller) Run(ctx context.Context, at time.Time) (*BillingReport, error) {
	monthStart := b.Calendar.MonthStart(at)
	nextMonth := monthStart.AddDate(0, 1, 0)
	report := &BillingReport{Month: monthStart.Format("2006-01")}

	subs, err := b.Store.ListActiveSubscriptions(ctx)
	if err != nil {
		metrics.SubscriptionRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	now := b.now()
	for _, sub := range subs {
		if !sub.CoversMonth(monthStart, nextMonth) {
			continue
		}
		start, end := monthStart.UTC(), nextMonth.UTC()
		e := Earning{
			ID:           EarningID(uuid.NewString()),
			TontinierID:  sub.TontinierID,
			Type:         EarningSubscription,
			Amount:       sub.MonthlyAmount,
			Description:  "subscription " + report.Month,
			CalculatedAt: now,
			PeriodStart:  &start,
			PeriodEnd:    &end,
		}
		err := b.Store.AppendEarning(ctx, e)
		switch {
		case err == nil:
			report.Billed++
			report.Amount += e.Amount
			metrics.EarningsRecorded.WithLabelValues(string(EarningSubscription)).Inc()
		case errors.Is(err, ErrDuplicateEarning):
			report.Skipped++
		default:
			metrics.SubscriptionRuns.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("bill subscription %s: %w", sub.ID, err)
		}
	}

	metrics.SubscriptionRuns.WithLabelValues("ok").Inc()
	b.Logger.InfoContext(ctx, "subscriptions billed",
		"month", report.Month, "billed", report.Billed, "skipped", report.Skipped, "amount", int64(report.Amount))
	return report, nil
}

// ParseMonth reads "YYYY-MM" as the first instant of that month in the
// calendar's timezone.
func (c Calendar) ParseMonth(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01", s, c.loc())
	if err != nil {
		return time.Time{}, validationf("month", "want YYYY-MM, got %q", s)
	}
	return t, nil
}
