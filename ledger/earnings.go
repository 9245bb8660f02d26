/*
earnings.go - Append-only tontinier earnings ledger and its reports

PURPOSE:
  Records tontinier income and answers the dashboard questions: how much,
  from which tontine, from which client, in which period.

INVARIANTS:
  - Earnings are never updated or deleted. A wrong entry is corrected by an
    adjustment earning that references it (ReversesID).
  - At most one earning per transaction, enforced by the store.

PERIOD BUCKETS:
  Buckets are calendar-aligned in the reporting timezone, not in UTC:

    2025-03-31T23:30Z in Africa/Lagos (UTC+1) belongs to 2025-04-01,
    bucket month "2025-04".

  Weeks start on Sunday.

SEE ALSO:
  - settlement.go: Turns reserved fees into earnings
  - billing.go: Monthly subscription earnings
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tontine-engine/metrics"
)

// EarningsLedger records and aggregates tontinier earnings.
type EarningsLedger struct {
	Store    Store
	Calendar Calendar
	Clock    Clock
}

func NewEarningsLedger(store Store, cal Calendar) *EarningsLedger {
	return &EarningsLedger{Store: store, Calendar: cal, Clock: SystemClock{}}
}

func (l *EarningsLedger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now()
}

// =============================================================================
// RECORDING
// =============================================================================

// Record appends an earning. ID and CalculatedAt are filled when empty.
// A second earning for the same transaction returns DuplicateEarningError.
func (l *EarningsLedger) Record(ctx context.Context, e Earning) (*Earning, error) {
	if !e.Type.Valid() {
		return nil, validationf("type", "unknown earning type %q", e.Type)
	}
	if e.TontinierID == "" {
		return nil, validationf("tontinier_id", "is required")
	}
	if e.Amount == 0 {
		return nil, validationf("amount", "must not be zero")
	}
	if e.Amount < 0 && e.Type != EarningAdjustment {
		return nil, validationf("amount", "only adjustments may be negative")
	}
	if e.ID == "" {
		e.ID = EarningID(uuid.NewString())
	}
	if e.CalculatedAt.IsZero() {
		e.CalculatedAt = l.now()
	}
	if err := l.Store.AppendEarning(ctx, e); err != nil {
		return nil, err
	}
	metrics.EarningsRecorded.WithLabelValues(string(e.Type)).Inc()
	return &e, nil
}

// RecordAdjustment appends a compensating entry for an existing earning.
func (l *EarningsLedger) RecordAdjustment(ctx context.Context, tontinierID TontinierID, originalID EarningID, amount Money, reason string) (*Earning, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationf("reason", "an adjustment reason is required")
	}
	orig, err := l.find(ctx, tontinierID, originalID)
	if err != nil {
		return nil, err
	}
	return l.Record(ctx, Earning{
		TontinierID: orig.TontinierID,
		TontineID:   orig.TontineID,
		ClientID:    orig.ClientID,
		Type:        EarningAdjustment,
		Amount:      amount,
		Description: reason,
		ReversesID:  orig.ID,
	})
}

func (l *EarningsLedger) find(ctx context.Context, tontinierID TontinierID, id EarningID) (*Earning, error) {
	all, err := l.all(ctx, EarningFilter{TontinierID: tontinierID})
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, &NotFoundError{Entity: "earning", Key: string(id)}
}

func (l *EarningsLedger) all(ctx context.Context, f EarningFilter) ([]Earning, error) {
	f.Limit, f.Offset = 0, 0
	earnings, _, err := l.Store.ListEarnings(ctx, f)
	return earnings, err
}

// =============================================================================
// REPORTS
// =============================================================================

type EarningsSummary struct {
	TontinierID  TontinierID           `json:"tontinier_id"`
	Total        Money                 `json:"total"`
	Count        int                   `json:"count"`
	ByType       map[EarningType]Money `json:"by_type"`
	TontineCount int                   `json:"tontine_count"`
	ClientCount  int                   `json:"client_count"`
}

// Summary totals every earning of a tontinier.
func (l *EarningsLedger) Summary(ctx context.Context, tontinierID TontinierID) (*EarningsSummary, error) {
	earnings, err := l.all(ctx, EarningFilter{TontinierID: tontinierID})
	if err != nil {
		return nil, err
	}
	sum := &EarningsSummary{TontinierID: tontinierID, ByType: map[EarningType]Money{}}
	tontines := map[TontineID]struct{}{}
	clients := map[ClientID]struct{}{}
	for _, e := range earnings {
		sum.Total += e.Amount
		sum.Count++
		sum.ByType[e.Type] += e.Amount
		if e.TontineID != "" {
			tontines[e.TontineID] = struct{}{}
		}
		if e.ClientID != "" {
			clients[e.ClientID] = struct{}{}
		}
	}
	sum.TontineCount = len(tontines)
	sum.ClientCount = len(clients)
	return sum, nil
}

// GroupTotal is one row of a grouped earnings report.
type GroupTotal struct {
	Key   string `json:"key"`
	Total Money  `json:"total"`
	Count int    `json:"count"`
}

// ByTontine groups earnings per tontine, largest first.
// Subscription earnings have no tontine and are left out.
func (l *EarningsLedger) ByTontine(ctx context.Context, tontinierID TontinierID) ([]GroupTotal, error) {
	earnings, err := l.all(ctx, EarningFilter{TontinierID: tontinierID})
	if err != nil {
		return nil, err
	}
	return group(earnings, func(e Earning) string { return string(e.TontineID) }), nil
}

// ByClient groups earnings per client, largest first.
func (l *EarningsLedger) ByClient(ctx context.Context, tontinierID TontinierID) ([]GroupTotal, error) {
	earnings, err := l.all(ctx, EarningFilter{TontinierID: tontinierID})
	if err != nil {
		return nil, err
	}
	return group(earnings, func(e Earning) string { return string(e.ClientID) }), nil
}

func group(earnings []Earning, key func(Earning) string) []GroupTotal {
	idx := map[string]int{}
	var out []GroupTotal
	for _, e := range earnings {
		k := key(e)
		if k == "" {
			continue
		}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, GroupTotal{Key: k})
		}
		out[i].Total += e.Amount
		out[i].Count++
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// PeriodTotal is one calendar bucket.
type PeriodTotal struct {
	Period string                `json:"period"`
	Start  time.Time             `json:"start"`
	Total  Money                 `json:"total"`
	Count  int                   `json:"count"`
	ByType map[EarningType]Money `json:"by_type"`
}

// PeriodQuery selects the earnings of ByPeriod. From and To are optional
// and bound CalculatedAt as [From, To). A nil Location uses the ledger's
// calendar.
type PeriodQuery struct {
	TontinierID TontinierID
	Bucket      Bucket
	From        *time.Time
	To          *time.Time
	Location    *time.Location
}

// ByPeriod buckets earnings by calendar period, oldest first.
func (l *EarningsLedger) ByPeriod(ctx context.Context, q PeriodQuery) ([]PeriodTotal, error) {
	if !q.Bucket.Valid() {
		return nil, validationf("bucket", "unknown bucket %q (want day, week, month or year)", q.Bucket)
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return nil, validationf("range", "from must be before to")
	}
	earnings, err := l.all(ctx, EarningFilter{TontinierID: q.TontinierID, From: q.From, To: q.To})
	if err != nil {
		return nil, err
	}

	cal := l.Calendar.In(q.Location)
	idx := map[string]int{}
	var out []PeriodTotal
	for _, e := range earnings {
		k := cal.BucketKey(e.CalculatedAt, q.Bucket)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, PeriodTotal{
				Period: k,
				Start:  cal.BucketStart(e.CalculatedAt, q.Bucket),
				ByType: map[EarningType]Money{},
			})
		}
		out[i].Total += e.Amount
		out[i].Count++
		out[i].ByType[e.Type] += e.Amount
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// History returns a page of earnings, newest first, with the total count.
func (l *EarningsLedger) History(ctx context.Context, tontinierID TontinierID, limit, offset int) ([]Earning, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, validationf("paging", "limit and offset must not be negative")
	}
	earnings, total, err := l.Store.ListEarnings(ctx, EarningFilter{TontinierID: tontinierID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, fmt.Errorf("list earnings: %w", err)
	}
	return earnings, total, nil
}
