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

// =============================================================================
// SETTLEMENT POLICY
// =============================================================================

// SettlementPolicy decides when a reserved fee becomes an earning.
//
//	immediate: in the validation unit that reserved it
//	deferred:  later, through SettleReservedFees
type SettlementPolicy string

const (
	SettleImmediate SettlementPolicy = "immediate"
	SettleDeferred  SettlementPolicy = "deferred"
)

func (p SettlementPolicy) Valid() bool { return p == SettleImmediate || p == SettleDeferred }

// ParseSettlementPolicy accepts "" as immediate.
func ParseSettlementPolicy(s string) (SettlementPolicy, error) {
	p := SettlementPolicy(s)
	if s == "" {
		p = SettleImmediate
	}
	if !p.Valid() {
		return "", validationf("settlement", "unknown policy %q (want immediate or deferred)", s)
	}
	return p, nil
}

// collectFee realizes a reserved fee: appends its earning, marks it
// collected and moves the amount into the collected-fee totals.
// An earning that already exists for the transaction is not an error.
func collectFee(ctx context.Context, st Store, t *Tontine, rf ReservedFee, now time.Time, logger *slog.Logger) (*Earning, error) {
	earning := Earning{
		ID:            EarningID(uuid.NewString()),
		TontinierID:   rf.TontinierID,
		TontineID:     rf.TontineID,
		ClientID:      rf.ClientID,
		TransactionID: rf.TransactionID,
		ReservedFeeID: rf.ID,
		Type:          EarningTypeFor(t.Type),
		Amount:        rf.Amount,
		Description:   fmt.Sprintf("%s fee on %s", t.Type, t.Identifier),
		CalculatedAt:  now,
	}
	var out *Earning
	err := st.AppendEarning(ctx, earning)
	switch {
	case err == nil:
		out = &earning
	case errors.Is(err, ErrDuplicateEarning):
		logger.WarnContext(ctx, "earning already recorded, collecting without a new entry",
			"transaction_id", rf.TransactionID, "reserved_fee_id", rf.ID)
	default:
		return nil, fmt.Errorf("append earning: %w", err)
	}

	if err := st.MarkReservedFeeCollected(ctx, rf.ID, now); err != nil {
		return nil, err
	}
	if err := st.IncrementParticipationFees(ctx, rf.TontineID, rf.ClientID, rf.Amount); err != nil {
		return nil, err
	}
	if err := st.IncrementTontineFees(ctx, rf.TontineID, rf.Amount); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// DEFERRED SETTLEMENT
// =============================================================================

// SettlementReport summarizes one SettleReservedFees run.
type SettlementReport struct {
	Collected int   `json:"collected"`
	Amount    Money `json:"amount"`
}

// SettleReservedFees collects every uncollected reserved fee of a tontine
// (all clients when clientID is empty) in one unit of work.
func (s *TransactionService) SettleReservedFees(ctx context.Context, tontineID TontineID, clientID ClientID, actorID string) (*SettlementReport, error) {
	report := &SettlementReport{}
	var recorded []EarningType
	err := s.Store.WithTx(ctx, func(st Store) error {
		report, recorded = &SettlementReport{}, nil
		t, err := st.GetTontine(ctx, tontineID)
		if err != nil {
			return err
		}
		if err := authorizeValidator(t, actorID); err != nil {
			return err
		}

		var clients []ClientID
		if clientID != "" {
			clients = []ClientID{clientID}
		} else {
			ps, err := st.ListParticipations(ctx, tontineID)
			if err != nil {
				return err
			}
			for _, p := range ps {
				clients = append(clients, p.ClientID)
			}
		}

		now := s.now()
		for _, c := range clients {
			if _, err := st.LockParticipation(ctx, tontineID, c); err != nil {
				return err
			}
			fees, err := st.ListReservedFees(ctx, tontineID, c, true)
			if err != nil {
				return err
			}
			for _, rf := range fees {
				earning, err := collectFee(ctx, st, t, rf, now, s.logger())
				if err != nil {
					return err
				}
				if earning != nil {
					recorded = append(recorded, earning.Type)
				}
				report.Collected++
				report.Amount += rf.Amount
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, typ := range recorded {
		metrics.EarningsRecorded.WithLabelValues(string(typ)).Inc()
	}
	s.logger().InfoContext(ctx, "reserved fees settled",
		"tontine_id", tontineID, "client_id", clientID, "collected", report.Collected, "amount", int64(report.Amount))
	return report, nil
}

// ReservedFees lists the reserved fees of a participation.
func (s *TransactionService) ReservedFees(ctx context.Context, tontineID TontineID, clientID ClientID, onlyUncollected bool) ([]ReservedFee, error) {
	return s.Store.ListReservedFees(ctx, tontineID, clientID, onlyUncollected)
}
