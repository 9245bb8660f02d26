package ledger

import (
	"context"
	"errors"
)

// Block reasons reported by Preview.
const (
	BlockInsufficientBalance = "insufficient_balance"
	BlockTermLocked          = "term_locked"
	BlockInvalidAmount       = "invalid_amount"
	BlockTontineInactive     = "tontine_inactive"
	BlockParticipationClosed = "participation_inactive"
)

// TransactionSummary projects the effect of a proposed transaction.
type TransactionSummary struct {
	TontineID TontineID       `json:"tontine_id"`
	ClientID  ClientID        `json:"client_id"`
	Type      TransactionType `json:"type"`
	Amount    Money           `json:"amount"`

	DepositedBefore Money `json:"deposited_before"`
	DepositedAfter  Money `json:"deposited_after"`
	WithdrawnBefore Money `json:"withdrawn_before"`
	WithdrawnAfter  Money `json:"withdrawn_after"`
	MisesBefore     int64 `json:"mises_before"`
	MisesAfter      int64 `json:"mises_after"`

	TontinierFee   Money       `json:"tontinier_fee"`
	EarningType    EarningType `json:"earning_type,omitempty"`
	ReservedBefore Money       `json:"reserved_before"`
	ReservedAfter  Money       `json:"reserved_after"`

	NetAvailableBefore Money `json:"net_available_before"`
	NetAvailableAfter  Money `json:"net_available_after"`
	PendingWithdrawals Money `json:"pending_withdrawals"`

	Allowed     bool   `json:"allowed"`
	BlockReason string `json:"block_reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Preview computes a TransactionSummary without writing anything.
// It runs the same fee computation as validation, so the fee shown is the
// fee charged when nothing else changes the participation in between.
// The after-values assume the fee ends up reserved (uncollected); with
// immediate settlement it moves to collected fees instead, which leaves
// NetAvailableAfter unchanged.
func (s *TransactionService) Preview(ctx context.Context, tontineID TontineID, clientID ClientID, amount Money, typ TransactionType) (*TransactionSummary, error) {
	if !typ.Valid() {
		return nil, validationf("type", "unknown transaction type %q", typ)
	}
	if amount <= 0 {
		return nil, validationf("amount", "must be positive")
	}
	t, err := s.Store.GetTontine(ctx, tontineID)
	if err != nil {
		return nil, err
	}
	p, err := s.Store.GetParticipation(ctx, tontineID, clientID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.Store.UncollectedReservedTotal(ctx, tontineID, clientID)
	if err != nil {
		return nil, err
	}

	sum := &TransactionSummary{
		TontineID:       tontineID,
		ClientID:        clientID,
		Type:            typ,
		Amount:          amount,
		DepositedBefore: p.TotalDeposited,
		DepositedAfter:  p.TotalDeposited,
		WithdrawnBefore: p.TotalWithdrawn,
		WithdrawnAfter:  p.TotalWithdrawn,
		MisesBefore:     p.MisesCount,
		MisesAfter:      p.MisesCount,
		ReservedBefore:  reserved,
		ReservedAfter:   reserved,
		Allowed:         true,
	}
	sum.NetAvailableBefore = NetAvailableFor(*p, reserved)

	switch typ {
	case TxDeposit:
		if err := s.checkDepositAllowed(t, p, amount); err != nil {
			block(sum, depositBlockReason(t, p), err)
		}
		fee := s.Rules.ComputeDepositFee(*t, p.MisesCount, amount)
		sum.DepositedAfter += amount
		sum.MisesAfter = fee.MisesAfter
		sum.TontinierFee = fee.Amount
		sum.EarningType = fee.EarningType
		sum.ReservedAfter += fee.Amount
	case TxWithdrawal:
		sum.WithdrawnAfter += amount
		limit, err := withdrawalLimitFor(ctx, s.Store, p)
		if err != nil {
			return nil, err
		}
		sum.PendingWithdrawals = limit.Pending
		// Same gates as CreateTransaction, pending requests included.
		if err := s.checkWithdrawalAllowed(ctx, s.Store, t, p, amount, s.now()); err != nil {
			reason, ok := withdrawalBlockReason(t, p, err)
			if !ok {
				return nil, err
			}
			block(sum, reason, err)
		}
	}
	sum.NetAvailableAfter = NetAvailable(sum.DepositedAfter, sum.WithdrawnAfter, p.TotalFees, sum.ReservedAfter)
	return sum, nil
}

func block(sum *TransactionSummary, reason string, err error) {
	if !sum.Allowed {
		return
	}
	sum.Allowed = false
	sum.BlockReason = reason
	var ve *ValidationError
	if errors.As(err, &ve) {
		sum.Message = ve.Message
		return
	}
	sum.Message = err.Error()
}

func depositBlockReason(t *Tontine, p *Participation) string {
	switch {
	case t.Status != TontineActive:
		return BlockTontineInactive
	case p.Status != ParticipationActive:
		return BlockParticipationClosed
	default:
		return BlockInvalidAmount
	}
}

// withdrawalBlockReason maps a refusal from checkWithdrawalAllowed to a
// block reason. Store failures are not refusals and report false.
func withdrawalBlockReason(t *Tontine, p *Participation, err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return BlockInsufficientBalance, true
	case errors.Is(err, ErrTermLocked):
		return BlockTermLocked, true
	case !errors.Is(err, ErrValidation):
		return "", false
	case t.Status == TontineDraft:
		return BlockTontineInactive, true
	case p.Status == ParticipationWithdrawn:
		return BlockParticipationClosed, true
	default:
		return BlockTermLocked, true
	}
}
