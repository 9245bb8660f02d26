/*
transaction.go - Deposit and withdrawal state machine

PURPOSE:
  Governs a transaction from creation to a terminal status and applies
  its ledger effects exactly once, on validation.

STATE MACHINE:
  ┌──────────┐  validate   ┌───────────┐
  │ pending  │ ──────────▶ │ validated │  totals + fee applied here
  └──────────┘             └───────────┘
       │  reject (reason)  ┌───────────┐
       ├─────────────────▶ │ rejected  │  no ledger mutation
       │  cancel           ┌───────────┐
       └─────────────────▶ │ cancelled │  no ledger mutation
                           └───────────┘

  Cash deposits recorded by the tontinier (or system) are validated at
  creation (the money changed hands). A cash deposit declared by the
  client starts pending until the tontinier confirms it.
  Mobile-money deposits need a proof and start pending.
  Withdrawals always start pending.

VALIDATION UNIT:
  Runs inside one Store.WithTx under the participation lock:
    1. Re-check the amount (minimum mise / net available right now)
    2. CAS pending → validated with validated_at / validated_by
    3. Increment tontine and participation totals
    4. Deposits: compute the fee, reserve it, settle it
  Any error rolls the whole unit back, status included.

TERM LOCK:
  A withdrawal from a term tontine is refused at creation while the
  local date is before the tontine's end date, whatever the balance.

SEE ALSO:
  - fees.go: Fee formulas
  - settlement.go: Realizing reserved fees into earnings
  - summary.go: Side-effect free preview
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tontine-engine/metrics"
)

// =============================================================================
// TRANSACTION SERVICE
// =============================================================================

type TransactionService struct {
	Store      TxStore
	Rules      FeeRules
	Settlement SettlementPolicy
	Clock      Clock
	Calendar   Calendar
	Logger     *slog.Logger
}

// NewTransactionService wires a service with production defaults.
func NewTransactionService(store TxStore, rules FeeRules, settlement SettlementPolicy, cal Calendar, logger *slog.Logger) *TransactionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionService{
		Store:      store,
		Rules:      rules,
		Settlement: settlement,
		Clock:      SystemClock{},
		Calendar:   cal,
		Logger:     logger.With("module", "ledger"),
	}
}

func (s *TransactionService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func (s *TransactionService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// CreateInput is a proposed deposit or withdrawal.
type CreateInput struct {
	Type          TransactionType
	TontineID     TontineID
	ClientID      ClientID
	Amount        Money
	PaymentMethod PaymentMethod
	ProofRef      string
	Notes         string
	ActorID       string // who submits it: the client, the tontinier or system
}

// ValidationResult is what a successful validation did to the ledger.
type ValidationResult struct {
	Transaction Transaction
	Fee         Money
	ReservedFee *ReservedFee
	Earning     *Earning
}

// =============================================================================
// CREATE
// =============================================================================

// CreateTransaction records a new transaction. Cash deposits recorded by
// the tontinier come back validated with their ledger effects applied;
// everything else is pending.
func (s *TransactionService) CreateTransaction(ctx context.Context, in CreateInput) (*ValidationResult, error) {
	if err := s.checkInput(in); err != nil {
		return nil, err
	}

	var (
		result      *ValidationResult
		tontineType TontineType
	)
	err := s.Store.WithTx(ctx, func(st Store) error {
		t, err := st.GetTontine(ctx, in.TontineID)
		if err != nil {
			return err
		}
		if in.ActorID != string(in.ClientID) && authorizeValidator(t, in.ActorID) != nil {
			return fmt.Errorf("%w: only the client or the tontinier of %s may submit its transactions", ErrForbidden, t.ID)
		}
		p, err := st.LockParticipation(ctx, in.TontineID, in.ClientID)
		if err != nil {
			return err
		}
		tontineType = t.Type
		now := s.now()

		switch in.Type {
		case TxDeposit:
			if err := s.checkDepositAllowed(t, p, in.Amount); err != nil {
				return err
			}
		case TxWithdrawal:
			if err := s.checkWithdrawalAllowed(ctx, st, t, p, in.Amount, now); err != nil {
				return err
			}
		}

		tx := Transaction{
			ID:            TransactionID(uuid.NewString()),
			Type:          in.Type,
			Amount:        in.Amount,
			Currency:      DefaultCurrency,
			Status:        TxPending,
			TontineID:     t.ID,
			ClientID:      p.ClientID,
			TontinierID:   t.TontinierID,
			PaymentMethod: in.PaymentMethod,
			ProofRef:      in.ProofRef,
			Notes:         in.Notes,
			CreatedBy:     in.ActorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if in.Type == TxWithdrawal {
			tx.PaymentMethod = PaymentCash
		}
		if err := st.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}

		// Only whoever may validate can vouch for cash at creation.
		if tx.Type == TxDeposit && tx.PaymentMethod == PaymentCash && authorizeValidator(t, in.ActorID) == nil {
			result, err = s.apply(ctx, st, &tx, t, p, in.ActorID, now)
			return err
		}
		result = &ValidationResult{Transaction: tx}
		return nil
	})
	if err != nil {
		s.recordFailure("create", err)
		return nil, err
	}

	metrics.TransactionsCreated.WithLabelValues(string(result.Transaction.Type), string(result.Transaction.Status)).Inc()
	if result.Transaction.Status == TxValidated {
		recordValidated(result, tontineType)
	}
	s.logger().InfoContext(ctx, "transaction created",
		"transaction_id", result.Transaction.ID,
		"type", result.Transaction.Type,
		"status", result.Transaction.Status,
		"amount", int64(result.Transaction.Amount),
		"tontine_id", result.Transaction.TontineID,
		"client_id", result.Transaction.ClientID,
	)
	return result, nil
}

func (s *TransactionService) checkInput(in CreateInput) error {
	if !in.Type.Valid() {
		return validationf("type", "unknown transaction type %q", in.Type)
	}
	if in.TontineID == "" {
		return validationf("tontine_id", "is required")
	}
	if in.ClientID == "" {
		return validationf("client_id", "is required")
	}
	if in.Amount <= 0 {
		return validationf("amount", "must be positive")
	}
	if in.ActorID == "" {
		return validationf("actor_id", "is required")
	}
	if in.Type == TxDeposit {
		if !in.PaymentMethod.Valid() {
			return validationf("payment_method", "unknown payment method %q", in.PaymentMethod)
		}
		if in.PaymentMethod == PaymentMobileMoney && strings.TrimSpace(in.ProofRef) == "" {
			return validationf("proof", "a payment proof is required for mobile money deposits")
		}
	}
	return nil
}

func (s *TransactionService) checkDepositAllowed(t *Tontine, p *Participation, amount Money) error {
	if t.Status != TontineActive {
		return validationf("tontine", "deposits are not accepted while the tontine is %s", t.Status)
	}
	if p.Status != ParticipationActive {
		return validationf("participation", "deposits are not accepted while the participation is %s", p.Status)
	}
	return s.Rules.ValidateDeposit(*t, amount)
}

func (s *TransactionService) checkWithdrawalAllowed(ctx context.Context, st Store, t *Tontine, p *Participation, amount Money, now time.Time) error {
	if t.Status == TontineDraft {
		return validationf("tontine", "withdrawals are not possible from a draft tontine")
	}
	if p.Status == ParticipationWithdrawn {
		return validationf("participation", "the client has left this tontine")
	}
	if err := s.checkTermLock(t, now); err != nil {
		return err
	}
	limit, err := withdrawalLimitFor(ctx, st, p)
	if err != nil {
		return err
	}
	if amount > limit.Available {
		return &InsufficientBalanceError{TontineID: t.ID, ClientID: p.ClientID, Available: limit.Available, Requested: amount}
	}
	return nil
}

// withdrawalLimit is what a new withdrawal request may take: the net
// available balance less the requests still pending.
type withdrawalLimit struct {
	NetAvailable Money
	Pending      Money
	Available    Money
}

func withdrawalLimitFor(ctx context.Context, st Store, p *Participation) (withdrawalLimit, error) {
	reserved, err := st.UncollectedReservedTotal(ctx, p.TontineID, p.ClientID)
	if err != nil {
		return withdrawalLimit{}, err
	}
	pending, err := st.PendingWithdrawalsTotal(ctx, p.TontineID, p.ClientID)
	if err != nil {
		return withdrawalLimit{}, err
	}
	net := NetAvailableFor(*p, reserved)
	return withdrawalLimit{NetAvailable: net, Pending: pending, Available: (net - pending).Max(0)}, nil
}

// checkTermLock refuses withdrawals from a term tontine before its end date.
func (s *TransactionService) checkTermLock(t *Tontine, now time.Time) error {
	if t.Type != TontineTerm {
		return nil
	}
	if t.EndDate == nil {
		return validationf("end_date", "term tontine %s has no end date", t.ID)
	}
	if s.Calendar.BeforeDate(now, *t.EndDate) {
		return &TermLockError{TontineID: t.ID, UnlockDate: s.Calendar.DateOf(*t.EndDate)}
	}
	return nil
}

// =============================================================================
// VALIDATE
// =============================================================================

// ValidateTransaction moves a pending transaction to validated and applies
// its ledger effects atomically.
func (s *TransactionService) ValidateTransaction(ctx context.Context, id TransactionID, validatorID string) (*ValidationResult, error) {
	var (
		result      *ValidationResult
		tontineType TontineType
	)
	err := s.Store.WithTx(ctx, func(st Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != TxPending {
			return &StateConflictError{TransactionID: id, Current: tx.Status}
		}
		t, err := st.GetTontine(ctx, tx.TontineID)
		if err != nil {
			return s.integrity(ctx, err, "tontine", string(tx.TontineID))
		}
		if err := authorizeValidator(t, validatorID); err != nil {
			return err
		}
		p, err := st.LockParticipation(ctx, tx.TontineID, tx.ClientID)
		if err != nil {
			return s.integrity(ctx, err, "participation", string(tx.TontineID)+"/"+string(tx.ClientID))
		}
		tontineType = t.Type
		result, err = s.apply(ctx, st, tx, t, p, validatorID, s.now())
		return err
	})
	if err != nil {
		s.recordFailure("validate", err)
		return nil, err
	}
	recordValidated(result, tontineType)

	s.logger().InfoContext(ctx, "transaction validated",
		"transaction_id", id,
		"type", result.Transaction.Type,
		"amount", int64(result.Transaction.Amount),
		"fee", int64(result.Fee),
		"validated_by", validatorID,
	)
	return result, nil
}

func authorizeValidator(t *Tontine, validatorID string) error {
	if validatorID == "" {
		return validationf("validator_id", "is required")
	}
	if validatorID != string(t.TontinierID) && validatorID != SystemActor {
		return fmt.Errorf("%w: only the tontinier of %s may validate its transactions", ErrForbidden, t.ID)
	}
	return nil
}

// apply runs steps 1-4 of the validation unit. The caller holds the
// participation lock and owns the unit of work.
func (s *TransactionService) apply(ctx context.Context, st Store, tx *Transaction, t *Tontine, p *Participation, validator string, now time.Time) (*ValidationResult, error) {
	// 1. Re-check against the state as of now.
	switch tx.Type {
	case TxDeposit:
		if err := s.Rules.ValidateDeposit(*t, tx.Amount); err != nil {
			return nil, err
		}
	case TxWithdrawal:
		reserved, err := st.UncollectedReservedTotal(ctx, t.ID, tx.ClientID)
		if err != nil {
			return nil, err
		}
		available := NetAvailableFor(*p, reserved)
		if tx.Amount > available {
			return nil, &InsufficientBalanceError{TontineID: t.ID, ClientID: tx.ClientID, Available: available, Requested: tx.Amount}
		}
	}

	// 2. Status.
	if err := st.TransitionTransaction(ctx, tx.ID, TxPending, TxValidated, Transition{At: now, By: validator}); err != nil {
		return nil, err
	}
	tx.Status = TxValidated
	tx.ValidatedAt = &now
	tx.ValidatedBy = validator
	tx.UpdatedAt = now
	result := &ValidationResult{Transaction: *tx}

	// 3. Totals.
	switch tx.Type {
	case TxDeposit:
		fee := s.Rules.ComputeDepositFee(*t, p.MisesCount, tx.Amount)
		if err := st.IncrementTontineCollected(ctx, t.ID, tx.Amount); err != nil {
			return nil, s.integrity(ctx, err, "tontine", string(t.ID))
		}
		if err := st.IncrementParticipationDeposited(ctx, t.ID, tx.ClientID, tx.Amount, fee.MisesAfter-fee.MisesBefore, now); err != nil {
			return nil, s.integrity(ctx, err, "participation", string(t.ID)+"/"+string(tx.ClientID))
		}

		// 4. Fee.
		if fee.Amount > 0 {
			rf := ReservedFee{
				ID:            ReservedFeeID(uuid.NewString()),
				TontineID:     t.ID,
				ClientID:      tx.ClientID,
				TontinierID:   t.TontinierID,
				TransactionID: tx.ID,
				FeeType:       fee.FeeType,
				Amount:        fee.Amount,
				CreatedAt:     now,
			}
			if err := st.CreateReservedFee(ctx, rf); err != nil {
				return nil, fmt.Errorf("reserve fee: %w", err)
			}
			result.Fee = fee.Amount
			result.ReservedFee = &rf
			if s.Settlement == SettleImmediate {
				earning, err := collectFee(ctx, st, t, rf, now, s.logger())
				if err != nil {
					return nil, err
				}
				result.Earning = earning
				result.ReservedFee.IsCollected = true
				result.ReservedFee.CollectedAt = &now
			}
		}
	case TxWithdrawal:
		if err := st.IncrementTontineWithdrawn(ctx, t.ID, tx.Amount); err != nil {
			return nil, s.integrity(ctx, err, "tontine", string(t.ID))
		}
		if err := st.IncrementParticipationWithdrawn(ctx, t.ID, tx.ClientID, tx.Amount); err != nil {
			return nil, s.integrity(ctx, err, "participation", string(t.ID)+"/"+string(tx.ClientID))
		}
	}

	return result, nil
}

// recordValidated counts a committed validation.
func recordValidated(result *ValidationResult, tontineType TontineType) {
	metrics.TransactionsTransitioned.WithLabelValues(string(result.Transaction.Type), string(TxValidated)).Inc()
	if result.Fee > 0 {
		metrics.FeesAccrued.WithLabelValues(string(EarningTypeFor(tontineType))).Add(float64(result.Fee))
	}
	if result.Earning != nil {
		metrics.EarningsRecorded.WithLabelValues(string(result.Earning.Type)).Inc()
	}
}

// integrity converts a missing row into ReferentialIntegrityError and logs it.
func (s *TransactionService) integrity(ctx context.Context, err error, entity, key string) error {
	if errors.Is(err, ErrNotFound) {
		err = &ReferentialIntegrityError{Entity: entity, Key: key}
	}
	if errors.Is(err, ErrReferentialIntegrity) {
		s.logger().ErrorContext(ctx, "ledger integrity violation", "entity", entity, "key", key, "error", err)
	}
	return err
}

// =============================================================================
// REJECT / CANCEL
// =============================================================================

// RejectTransaction refuses a pending transaction. No ledger mutation.
func (s *TransactionService) RejectTransaction(ctx context.Context, id TransactionID, validatorID, reason string) (*Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationf("reason", "a rejection reason is required")
	}

	var out *Transaction
	err := s.Store.WithTx(ctx, func(st Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != TxPending {
			return &StateConflictError{TransactionID: id, Current: tx.Status}
		}
		t, err := st.GetTontine(ctx, tx.TontineID)
		if err != nil {
			return err
		}
		if err := authorizeValidator(t, validatorID); err != nil {
			return err
		}
		now := s.now()
		if err := st.TransitionTransaction(ctx, id, TxPending, TxRejected, Transition{At: now, By: validatorID, Reason: reason}); err != nil {
			return err
		}
		tx.Status = TxRejected
		tx.RejectionReason = reason
		tx.ValidatedBy = validatorID
		tx.UpdatedAt = now
		out = tx
		return nil
	})
	if err != nil {
		s.recordFailure("reject", err)
		return nil, err
	}
	metrics.TransactionsTransitioned.WithLabelValues(string(out.Type), string(TxRejected)).Inc()
	s.logger().InfoContext(ctx, "transaction rejected", "transaction_id", id, "by", validatorID, "reason", reason)
	return out, nil
}

// CancelTransaction withdraws a pending request. Only the client who owns
// it or the tontinier of its tontine may cancel.
func (s *TransactionService) CancelTransaction(ctx context.Context, id TransactionID, actorID string) (*Transaction, error) {
	var out *Transaction
	err := s.Store.WithTx(ctx, func(st Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != TxPending {
			return &StateConflictError{TransactionID: id, Current: tx.Status}
		}
		if actorID != string(tx.ClientID) && actorID != string(tx.TontinierID) {
			return fmt.Errorf("%w: only the client or the tontinier may cancel transaction %s", ErrForbidden, id)
		}
		now := s.now()
		if err := st.TransitionTransaction(ctx, id, TxPending, TxCancelled, Transition{At: now, By: actorID}); err != nil {
			return err
		}
		tx.Status = TxCancelled
		tx.UpdatedAt = now
		out = tx
		return nil
	})
	if err != nil {
		s.recordFailure("cancel", err)
		return nil, err
	}
	metrics.TransactionsTransitioned.WithLabelValues(string(out.Type), string(TxCancelled)).Inc()
	s.logger().InfoContext(ctx, "transaction cancelled", "transaction_id", id, "by", actorID)
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *TransactionService) GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	return s.Store.GetTransaction(ctx, id)
}

func (s *TransactionService) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, int, error) {
	return s.Store.ListTransactions(ctx, f)
}

// ListPending returns the tontinier's pending transactions, oldest first.
func (s *TransactionService) ListPending(ctx context.Context, tontinierID TontinierID) ([]Transaction, error) {
	txs, _, err := s.Store.ListTransactions(ctx, TransactionFilter{TontinierID: tontinierID, Status: TxPending})
	if err != nil {
		return nil, err
	}
	// The store lists newest first.
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs, nil
}

// NetAvailable returns the withdrawable balance of a (tontine, client) pair.
func (s *TransactionService) NetAvailable(ctx context.Context, tontineID TontineID, clientID ClientID) (Money, error) {
	p, err := s.Store.GetParticipation(ctx, tontineID, clientID)
	if err != nil {
		return 0, err
	}
	reserved, err := s.Store.UncollectedReservedTotal(ctx, tontineID, clientID)
	if err != nil {
		return 0, err
	}
	return NetAvailableFor(*p, reserved), nil
}

func (s *TransactionService) recordFailure(op string, err error) {
	reason := "internal"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, ErrTermLocked):
		reason = "term_locked"
	case errors.Is(err, ErrStateConflict):
		reason = "state_conflict"
	case errors.Is(err, ErrReferentialIntegrity):
		reason = "referential_integrity"
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrForbidden):
		reason = "forbidden"
	}
	metrics.ValidationFailures.WithLabelValues(op + ":" + reason).Inc()
}
