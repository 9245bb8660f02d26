/*
store.go - Persistence contracts for the ledger engine

PURPOSE:
  Defines the interface between the ledger rules and the database. The
  engine never talks to a driver directly; it receives a TxStore and runs
  every ledger mutation inside WithTx so a status change and its totals
  update commit or roll back together.

KEY INTERFACES:
  TontineStore:       Tontine records and identifier history
  ParticipationStore: Client participations and their row lock
  TotalsWriter:       The six ledger increments (exactly once per validation)
  TransactionStore:   Transactions with compare-and-set status transitions
  ReservedFeeStore:   Escrowed fees
  EarningStore:       Append-only earnings (unique per transaction)
  SubscriptionStore:  Tontinier subscriptions
  TxStore:            Store + WithTx

LOCKING CONTRACT:
  LockParticipation, called inside WithTx, must serialize every other
  unit of work that locks the same (tontine, client) pair until commit.
  Units touching different participations must not block each other on
  that lock. LockTontine does the same for a tontine row; a unit that
  needs both takes the participation lock first. PostgreSQL uses
  SELECT ... FOR UPDATE; SQLite and the memory store serialize all units.

APPEND-ONLY CONTRACT:
  EarningStore has no Update or Delete. Corrections are adjustment
  earnings. AppendEarning must reject a second earning with the same
  TransactionID (or the same subscription month) with
  DuplicateEarningError, atomically.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - transaction.go: The unit of work that uses these contracts
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

type TontineFilter struct {
	TontinierID TontinierID
	Status      TontineStatus
	Query       string // matches name or identifier
}

type TransactionFilter struct {
	TontinierID TontinierID
	TontineID   TontineID
	ClientID    ClientID
	Type        TransactionType
	Status      TransactionStatus
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

type EarningFilter struct {
	TontinierID TontinierID
	TontineID   TontineID
	ClientID    ClientID
	Types       []EarningType
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type TontineStore interface {
	CreateTontine(ctx context.Context, t Tontine) error
	GetTontine(ctx context.Context, id TontineID) (*Tontine, error)

	// LockTontine reads the tontine and holds its row lock until the
	// enclosing unit of work ends.
	LockTontine(ctx context.Context, id TontineID) (*Tontine, error)

	GetTontineByIdentifier(ctx context.Context, identifier string) (*Tontine, error)
	ListTontines(ctx context.Context, f TontineFilter) ([]Tontine, error)

	// UpdateTontine writes descriptive fields and status. Totals are ignored.
	UpdateTontine(ctx context.Context, t Tontine) error

	AppendIdentifierChange(ctx context.Context, c IdentifierChange) error
	IdentifierHistory(ctx context.Context, id TontineID) ([]IdentifierChange, error)
}

type ParticipationStore interface {
	CreateParticipation(ctx context.Context, p Participation) error
	GetParticipation(ctx context.Context, tontineID TontineID, clientID ClientID) (*Participation, error)

	// LockParticipation reads the participation and holds its lock until the
	// enclosing unit of work ends.
	LockParticipation(ctx context.Context, tontineID TontineID, clientID ClientID) (*Participation, error)

	ListParticipations(ctx context.Context, tontineID TontineID) ([]Participation, error)
	ListClientParticipations(ctx context.Context, clientID ClientID) ([]Participation, error)
	SetParticipationStatus(ctx context.Context, tontineID TontineID, clientID ClientID, status ParticipationStatus) error
}

// TotalsWriter applies ledger increments. A missing row returns
// ReferentialIntegrityError.
type TotalsWriter interface {
	IncrementTontineCollected(ctx context.Context, id TontineID, amount Money) error
	IncrementTontineWithdrawn(ctx context.Context, id TontineID, amount Money) error
	IncrementTontineFees(ctx context.Context, id TontineID, amount Money) error
	IncrementParticipationDeposited(ctx context.Context, tontineID TontineID, clientID ClientID, amount Money, mises int64, at time.Time) error
	IncrementParticipationWithdrawn(ctx context.Context, tontineID TontineID, clientID ClientID, amount Money) error
	IncrementParticipationFees(ctx context.Context, tontineID TontineID, clientID ClientID, amount Money) error
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// TransitionTransaction moves a transaction from one status to another.
	// If the stored status is not from, it returns StateConflictError.
	TransitionTransaction(ctx context.Context, id TransactionID, from, to TransactionStatus, tr Transition) error

	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, int, error)

	// PendingWithdrawalsTotal sums pending withdrawal amounts for a pair.
	PendingWithdrawalsTotal(ctx context.Context, tontineID TontineID, clientID ClientID) (Money, error)
}

type ReservedFeeStore interface {
	CreateReservedFee(ctx context.Context, f ReservedFee) error
	ListReservedFees(ctx context.Context, tontineID TontineID, clientID ClientID, onlyUncollected bool) ([]ReservedFee, error)
	UncollectedReservedTotal(ctx context.Context, tontineID TontineID, clientID ClientID) (Money, error)
	MarkReservedFeeCollected(ctx context.Context, id ReservedFeeID, at time.Time) error
}

// EarningStore is append-only.
type EarningStore interface {
	AppendEarning(ctx context.Context, e Earning) error
	ListEarnings(ctx context.Context, f EarningFilter) ([]Earning, int, error)
}

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context, tontinierID TontinierID) ([]Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]Subscription, error)
}

// Store combines every persistence capability the engine needs.
type Store interface {
	TontineStore
	ParticipationStore
	TotalsWriter
	TransactionStore
	ReservedFeeStore
	EarningStore
	SubscriptionStore
}

// TxStore wraps Store with units of work.
// If fn returns an error, everything written through the Store it receives
// is rolled back. If fn returns nil, it is committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
