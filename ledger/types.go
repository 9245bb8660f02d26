/*
Package ledger provides the tontine ledger and fee-settlement engine.

PURPOSE:
  This package owns every rule that moves money in a tontine: what a
  deposit or withdrawal is allowed to do, which fee the tontinier earns
  from it, how much of a client's balance is really withdrawable, and how
  tontinier income is recorded. Persistence, HTTP and scheduling live in
  other packages and talk to the engine through the Store contracts.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer XOF units, never floating point
  - Tontine: a savings group run by one tontinier (classic, flexible, term)
  - Participation: one client's running totals inside one tontine
  - Transaction: a deposit or withdrawal moving through its state machine
  - ReservedFee: tontinier compensation walled off from client withdrawal
  - Earning: append-only record of tontinier income

DESIGN PRINCIPLES:
  1. Integer money: every amount is a Money, fractional input is rejected
  2. Derived totals: tontine and participation totals only change through
     validated transactions and fee collection
  3. Append-only income: earnings are never updated or deleted
  4. Explicit dependencies: services receive a Store, there is no global client

SEE ALSO:
  - fees.go: Fee formulas and net-available balance
  - transaction.go: Transaction state machine
  - earnings.go: Earnings ledger and reports
  - store.go: Persistence contracts
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer currency units (XOF)
// =============================================================================

// Money is an amount of integer currency units.
type Money int64

// DefaultCurrency is the only currency the ledger tracks.
const DefaultCurrency = "XOF"

func (m Money) Int64() int64     { return int64(m) }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) IsNegative() bool { return m < 0 }
func (m Money) String() string   { return strconv.FormatInt(int64(m), 10) }

func (m Money) Max(o Money) Money {
	if m > o {
		return m
	}
	return o
}

func (m Money) Min(o Money) Money {
	if m < o {
		return m
	}
	return o
}

// ParseMoney parses an integer amount. Fractional values are rejected even
// when they are written with a decimal point ("1000.5"); "1000.00" is accepted.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ValidationError{Field: "amount", Message: "amount is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", s)}
	}
	if !d.IsInteger() {
		return 0, &ValidationError{Field: "amount", Message: fmt.Sprintf("amount %s must be a whole number of units", s)}
	}
	if !d.Equal(decimal.NewFromInt(d.IntPart())) {
		return 0, &ValidationError{Field: "amount", Message: fmt.Sprintf("amount %s is out of range", s)}
	}
	return Money(d.IntPart()), nil
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(m), 10)), nil
}

// UnmarshalJSON accepts JSON numbers and numeric strings holding whole units.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return &ValidationError{Field: "amount", Message: "invalid amount"}
		}
		raw = s
	}
	v, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TontineID string
type ClientID string
type TontinierID string
type TransactionID string
type ReservedFeeID string
type EarningID string
type SubscriptionID string

// SystemActor validates transactions on behalf of automated processes.
const SystemActor = "system"

// =============================================================================
// TONTINE
// =============================================================================

type TontineType string

const (
	TontineClassic  TontineType = "classic"
	TontineFlexible TontineType = "flexible"
	TontineTerm     TontineType = "term"
)

func (t TontineType) Valid() bool {
	switch t {
	case TontineClassic, TontineFlexible, TontineTerm:
		return true
	}
	return false
}

// UsesMise is true for tontines whose deposits are whole multiples of the mise.
func (t TontineType) UsesMise() bool { return t == TontineClassic || t == TontineTerm }

type TontineStatus string

const (
	TontineDraft     TontineStatus = "draft"
	TontineActive    TontineStatus = "active"
	TontinePaused    TontineStatus = "paused"
	TontineCompleted TontineStatus = "completed"
	TontineCancelled TontineStatus = "cancelled"
)

func (s TontineStatus) Valid() bool {
	switch s {
	case TontineDraft, TontineActive, TontinePaused, TontineCompleted, TontineCancelled:
		return true
	}
	return false
}

// Tontine is a savings group owned by one tontinier.
// TotalCollected, TotalWithdrawn and TotalFees are derived aggregates and
// are only written by the ledger increments.
type Tontine struct {
	ID          TontineID
	Identifier  string
	Name        string
	Description string
	Type        TontineType
	Mise        Money
	Currency    string
	CycleDays   int
	StartDate   time.Time
	EndDate     *time.Time // mandatory for term tontines
	TontinierID TontinierID
	Status      TontineStatus

	TotalCollected Money
	TotalWithdrawn Money
	TotalFees      Money

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Holdings is what the tontine still holds for its clients.
func (t Tontine) Holdings() Money { return t.TotalCollected - t.TotalWithdrawn - t.TotalFees }

// IdentifierChange is one entry of a tontine's identifier history.
type IdentifierChange struct {
	TontineID     TontineID
	OldIdentifier string
	NewIdentifier string
	ChangedAt     time.Time
	ChangedBy     string
}

// =============================================================================
// PARTICIPATION - One client inside one tontine
// =============================================================================

type ParticipationStatus string

const (
	ParticipationActive    ParticipationStatus = "active"
	ParticipationSuspended ParticipationStatus = "suspended"
	ParticipationWithdrawn ParticipationStatus = "withdrawn"
)

func (s ParticipationStatus) Valid() bool {
	switch s {
	case ParticipationActive, ParticipationSuspended, ParticipationWithdrawn:
		return true
	}
	return false
}

// Participation carries the totals of one (tontine, client) pair.
// Summed over all clients of a tontine they equal the tontine totals.
type Participation struct {
	ID             string
	TontineID      TontineID
	ClientID       ClientID
	Status         ParticipationStatus
	TotalDeposited Money
	TotalWithdrawn Money
	TotalFees      Money // fees already collected by the tontinier
	MisesCount     int64 // cumulative mises from validated deposits
	JoinedAt       time.Time
	LastDepositAt  *time.Time
}

// Gross is the balance still owned by the client before reserved fees.
func (p Participation) Gross() Money { return p.TotalDeposited - p.TotalWithdrawn - p.TotalFees }

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
)

func (t TransactionType) Valid() bool { return t == TxDeposit || t == TxWithdrawal }

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxValidated TransactionStatus = "validated"
	TxRejected  TransactionStatus = "rejected"
	TxCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s TransactionStatus) IsTerminal() bool { return s != TxPending }

type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentMobileMoney PaymentMethod = "mobile_money"
)

func (p PaymentMethod) Valid() bool { return p == PaymentCash || p == PaymentMobileMoney }

type Transaction struct {
	ID              TransactionID
	Type            TransactionType
	Amount          Money
	Currency        string
	Status          TransactionStatus
	TontineID       TontineID
	ClientID        ClientID
	TontinierID     TontinierID
	PaymentMethod   PaymentMethod
	ProofRef        string
	Notes           string
	RejectionReason string
	ValidatedAt     *time.Time
	ValidatedBy     string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transition describes the audit fields written with a status change.
type Transition struct {
	At     time.Time
	By     string
	Reason string
}

// =============================================================================
// RESERVED FEE - Escrowed tontinier compensation
// =============================================================================

type FeeType string

const (
	FeeMise       FeeType = "mise_fee"
	FeePercentage FeeType = "percentage_fee"
)

// ReservedFee is accrued compensation not yet realized as an earning.
// While IsCollected is false its amount is walled off from withdrawal.
type ReservedFee struct {
	ID            ReservedFeeID
	TontineID     TontineID
	ClientID      ClientID
	TontinierID   TontinierID
	TransactionID TransactionID
	FeeType       FeeType
	Amount        Money
	IsCollected   bool
	CollectedAt   *time.Time
	CreatedAt     time.Time
}

// =============================================================================
// EARNING - Append-only tontinier income
// =============================================================================

type EarningType string

const (
	EarningMiseClassique      EarningType = "mise_classique"
	EarningMiseTerme          EarningType = "mise_terme"
	EarningPercentageFlexible EarningType = "percentage_flexible"
	EarningSubscription       EarningType = "subscription"
	EarningAdjustment         EarningType = "adjustment" // compensating entry
)

// EarningTypes lists every earning type in report order.
var EarningTypes = []EarningType{
	EarningMiseClassique,
	EarningMiseTerme,
	EarningPercentageFlexible,
	EarningSubscription,
	EarningAdjustment,
}

func (t EarningType) Valid() bool {
	for _, et := range EarningTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Earning is one tontinier compensation event. Never mutated.
type Earning struct {
	ID            EarningID
	TontinierID   TontinierID
	TontineID     TontineID     // empty for subscriptions
	ClientID      ClientID      // empty for subscriptions
	TransactionID TransactionID // unique when set
	ReservedFeeID ReservedFeeID
	Type          EarningType
	Amount        Money
	Description   string
	CalculatedAt  time.Time
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
	ReversesID    EarningID // set on adjustments
}

// =============================================================================
// SUBSCRIPTION - Flat monthly tontinier income
// =============================================================================

type Subscription struct {
	ID            SubscriptionID
	TontinierID   TontinierID
	MonthlyAmount Money
	StartDate     time.Time
	EndDate       *time.Time
	Active        bool
	CreatedAt     time.Time
}

// CoversMonth reports whether the subscription is billable for the month
// starting at monthStart and ending before nextMonth.
func (s Subscription) CoversMonth(monthStart, nextMonth time.Time) bool {
	if !s.Active {
		return false
	}
	if !s.StartDate.Before(nextMonth) {
		return false
	}
	if s.EndDate != nil && s.EndDate.Before(monthStart) {
		return false
	}
	return true
}
