/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the HTTP API. These types keep the
  ledger's Go types out of the wire contract: dates are rendered in the
  reporting timezone, optional fields are omitted, money is an integer.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers with paging or extra context

TYPES:
  Tontines:
    TontineDTO, IdentifierChangeDTO, UpdateTontineRequest,
    ChangeIdentifierRequest, StatusRequest

  Participants:
    ParticipationDTO, MembershipDTO, AddParticipantRequest, NetAvailableDTO

  Transactions:
    TransactionDTO, CreateTransactionRequest, PreviewRequest,
    RejectRequest, ValidationResultDTO, TransactionListResponse

  Fees and earnings:
    ReservedFeeDTO, SettleRequest, EarningDTO, AdjustmentRequest,
    EarningsHistoryResponse

  Subscriptions:
    SubscriptionDTO, SubscribeRequest, BillingRunRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers; unknown request fields are rejected by decodeJSON.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/tontine.go: TontineJSON, the tontine creation body
*/
package api

import (
	"time"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/tontine"
)

const dateLayout = "2006-01-02"

// =============================================================================
// TONTINES
// =============================================================================

// TontineDTO represents a tontine in API responses.
type TontineDTO struct {
	ID             string       `json:"id"`
	Identifier     string       `json:"identifier"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Type           string       `json:"type"`
	Mise           ledger.Money `json:"mise"`
	Currency       string       `json:"currency"`
	CycleDays      int          `json:"cycle_days"`
	StartDate      string       `json:"start_date"`
	EndDate        string       `json:"end_date,omitempty"`
	TontinierID    string       `json:"tontinier_id"`
	Status         string       `json:"status"`
	TotalCollected ledger.Money `json:"total_collected"`
	TotalWithdrawn ledger.Money `json:"total_withdrawn"`
	TotalFees      ledger.Money `json:"total_fees"`
	Holdings       ledger.Money `json:"holdings"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// UpdateTontineRequest changes descriptive fields. Absent fields are kept.
type UpdateTontineRequest struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	CycleDays   *int          `json:"cycle_days,omitempty"`
	Mise        *ledger.Money `json:"mise,omitempty"`
	EndDate     *string       `json:"end_date,omitempty"`
}

type ChangeIdentifierRequest struct {
	Identifier string `json:"identifier"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type IdentifierChangeDTO struct {
	OldIdentifier string    `json:"old_identifier"`
	NewIdentifier string    `json:"new_identifier"`
	ChangedAt     time.Time `json:"changed_at"`
	ChangedBy     string    `json:"changed_by"`
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

// ParticipationDTO is one client's standing in one tontine.
type ParticipationDTO struct {
	TontineID      string       `json:"tontine_id"`
	ClientID       string       `json:"client_id"`
	Status         string       `json:"status"`
	TotalDeposited ledger.Money `json:"total_deposited"`
	TotalWithdrawn ledger.Money `json:"total_withdrawn"`
	TotalFees      ledger.Money `json:"total_fees"`
	MisesCount     int64        `json:"mises_count"`
	JoinedAt       time.Time    `json:"joined_at"`
	LastDepositAt  *time.Time   `json:"last_deposit_at,omitempty"`
}

type MembershipDTO struct {
	Tontine       TontineDTO       `json:"tontine"`
	Participation ParticipationDTO `json:"participation"`
}

type AddParticipantRequest struct {
	ClientID string `json:"client_id"`
}

// NetAvailableDTO is the withdrawable balance of a participation.
type NetAvailableDTO struct {
	TontineID    string       `json:"tontine_id"`
	ClientID     string       `json:"client_id"`
	NetAvailable ledger.Money `json:"net_available"`
	Currency     string       `json:"currency"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a transaction in API responses.
type TransactionDTO struct {
	ID              string       `json:"id"`
	Type            string       `json:"type"`
	Amount          ledger.Money `json:"amount"`
	Currency        string       `json:"currency"`
	Status          string       `json:"status"`
	TontineID       string       `json:"tontine_id"`
	ClientID        string       `json:"client_id"`
	TontinierID     string       `json:"tontinier_id"`
	PaymentMethod   string       `json:"payment_method"`
	ProofRef        string       `json:"proof_ref,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	ValidatedAt     *time.Time   `json:"validated_at,omitempty"`
	ValidatedBy     string       `json:"validated_by,omitempty"`
	CreatedBy       string       `json:"created_by,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// CreateTransactionRequest submits a deposit or a withdrawal.
// The client defaults to the calling actor.
type CreateTransactionRequest struct {
	Type          string       `json:"type"`
	TontineID     string       `json:"tontine_id"`
	ClientID      string       `json:"client_id,omitempty"`
	Amount        ledger.Money `json:"amount"`
	PaymentMethod string       `json:"payment_method,omitempty"`
	ProofRef      string       `json:"proof_ref,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

type PreviewRequest struct {
	Type      string       `json:"type"`
	TontineID string       `json:"tontine_id"`
	ClientID  string       `json:"client_id,omitempty"`
	Amount    ledger.Money `json:"amount"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// ValidationResultDTO is a transaction together with the fee it produced.
type ValidationResultDTO struct {
	Transaction TransactionDTO  `json:"transaction"`
	Fee         ledger.Money    `json:"fee"`
	ReservedFee *ReservedFeeDTO `json:"reserved_fee,omitempty"`
	Earning     *EarningDTO     `json:"earning,omitempty"`
}

type TransactionListResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

// =============================================================================
// FEES AND EARNINGS
// =============================================================================

type ReservedFeeDTO struct {
	ID            string       `json:"id"`
	TontineID     string       `json:"tontine_id"`
	ClientID      string       `json:"client_id"`
	TontinierID   string       `json:"tontinier_id"`
	TransactionID string       `json:"transaction_id"`
	FeeType       string       `json:"fee_type"`
	Amount        ledger.Money `json:"amount"`
	IsCollected   bool         `json:"is_collected"`
	CollectedAt   *time.Time   `json:"collected_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// SettleRequest collects reserved fees. An empty client settles every
// participation of the tontine.
type SettleRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

type EarningDTO struct {
	ID            string       `json:"id"`
	TontinierID   string       `json:"tontinier_id"`
	TontineID     string       `json:"tontine_id,omitempty"`
	ClientID      string       `json:"client_id,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Type          string       `json:"type"`
	Amount        ledger.Money `json:"amount"`
	Description   string       `json:"description,omitempty"`
	CalculatedAt  time.Time    `json:"calculated_at"`
	PeriodStart   *time.Time   `json:"period_start,omitempty"`
	PeriodEnd     *time.Time   `json:"period_end,omitempty"`
	ReversesID    string       `json:"reverses_id,omitempty"`
}

// AdjustmentRequest corrects an earning with a compensating entry.
type AdjustmentRequest struct {
	EarningID string       `json:"earning_id"`
	Amount    ledger.Money `json:"amount"`
	Reason    string       `json:"reason"`
}

type EarningsHistoryResponse struct {
	Earnings []EarningDTO `json:"earnings"`
	Total    int          `json:"total"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

type SubscriptionDTO struct {
	ID            string       `json:"id"`
	TontinierID   string       `json:"tontinier_id"`
	MonthlyAmount ledger.Money `json:"monthly_amount"`
	StartDate     string       `json:"start_date"`
	EndDate       string       `json:"end_date,omitempty"`
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"created_at"`
}

type SubscribeRequest struct {
	MonthlyAmount ledger.Money `json:"monthly_amount"`
	StartDate     string       `json:"start_date,omitempty"`
	EndDate       string       `json:"end_date,omitempty"`
}

// BillingRunRequest bills a month ("YYYY-MM"); empty means the current month.
type BillingRunRequest struct {
	Month string `json:"month,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string        `json:"error"`
	Code       string        `json:"code"`
	Field      string        `json:"field,omitempty"`
	Available  *ledger.Money `json:"available,omitempty"`
	UnlockDate string        `json:"unlock_date,omitempty"`
	Current    string        `json:"current_status,omitempty"`
	Retry      bool          `json:"retry,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (h *Handler) toTontineDTO(t ledger.Tontine) TontineDTO {
	dto := TontineDTO{
		ID:             string(t.ID),
		Identifier:     t.Identifier,
		Name:           t.Name,
		Description:    t.Description,
		Type:           string(t.Type),
		Mise:           t.Mise,
		Currency:       t.Currency,
		CycleDays:      t.CycleDays,
		StartDate:      h.formatDate(t.StartDate),
		TontinierID:    string(t.TontinierID),
		Status:         string(t.Status),
		TotalCollected: t.TotalCollected,
		TotalWithdrawn: t.TotalWithdrawn,
		TotalFees:      t.TotalFees,
		Holdings:       t.Holdings(),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.EndDate != nil {
		dto.EndDate = h.formatDate(*t.EndDate)
	}
	return dto
}

func toParticipationDTO(p ledger.Participation) ParticipationDTO {
	return ParticipationDTO{
		TontineID:      string(p.TontineID),
		ClientID:       string(p.ClientID),
		Status:         string(p.Status),
		TotalDeposited: p.TotalDeposited,
		TotalWithdrawn: p.TotalWithdrawn,
		TotalFees:      p.TotalFees,
		MisesCount:     p.MisesCount,
		JoinedAt:       p.JoinedAt,
		LastDepositAt:  p.LastDepositAt,
	}
}

func (h *Handler) toMembershipDTO(m tontine.Membership) MembershipDTO {
	return MembershipDTO{Tontine: h.toTontineDTO(m.Tontine), Participation: toParticipationDTO(m.Participation)}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		Type:            string(tx.Type),
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Status:          string(tx.Status),
		TontineID:       string(tx.TontineID),
		ClientID:        string(tx.ClientID),
		TontinierID:     string(tx.TontinierID),
		PaymentMethod:   string(tx.PaymentMethod),
		ProofRef:        tx.ProofRef,
		Notes:           tx.Notes,
		RejectionReason: tx.RejectionReason,
		ValidatedAt:     tx.ValidatedAt,
		ValidatedBy:     tx.ValidatedBy,
		CreatedBy:       tx.CreatedBy,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

func toReservedFeeDTO(f ledger.ReservedFee) ReservedFeeDTO {
	return ReservedFeeDTO{
		ID:            string(f.ID),
		TontineID:     string(f.TontineID),
		ClientID:      string(f.ClientID),
		TontinierID:   string(f.TontinierID),
		TransactionID: string(f.TransactionID),
		FeeType:       string(f.FeeType),
		Amount:        f.Amount,
		IsCollected:   f.IsCollected,
		CollectedAt:   f.CollectedAt,
		CreatedAt:     f.CreatedAt,
	}
}

func toEarningDTO(e ledger.Earning) EarningDTO {
	return EarningDTO{
		ID:            string(e.ID),
		TontinierID:   string(e.TontinierID),
		TontineID:     string(e.TontineID),
		ClientID:      string(e.ClientID),
		TransactionID: string(e.TransactionID),
		Type:          string(e.Type),
		Amount:        e.Amount,
		Description:   e.Description,
		CalculatedAt:  e.CalculatedAt,
		PeriodStart:   e.PeriodStart,
		PeriodEnd:     e.PeriodEnd,
		ReversesID:    string(e.ReversesID),
	}
}

func toValidationResultDTO(res *ledger.ValidationResult) ValidationResultDTO {
	dto := ValidationResultDTO{Transaction: toTransactionDTO(res.Transaction), Fee: res.Fee}
	if res.ReservedFee != nil {
		rf := toReservedFeeDTO(*res.ReservedFee)
		dto.ReservedFee = &rf
	}
	if res.Earning != nil {
		e := toEarningDTO(*res.Earning)
		dto.Earning = &e
	}
	return dto
}

func (h *Handler) toSubscriptionDTO(s ledger.Subscription) SubscriptionDTO {
	dto := SubscriptionDTO{
		ID:            string(s.ID),
		TontinierID:   string(s.TontinierID),
		MonthlyAmount: s.MonthlyAmount,
		StartDate:     h.formatDay(s.StartDate),
		Active:        s.Active,
		CreatedAt:     s.CreatedAt,
	}
	if s.EndDate != nil {
		dto.EndDate = h.formatDay(*s.EndDate)
	}
	return dto
}

// formatDate renders a stored calendar date (midnight UTC).
func (h *Handler) formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// formatDay renders the local day of an instant in the reporting timezone.
func (h *Handler) formatDay(t time.Time) string {
	return h.Calendar.Day(t).Format(dateLayout)
}
