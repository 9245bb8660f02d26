/*
handlers.go - HTTP API handlers for the tontine engine

PURPOSE:
  Exposes the ledger, the tontine lifecycle and the earnings reports via a
  REST API. Handlers parse the request, call one service operation and
  serialize the result; every business rule lives in the services.

ENDPOINTS:
  Tontines:
    GET    /api/tontines                          List (tontinier_id, status, q)
    POST   /api/tontines                          Create from a JSON definition
    GET    /api/tontines/identifier-available     ?identifier=
    GET    /api/tontines/by-identifier/{ident}    Lookup by identifier
    GET    /api/tontines/{id}                     Details and totals
    PATCH  /api/tontines/{id}                     Update descriptive fields
    PUT    /api/tontines/{id}/identifier          Change identifier
    GET    /api/tontines/{id}/identifier-history  Identifier changes
    PUT    /api/tontines/{id}/status              Status transition
    POST   /api/tontines/{id}/settle              Collect reserved fees

  Participants:
    GET    /api/tontines/{id}/participants
    POST   /api/tontines/{id}/participants
    POST   /api/tontines/{id}/participants/{client}/suspend|reactivate|withdraw
    GET    /api/tontines/{id}/participants/{client}/net-available
    GET    /api/tontines/{id}/participants/{client}/reserved-fees
    GET    /api/clients/{client}/tontines

  Transactions:
    GET    /api/transactions                      List with filters and paging
    POST   /api/transactions                      Submit deposit or withdrawal
    POST   /api/transactions/preview              Side-effect free summary
    GET    /api/transactions/pending              Tontinier validation queue
    GET    /api/transactions/{id}
    POST   /api/transactions/{id}/validate|reject|cancel

  Earnings and subscriptions:
    GET    /api/tontiniers/{id}/earnings/summary|by-tontine|by-client
    GET    /api/tontiniers/{id}/earnings/by-period  ?bucket=&from=&to=&tz=
    GET    /api/tontiniers/{id}/earnings/history    ?limit=&offset=
    POST   /api/tontiniers/{id}/earnings/adjustments
    GET    /api/tontiniers/{id}/subscriptions
    POST   /api/tontiniers/{id}/subscriptions
    POST   /api/billing/run

REQUEST FLOW:
  1. Parse path, query and body (unknown body fields are rejected)
  2. Read the actor from X-Actor-ID
  3. Call the service
  4. Serialize the DTO, or map the error with writeError

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/tontine-engine/factory"
	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/tontine"
)

// Paging defaults for list endpoints.
const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        ledger.TxStore
	Transactions *ledger.TransactionService
	Earnings     *ledger.EarningsLedger
	Biller       *ledger.Biller
	Tontines     *tontine.Service
	Factory      *factory.TontineFactory
	Calendar     ledger.Calendar
	Logger       *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// Settings are the engine parameters shared by the services.
type Settings struct {
	Rules      ledger.FeeRules
	Settlement ledger.SettlementPolicy
	Calendar   ledger.Calendar
}

// NewHandler wires every service on top of one store.
func NewHandler(store ledger.TxStore, s Settings, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:        store,
		Transactions: ledger.NewTransactionService(store, s.Rules, s.Settlement, s.Calendar, logger),
		Earnings:     ledger.NewEarningsLedger(store, s.Calendar),
		Biller:       ledger.NewBiller(store, s.Rules, s.Calendar, logger),
		Tontines:     tontine.NewService(store, s.Rules, logger),
		Factory:      factory.NewTontineFactory(nil),
		Calendar:     s.Calendar,
		Logger:       logger.With("module", "api"),
	}
}

// SetClock pins the clock of every service. Scenarios and tests use it.
func (h *Handler) SetClock(c ledger.Clock) {
	h.Transactions.Clock = c
	h.Earnings.Clock = c
	h.Biller.Clock = c
	h.Tontines.Clock = c
}

func (h *Handler) now() time.Time {
	if h.Transactions.Clock == nil {
		return time.Now().UTC()
	}
	return h.Transactions.Clock.Now()
}

// Health reports liveness and, when the store supports it, database reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.Logger.ErrorContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// TONTINE HANDLERS
// =============================================================================

// ListTontines returns tontines matching the query filters.
// GET /api/tontines
func (h *Handler) ListTontines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TontineFilter{
		TontinierID: ledger.TontinierID(q.Get("tontinier_id")),
		Status:      ledger.TontineStatus(q.Get("status")),
		Query:       q.Get("q"),
	}
	if f.Status != "" && !f.Status.Valid() {
		h.writeError(w, r, ledger.NewValidationError("status", "unknown status %q", f.Status))
		return
	}

	ts, err := h.Tontines.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]TontineDTO, 0, len(ts))
	for _, t := range ts {
		dtos = append(dtos, h.toTontineDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTontine creates a tontine from a JSON definition (factory.TontineJSON).
// The tontinier defaults to the actor.
// POST /api/tontines
func (h *Handler) CreateTontine(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	in, err := h.Factory.Parse(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	actor := actorID(r)
	if in.TontinierID == "" {
		in.TontinierID = ledger.TontinierID(actor)
	}
	if err := authorizeTontinier(actor, in.TontinierID); err != nil {
		h.writeError(w, r, err)
		return
	}

	t, err := h.Tontines.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toTontineDTO(*t))
}

// IdentifierAvailable tells whether an identifier is free.
// GET /api/tontines/identifier-available?identifier=X
func (h *Handler) IdentifierAvailable(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	ok, err := h.Tontines.IdentifierAvailable(r.Context(), identifier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identifier": identifier, "available": ok})
}

func (h *Handler) GetTontineByIdentifier(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tontines.GetByIdentifier(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTontineDTO(*t))
}

// GetTontine returns a tontine with its totals.
// GET /api/tontines/{id}
func (h *Handler) GetTontine(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tontines.Get(r.Context(), tontineParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTontineDTO(*t))
}

// UpdateTontine changes descriptive fields.
// PATCH /api/tontines/{id}
func (h *Handler) UpdateTontine(w http.ResponseWriter, r *http.Request) {
	var req UpdateTontineRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in := tontine.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		CycleDays:   req.CycleDays,
		Mise:        req.Mise,
	}
	if req.EndDate != nil {
		end, err := parseCalendarDate("end_date", *req.EndDate)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		in.EndDate = &end
	}

	t, err := h.Tontines.Update(r.Context(), tontineParam(r), in, actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTontineDTO(*t))
}

// ChangeIdentifier renames the public identifier and records the change.
// PUT /api/tontines/{id}/identifier
func (h *Handler) ChangeIdentifier(w http.ResponseWriter, r *http.Request) {
	var req ChangeIdentifierRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.Tontines.ChangeIdentifier(r.Context(), tontineParam(r), req.Identifier, actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTontineDTO(*t))
}

// IdentifierHistory lists identifier changes, newest first.
// GET /api/tontines/{id}/identifier-history
func (h *Handler) IdentifierHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := h.Tontines.History(r.Context(), tontineParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]IdentifierChangeDTO, 0, len(changes))
	for _, c := range changes {
		dtos = append(dtos, IdentifierChangeDTO{
			OldIdentifier: c.OldIdentifier,
			NewIdentifier: c.NewIdentifier,
			ChangedAt:     c.ChangedAt,
			ChangedBy:     c.ChangedBy,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetTontineStatus moves the tontine through its lifecycle.
// PUT /api/tontines/{id}/status
func (h *Handler) SetTontineStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.Tontines.SetStatus(r.Context(), tontineParam(r), ledger.TontineStatus(req.Status), actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toTontineDTO(*t))
}

// SettleReservedFees collects uncollected reserved fees into earnings.
// POST /api/tontines/{id}/settle
func (h *Handler) SettleReservedFees(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.Transactions.SettleReservedFees(r.Context(), tontineParam(r), ledger.ClientID(req.ClientID), actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// PARTICIPANT HANDLERS
// =============================================================================

func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Tontines.Participants(r.Context(), tontineParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]ParticipationDTO, 0, len(ps))
	for _, p := range ps {
		dtos = append(dtos, toParticipationDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddParticipant enrolls a client.
// POST /api/tontines/{id}/participants
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req AddParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Tontines.AddClient(r.Context(), tontineParam(r), ledger.ClientID(req.ClientID), actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipationDTO(*p))
}

func (h *Handler) SuspendParticipant(w http.ResponseWriter, r *http.Request) {
	h.changeParticipation(w, r, h.Tontines.SuspendClient)
}

func (h *Handler) ReactivateParticipant(w http.ResponseWriter, r *http.Request) {
	h.changeParticipation(w, r, h.Tontines.ReactivateClient)
}

func (h *Handler) WithdrawParticipant(w http.ResponseWriter, r *http.Request) {
	h.changeParticipation(w, r, h.Tontines.WithdrawClient)
}

type participationChange func(ctx context.Context, id ledger.TontineID, clientID ledger.ClientID, actor string) (*ledger.Participation, error)

func (h *Handler) changeParticipation(w http.ResponseWriter, r *http.Request, change participationChange) {
	p, err := change(r.Context(), tontineParam(r), clientParam(r), actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTO(*p))
}

// GetNetAvailable returns what the client can withdraw right now.
// GET /api/tontines/{id}/participants/{clientID}/net-available
func (h *Handler) GetNetAvailable(w http.ResponseWriter, r *http.Request) {
	id, client := tontineParam(r), clientParam(r)
	net, err := h.Transactions.NetAvailable(r.Context(), id, client)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NetAvailableDTO{
		TontineID:    string(id),
		ClientID:     string(client),
		NetAvailable: net,
		Currency:     ledger.DefaultCurrency,
	})
}

// ListReservedFees lists the reserved fees of a participation.
// GET /api/tontines/{id}/participants/{clientID}/reserved-fees?uncollected=true
func (h *Handler) ListReservedFees(w http.ResponseWriter, r *http.Request) {
	onlyUncollected, err := queryBool(r, "uncollected")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fees, err := h.Transactions.ReservedFees(r.Context(), tontineParam(r), clientParam(r), onlyUncollected)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]ReservedFeeDTO, 0, len(fees))
	for _, f := range fees {
		dtos = append(dtos, toReservedFeeDTO(f))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ClientTontines lists a client's tontines with their participation.
// GET /api/clients/{clientID}/tontines
func (h *Handler) ClientTontines(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Tontines.ClientTontines(r.Context(), clientParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]MembershipDTO, 0, len(ms))
	for _, m := range ms {
		dtos = append(dtos, h.toMembershipDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns a page of transactions, newest first.
// GET /api/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TransactionFilter{
		TontinierID: ledger.TontinierID(q.Get("tontinier_id")),
		TontineID:   ledger.TontineID(q.Get("tontine_id")),
		ClientID:    ledger.ClientID(q.Get("client_id")),
		Type:        ledger.TransactionType(q.Get("type")),
		Status:      ledger.TransactionStatus(q.Get("status")),
	}
	if f.Type != "" && !f.Type.Valid() {
		h.writeError(w, r, ledger.NewValidationError("type", "unknown transaction type %q", f.Type))
		return
	}
	var err error
	if f.From, err = h.queryInstant(r, "from"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if f.To, err = h.queryInstant(r, "to"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if f.Limit, f.Offset, err = queryPage(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	txs, total, err := h.Transactions.ListTransactions(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{
		Transactions: toTransactionDTOs(txs),
		Total:        total,
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
}

// CreateTransaction submits a deposit or a withdrawal. Cash deposits recorded
// by the tontinier come back validated.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	actor := actorID(r)
	if req.ClientID == "" {
		req.ClientID = actor
	}

	res, err := h.Transactions.CreateTransaction(r.Context(), ledger.CreateInput{
		Type:          ledger.TransactionType(req.Type),
		TontineID:     ledger.TontineID(req.TontineID),
		ClientID:      ledger.ClientID(req.ClientID),
		Amount:        req.Amount,
		PaymentMethod: ledger.PaymentMethod(req.PaymentMethod),
		ProofRef:      req.ProofRef,
		Notes:         req.Notes,
		ActorID:       actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toValidationResultDTO(res))
}

// PreviewTransaction shows the effect of a proposed transaction.
// POST /api/transactions/preview
func (h *Handler) PreviewTransaction(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ClientID == "" {
		req.ClientID = actorID(r)
	}
	sum, err := h.Transactions.Preview(r.Context(), ledger.TontineID(req.TontineID), ledger.ClientID(req.ClientID), req.Amount, ledger.TransactionType(req.Type))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListPendingTransactions is the tontinier's validation queue, oldest first.
// GET /api/transactions/pending?tontinier_id=X (defaults to the actor)
func (h *Handler) ListPendingTransactions(w http.ResponseWriter, r *http.Request) {
	tontinierID := r.URL.Query().Get("tontinier_id")
	if tontinierID == "" {
		tontinierID = actorID(r)
	}
	if tontinierID == "" {
		h.writeError(w, r, ledger.NewValidationError("tontinier_id", "is required"))
		return
	}
	txs, err := h.Transactions.ListPending(r.Context(), ledger.TontinierID(tontinierID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Transactions.GetTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// ValidateTransaction applies a pending transaction to the ledger.
// POST /api/transactions/{id}/validate
func (h *Handler) ValidateTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.Transactions.ValidateTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")), actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationResultDTO(res))
}

// RejectTransaction refuses a pending transaction with a reason.
// POST /api/transactions/{id}/reject
func (h *Handler) RejectTransaction(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.Transactions.RejectTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")), actorID(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// CancelTransaction withdraws a pending request.
// POST /api/transactions/{id}/cancel
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Transactions.CancelTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")), actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// =============================================================================
// EARNINGS HANDLERS
// =============================================================================

func (h *Handler) EarningsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Earnings.Summary(r.Context(), tontinierParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) EarningsByTontine(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Earnings.ByTontine(r.Context(), tontinierParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (h *Handler) EarningsByClient(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Earnings.ByClient(r.Context(), tontinierParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// EarningsByPeriod buckets earnings by day, week, month or year.
// GET /api/tontiniers/{id}/earnings/by-period?bucket=month&from=&to=&tz=
func (h *Handler) EarningsByPeriod(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := ledger.PeriodQuery{
		TontinierID: tontinierParam(r),
		Bucket:      ledger.Bucket(q.Get("bucket")),
	}
	if query.Bucket == "" {
		query.Bucket = ledger.BucketMonth
	}
	if tz := q.Get("tz"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			h.writeError(w, r, ledger.NewValidationError("tz", "unknown timezone %q", tz))
			return
		}
		query.Location = loc
	}
	var err error
	if query.From, err = h.queryInstant(r, "from"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if query.To, err = h.queryInstant(r, "to"); err != nil {
		h.writeError(w, r, err)
		return
	}

	rows, err := h.Earnings.ByPeriod(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// EarningsHistory pages through earnings, newest first.
// GET /api/tontiniers/{id}/earnings/history?limit=&offset=
func (h *Handler) EarningsHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := queryPage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	earnings, total, err := h.Earnings.History(r.Context(), tontinierParam(r), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]EarningDTO, 0, len(earnings))
	for _, e := range earnings {
		dtos = append(dtos, toEarningDTO(e))
	}
	writeJSON(w, http.StatusOK, EarningsHistoryResponse{Earnings: dtos, Total: total, Limit: limit, Offset: offset})
}

// CreateAdjustment appends a compensating earning.
// POST /api/tontiniers/{id}/earnings/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	tontinierID := tontinierParam(r)
	if err := authorizeTontinier(actorID(r), tontinierID); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.Earnings.RecordAdjustment(r.Context(), tontinierID, ledger.EarningID(req.EarningID), req.Amount, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEarningDTO(*e))
}

// =============================================================================
// SUBSCRIPTION HANDLERS
// =============================================================================

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Store.ListSubscriptions(r.Context(), tontinierParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]SubscriptionDTO, 0, len(subs))
	for _, s := range subs {
		dtos = append(dtos, h.toSubscriptionDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Subscribe opens a monthly subscription for the tontinier.
// POST /api/tontiniers/{id}/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	tontinierID := tontinierParam(r)
	if err := authorizeTontinier(actorID(r), tontinierID); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in := ledger.SubscribeInput{TontinierID: tontinierID, MonthlyAmount: req.MonthlyAmount}
	if req.StartDate != "" {
		start, err := h.parseInstant("start_date", req.StartDate)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		in.StartDate = start
	}
	if req.EndDate != "" {
		end, err := h.parseInstant("end_date", req.EndDate)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		in.EndDate = &end
	}

	sub, err := h.Biller.Subscribe(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toSubscriptionDTO(*sub))
}

// RunBilling bills subscriptions for a month. System actor only.
// POST /api/billing/run
func (h *Handler) RunBilling(w http.ResponseWriter, r *http.Request) {
	if actorID(r) != ledger.SystemActor {
		h.writeError(w, r, forbidden("only the system actor may run billing"))
		return
	}
	var req BillingRunRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	at := h.now()
	if req.Month != "" {
		m, err := h.Calendar.ParseMonth(req.Month)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		at = m
	}
	report, err := h.Biller.Run(r.Context(), at)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListPresets returns the ready-made tontine configurations.
// GET /api/presets
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tontine.Presets)
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func tontineParam(r *http.Request) ledger.TontineID {
	return ledger.TontineID(chi.URLParam(r, "id"))
}

func clientParam(r *http.Request) ledger.ClientID {
	return ledger.ClientID(chi.URLParam(r, "clientID"))
}

func tontinierParam(r *http.Request) ledger.TontinierID {
	return ledger.TontinierID(chi.URLParam(r, "tontinierID"))
}

// authorizeTontinier lets a tontinier act on its own records, and the
// system actor on anyone's.
func authorizeTontinier(actor string, tontinierID ledger.TontinierID) error {
	if actor == "" {
		return ledger.NewValidationError("actor", "%s header is required", ActorHeader)
	}
	if actor != string(tontinierID) && actor != ledger.SystemActor {
		return forbidden("%s may not act for tontinier %s", actor, tontinierID)
	}
	return nil
}

func queryPage(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 1 || limit > maxPageSize {
			return 0, 0, ledger.NewValidationError("limit", "must be between 1 and %d", maxPageSize)
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, ledger.NewValidationError("offset", "must not be negative")
		}
	}
	return limit, offset, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, ledger.NewValidationError(key, "want true or false, got %q", s)
	}
	return b, nil
}

func (h *Handler) queryInstant(r *http.Request, key string) (*time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := h.parseInstant(key, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseInstant reads an RFC 3339 timestamp, or a date meaning local
// midnight in the reporting timezone.
func (h *Handler) parseInstant(field, s string) (time.Time, error) {
	if t, err := time.ParseInLocation(dateLayout, s, h.location()); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, ledger.NewValidationError(field, "invalid date %q, expected YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}

// parseCalendarDate reads a tontine date, stored as midnight UTC.
func parseCalendarDate(field, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, ledger.NewValidationError(field, "invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func (h *Handler) location() *time.Location {
	if h.Calendar.Location == nil {
		return time.UTC
	}
	return h.Calendar.Location
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
