/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Tontine lifecycle endpoints and ownership checks
- Deposits, withdrawals and the transaction state machine over HTTP
- Error to status mapping (400, 403, 404, 409, 422)
- Earnings reports, subscriptions and billing
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t      *testing.T
	h      *Handler
	router http.Handler
	now    time.Time
}

func newTestServer(t *testing.T, settlement ledger.SettlementPolicy) *testServer {
	t.Helper()
	s := &testServer{t: t, now: time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)}
	s.h = NewHandler(store.NewMemory(), Settings{
		Rules:      ledger.DefaultFeeRules(),
		Settlement: settlement,
		Calendar:   ledger.UTCCalendar(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.h.SetClock(ledger.ClockFunc(func() time.Time { return s.now }))
	s.router = NewRouter(s.h, nil)
	return s
}

func (s *testServer) do(method, path, actor string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// createTontine posts a definition as tn-1 and returns the created tontine.
func (s *testServer) createTontine(def string) TontineDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/tontines", "tn-1", def)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[TontineDTO](s.t, rec)
}

func (s *testServer) join(tontineID, clientID string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/tontines/"+tontineID+"/participants", "tn-1", AddParticipantRequest{ClientID: clientID})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) deposit(tontineID, clientID string, amount ledger.Money, method ledger.PaymentMethod) *httptest.ResponseRecorder {
	s.t.Helper()
	req := CreateTransactionRequest{Type: "deposit", TontineID: tontineID, ClientID: clientID, Amount: amount, PaymentMethod: string(method)}
	if method == ledger.PaymentMobileMoney {
		req.ProofRef = "OM-1"
		return s.do(http.MethodPost, "/api/transactions", clientID, req)
	}
	// Cash is counted by the tontinier, who records it for the client.
	return s.do(http.MethodPost, "/api/transactions", "tn-1", req)
}

func (s *testServer) withdraw(tontineID, clientID string, amount ledger.Money) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do(http.MethodPost, "/api/transactions", clientID,
		CreateTransactionRequest{Type: "withdrawal", TontineID: tontineID, Amount: amount})
}

const (
	classicDef  = `{"identifier": "MARCHE-01", "name": "Marché", "type": "classic", "mise": 1000, "cycle_days": 1, "start_date": "2025-01-01"}`
	flexibleDef = `{"identifier": "LIBRE-01", "name": "Libre", "type": "flexible", "cycle_days": 30, "start_date": "2025-01-01"}`
	termDef     = `{"identifier": "TERME-01", "name": "Terme", "type": "term", "mise": 1000, "cycle_days": 30, "start_date": "2025-01-01", "end_date": "2025-12-31"}`
)

// =============================================================================
// TONTINES
// =============================================================================

func TestTontineLifecycle(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)

	// GIVEN: a classic tontine created by tn-1
	tn := s.createTontine(classicDef)
	assert.Equal(t, "MARCHE-01", tn.Identifier)
	assert.Equal(t, "tn-1", tn.TontinierID)
	assert.Equal(t, "active", tn.Status)
	assert.Equal(t, "2025-01-01", tn.StartDate)

	// WHEN: the identifier is changed
	rec := s.do(http.MethodPut, "/api/tontines/"+tn.ID+"/identifier", "tn-1", ChangeIdentifierRequest{Identifier: "MARCHE-02"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the history records it and the old identifier is free again
	rec = s.do(http.MethodGet, "/api/tontines/"+tn.ID+"/identifier-history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeAs[[]IdentifierChangeDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "MARCHE-01", history[0].OldIdentifier)
	assert.Equal(t, "MARCHE-02", history[0].NewIdentifier)
	assert.Equal(t, "tn-1", history[0].ChangedBy)

	rec = s.do(http.MethodGet, "/api/tontines/identifier-available?identifier=MARCHE-01", "", nil)
	assert.Equal(t, true, decodeAs[map[string]any](t, rec)["available"])

	rec = s.do(http.MethodGet, "/api/tontines/by-identifier/MARCHE-02", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tn.ID, decodeAs[TontineDTO](t, rec).ID)

	// Status transitions
	rec = s.do(http.MethodPut, "/api/tontines/"+tn.ID+"/status", "tn-1", StatusRequest{Status: "paused"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decodeAs[TontineDTO](t, rec).Status)

	rec = s.do(http.MethodPut, "/api/tontines/"+tn.ID+"/status", "tn-1", StatusRequest{Status: "draft"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Update
	name := "Marché d'Adjamé"
	rec = s.do(http.MethodPatch, "/api/tontines/"+tn.ID, "tn-1", UpdateTontineRequest{Name: &name})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, name, decodeAs[TontineDTO](t, rec).Name)

	rec = s.do(http.MethodGet, "/api/tontines?tontinier_id=tn-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]TontineDTO](t, rec), 1)
}

func TestCreateTontine_Ownership(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)

	def := `{"name": "X", "type": "classic", "mise": 1000, "cycle_days": 1, "start_date": "2025-01-01", "tontinier_id": "tn-1"}`

	rec := s.do(http.MethodPost, "/api/tontines", "tn-2", def)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, codeForbidden, decodeAs[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/tontines", "", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/tontines", ledger.SystemActor, def)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Regexp(t, `^TON-[0-9A-F]{8}$`, decodeAs[TontineDTO](t, rec).Identifier)
}

func TestTontineMutations_OnlyOwner(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(classicDef)

	rec := s.do(http.MethodPut, "/api/tontines/"+tn.ID+"/status", "tn-2", StatusRequest{Status: "paused"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/tontines/"+tn.ID+"/participants", "client-1", AddParticipantRequest{ClientID: "client-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestParticipants(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(classicDef)
	s.join(tn.ID, "client-1")

	rec := s.do(http.MethodPost, "/api/tontines/"+tn.ID+"/participants", "tn-1", AddParticipantRequest{ClientID: "client-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "enrolled twice")

	rec = s.do(http.MethodPost, "/api/tontines/"+tn.ID+"/participants/client-1/suspend", "tn-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "suspended", decodeAs[ParticipationDTO](t, rec).Status)

	// Suspended clients cannot deposit.
	rec = s.deposit(tn.ID, "client-1", 1000, ledger.PaymentCash)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/tontines/"+tn.ID+"/participants/client-1/reactivate", "tn-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/tontines/"+tn.ID+"/participants", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ps := decodeAs[[]ParticipationDTO](t, rec)
	require.Len(t, ps, 1)
	assert.Equal(t, "active", ps[0].Status)

	rec = s.do(http.MethodGet, "/api/clients/client-1/tontines", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ms := decodeAs[[]MembershipDTO](t, rec)
	require.Len(t, ms, 1)
	assert.Equal(t, "MARCHE-01", ms[0].Tontine.Identifier)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestClassicDeposits_FeeOnBlockBoundary(t *testing.T) {
	// GIVEN: a classic tontine with mise 1000
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(classicDef)
	s.join(tn.ID, "client-1")

	// WHEN: the tontinier records 31 cash deposits of 1000 for the client
	var last ValidationResultDTO
	for i := 1; i <= 31; i++ {
		rec := s.deposit(tn.ID, "client-1", 1000, ledger.PaymentCash)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		last = decodeAs[ValidationResultDTO](t, rec)
		if i < 31 {
			assert.Zero(t, last.Fee, "deposit %d", i)
		}
	}

	// THEN: the 31st deposit charged one mise, recorded as a classic earning
	assert.Equal(t, "validated", last.Transaction.Status)
	assert.Equal(t, ledger.Money(1000), last.Fee)
	require.NotNil(t, last.Earning)
	assert.Equal(t, "mise_classique", last.Earning.Type)
	require.NotNil(t, last.ReservedFee)
	assert.True(t, last.ReservedFee.IsCollected)

	rec := s.do(http.MethodGet, "/api/tontines/"+tn.ID+"/participants/client-1/net-available", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Money(30000), decodeAs[NetAvailableDTO](t, rec).NetAvailable)

	rec = s.do(http.MethodGet, "/api/tontines/"+tn.ID, "", nil)
	got := decodeAs[TontineDTO](t, rec)
	assert.Equal(t, ledger.Money(31000), got.TotalCollected)
	assert.Equal(t, ledger.Money(1000), got.TotalFees)
	assert.Equal(t, ledger.Money(30000), got.Holdings)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeAs[ledger.EarningsSummary](t, rec)
	assert.Equal(t, ledger.Money(1000), sum.Total)
	assert.Equal(t, 1, sum.Count)
}

func TestClassicDeposit_NotMultipleOfMise(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(classicDef)
	s.join(tn.ID, "client-1")

	rec := s.deposit(tn.ID, "client-1", 1500, ledger.PaymentCash)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeValidation, decodeAs[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/transactions", "client-1",
		fmt.Sprintf(`{"type": "deposit", "tontine_id": %q, "amount": 1000.5, "payment_method": "cash"}`, tn.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "fractional amounts are rejected")
}

func TestCashDeposit_OnlyTontinierValidatesAtCreation(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(flexibleDef)
	s.join(tn.ID, "client-1")

	// A client declaring cash waits for the tontinier like any other request.
	rec := s.do(http.MethodPost, "/api/transactions", "client-1",
		CreateTransactionRequest{Type: "deposit", TontineID: tn.ID, Amount: 5000, PaymentMethod: "cash"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeAs[ValidationResultDTO](t, rec).Transaction
	assert.Equal(t, "pending", tx.Status)

	rec = s.do(http.MethodGet, "/api/tontines/"+tn.ID+"/participants/client-1/net-available", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeAs[NetAvailableDTO](t, rec).NetAvailable)

	// Nobody else may record money for the client.
	rec = s.do(http.MethodPost, "/api/transactions", "client-2",
		CreateTransactionRequest{Type: "deposit", TontineID: tn.ID, ClientID: "client-1", Amount: 5000, PaymentMethod: "cash"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/transactions/"+tx.ID+"/validate", "tn-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "validated", decodeAs[ValidationResultDTO](t, rec).Transaction.Status)
}

func TestWithdrawal_ReservedFeesWallOffBalance(t *testing.T) {
	// GIVEN: deferred settlement, a flexible deposit of 5000 reserving a 250 fee
	s := newTestServer(t, ledger.SettleDeferred)
	tn := s.createTontine(flexibleDef)
	s.join(tn.ID, "client-1")

	rec := s.deposit(tn.ID, "client-1", 5000, ledger.PaymentCash)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeAs[ValidationResultDTO](t, rec)
	assert.Equal(t, ledger.Money(250), res.Fee)
	assert.Nil(t, res.Earning)

	// WHEN: the client asks for more than the net available
	rec = s.withdraw(tn.ID, "client-1", 4800)

	// THEN: 422 with the real ceiling
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, codeInsufficientBalance, body.Code)
	require.NotNil(t, body.Available)
	assert.Equal(t, ledger.Money(4750), *body.Available)

	// The exact ceiling is accepted and waits for validation.
	rec = s.withdraw(tn.ID, "client-1", 4750)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decodeAs[ValidationResultDTO](t, rec).Transaction
	assert.Equal(t, "pending", wd.Status)

	rec = s.do(http.MethodGet, "/api/tontines/"+tn.ID+"/participants/client-1/reserved-fees?uncollected=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeAs[[]ReservedFeeDTO](t, rec), 1)

	// Settling moves the fee into earnings without changing the net available.
	rec = s.do(http.MethodPost, "/api/tontines/"+tn.ID+"/settle", "tn-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeAs[ledger.SettlementReport](t, rec)
	assert.Equal(t, 1, report.Collected)
	assert.Equal(t, ledger.Money(250), report.Amount)

	rec = s.do(http.MethodPost, "/api/transactions/"+wd.ID+"/validate", "tn-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "validated", decodeAs[ValidationResultDTO](t, rec).Transaction.Status)

	rec = s.do(http.MethodGet, "/api/tontines/"+tn.ID+"/participants/client-1/net-available", "", nil)
	assert.Equal(t, ledger.Money(0), decodeAs[NetAvailableDTO](t, rec).NetAvailable)
}

func TestWithdrawal_TermLock(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(termDef)
	s.join(tn.ID, "client-1")
	require.Equal(t, http.StatusCreated, s.deposit(tn.ID, "client-1", 5000, ledger.PaymentCash).Code)

	// WHEN: a withdrawal is requested before the end date
	rec := s.withdraw(tn.ID, "client-1", 1000)

	// THEN: 422 with the unlock date, whatever the balance
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, codeTermLocked, body.Code)
	assert.Equal(t, "2025-12-31", body.UnlockDate)

	// After the term the same request succeeds.
	s.now = time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)
	rec = s.withdraw(tn.ID, "client-1", 3000)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestPendingDeposit_ValidateRejectCancel(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(classicDef)
	s.join(tn.ID, "client-1")

	newPending := func() string {
		s.now = s.now.Add(time.Minute)
		rec := s.deposit(tn.ID, "client-1", 2000, ledger.PaymentMobileMoney)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		tx := decodeAs[ValidationResultDTO](t, rec).Transaction
		require.Equal(t, "pending", tx.Status)
		return tx.ID
	}

	first, second, third := newPending(), newPending(), newPending()

	rec := s.do(http.MethodGet, "/api/transactions/pending", "tn-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeAs[[]TransactionDTO](t, rec)
	require.Len(t, pending, 3)
	assert.Equal(t, first, pending[0].ID, "oldest first")

	// Only the tontinier validates.
	rec = s.do(http.MethodPost, "/api/transactions/"+first+"/validate", "client-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/transactions/"+first+"/validate", "tn-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A second validation is a state conflict the caller may retry after refreshing.
	rec = s.do(http.MethodPost, "/api/transactions/"+first+"/validate", "tn-1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decodeAs[ErrorResponse](t, rec)
	assert.True(t, conflict.Retry)
	assert.Equal(t, "validated", conflict.Current)

	// Rejection needs a reason.
	rec = s.do(http.MethodPost, "/api/transactions/"+second+"/reject", "tn-1", RejectRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodPost, "/api/transactions/"+second+"/reject", "tn-1", RejectRequest{Reason: "proof unreadable"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proof unreadable", decodeAs[TransactionDTO](t, rec).RejectionReason)

	// Only the client or the tontinier cancels.
	rec = s.do(http.MethodPost, "/api/transactions/"+third+"/cancel", "client-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(http.MethodPost, "/api/transactions/"+third+"/cancel", "client-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeAs[TransactionDTO](t, rec).Status)

	// Only the validated deposit reached the ledger.
	rec = s.do(http.MethodGet, "/api/tontines/"+tn.ID+"/participants/client-1/net-available", "", nil)
	assert.Equal(t, ledger.Money(2000), decodeAs[NetAvailableDTO](t, rec).NetAvailable)

	rec = s.do(http.MethodGet, "/api/transactions?tontine_id="+tn.ID+"&status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeAs[TransactionListResponse](t, rec).Total)

	rec = s.do(http.MethodGet, "/api/transactions?tontine_id="+tn.ID+"&limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeAs[TransactionListResponse](t, rec)
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Transactions, 2)
}

func TestPreview(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(flexibleDef)
	s.join(tn.ID, "client-1")

	rec := s.do(http.MethodPost, "/api/transactions/preview", "client-1",
		PreviewRequest{Type: "deposit", TontineID: tn.ID, Amount: 3000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decodeAs[ledger.TransactionSummary](t, rec)
	assert.True(t, sum.Allowed)
	assert.Equal(t, ledger.Money(200), sum.TontinierFee)
	assert.Equal(t, ledger.Money(2800), sum.NetAvailableAfter)

	// The preview writes nothing.
	rec = s.do(http.MethodGet, "/api/transactions?tontine_id="+tn.ID, "", nil)
	assert.Equal(t, 0, decodeAs[TransactionListResponse](t, rec).Total)

	rec = s.do(http.MethodPost, "/api/transactions/preview", "client-1",
		PreviewRequest{Type: "withdrawal", TontineID: tn.ID, Amount: 100})
	require.Equal(t, http.StatusOK, rec.Code)
	sum = decodeAs[ledger.TransactionSummary](t, rec)
	assert.False(t, sum.Allowed)
	assert.Equal(t, ledger.BlockInsufficientBalance, sum.BlockReason)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing tontine", http.MethodGet, "/api/tontines/nope", nil, http.StatusNotFound, codeNotFound},
		{"missing transaction", http.MethodGet, "/api/transactions/nope", nil, http.StatusNotFound, codeNotFound},
		{"unknown field", http.MethodPost, "/api/transactions", `{"type": "deposit", "colour": "red"}`, http.StatusBadRequest, codeValidation},
		{"malformed body", http.MethodPost, "/api/transactions", `{"type":`, http.StatusBadRequest, codeValidation},
		{"bad bucket", http.MethodGet, "/api/tontiniers/tn-1/earnings/by-period?bucket=decade", nil, http.StatusBadRequest, codeValidation},
		{"bad limit", http.MethodGet, "/api/transactions?limit=0", nil, http.StatusBadRequest, codeValidation},
		{"bad status filter", http.MethodGet, "/api/tontines?status=sleeping", nil, http.StatusBadRequest, codeValidation},
		{"bad timezone", http.MethodGet, "/api/tontiniers/tn-1/earnings/by-period?tz=Mars/Olympus", nil, http.StatusBadRequest, codeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, "client-1", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeAs[ErrorResponse](t, rec).Code)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)

	rec := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tontine_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/healthz"`)
}

// =============================================================================
// EARNINGS AND SUBSCRIPTIONS
// =============================================================================

func TestEarningsReports(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)
	tn := s.createTontine(flexibleDef)
	s.join(tn.ID, "client-1")
	s.join(tn.ID, "client-2")

	require.Equal(t, http.StatusCreated, s.deposit(tn.ID, "client-1", 3000, ledger.PaymentCash).Code)
	s.now = s.now.AddDate(0, 1, 0)
	require.Equal(t, http.StatusCreated, s.deposit(tn.ID, "client-2", 10000, ledger.PaymentCash).Code)

	rec := s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/by-client", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	byClient := decodeAs[[]ledger.GroupTotal](t, rec)
	require.Len(t, byClient, 2)
	assert.Equal(t, "client-2", byClient[0].Key)
	assert.Equal(t, ledger.Money(500), byClient[0].Total)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/by-tontine", "", nil)
	byTontine := decodeAs[[]ledger.GroupTotal](t, rec)
	require.Len(t, byTontine, 1)
	assert.Equal(t, ledger.Money(700), byTontine[0].Total)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/by-period?bucket=month", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decodeAs[[]ledger.PeriodTotal](t, rec)
	require.Len(t, periods, 2)
	assert.Equal(t, "2025-06", periods[0].Period)
	assert.Equal(t, "2025-07", periods[1].Period)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/by-period?bucket=month&from=2025-07-01", "", nil)
	assert.Len(t, decodeAs[[]ledger.PeriodTotal](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/history?limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeAs[EarningsHistoryResponse](t, rec)
	assert.Equal(t, 2, hist.Total)
	require.Len(t, hist.Earnings, 1)
	assert.Equal(t, ledger.Money(500), hist.Earnings[0].Amount, "newest first")

	// Corrections are compensating entries.
	rec = s.do(http.MethodPost, "/api/tontiniers/tn-1/earnings/adjustments", "client-1",
		AdjustmentRequest{EarningID: hist.Earnings[0].ID, Amount: -500, Reason: "refund"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/tontiniers/tn-1/earnings/adjustments", "tn-1",
		AdjustmentRequest{EarningID: hist.Earnings[0].ID, Amount: -500, Reason: "refund"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decodeAs[EarningDTO](t, rec)
	assert.Equal(t, "adjustment", adj.Type)
	assert.Equal(t, hist.Earnings[0].ID, adj.ReversesID)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/summary", "", nil)
	assert.Equal(t, ledger.Money(200), decodeAs[ledger.EarningsSummary](t, rec).Total)
}

func TestSubscriptionsAndBilling(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)

	rec := s.do(http.MethodPost, "/api/tontiniers/tn-1/subscriptions", "tn-1", SubscribeRequest{MonthlyAmount: 7000})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "outside the subscription range")

	rec = s.do(http.MethodPost, "/api/tontiniers/tn-1/subscriptions", "tn-1",
		SubscribeRequest{MonthlyAmount: 2000, StartDate: "2025-05-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-05-01", decodeAs[SubscriptionDTO](t, rec).StartDate)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/subscriptions", "", nil)
	require.Len(t, decodeAs[[]SubscriptionDTO](t, rec), 1)

	rec = s.do(http.MethodPost, "/api/billing/run", "tn-1", BillingRunRequest{Month: "2025-06"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// GIVEN: billing runs twice for the same month
	rec = s.do(http.MethodPost, "/api/billing/run", ledger.SystemActor, BillingRunRequest{Month: "2025-06"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeAs[ledger.BillingReport](t, rec)
	rec = s.do(http.MethodPost, "/api/billing/run", ledger.SystemActor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeAs[ledger.BillingReport](t, rec)

	// THEN: the month is billed once
	assert.Equal(t, 1, first.Billed)
	assert.Equal(t, "2025-06", second.Month)
	assert.Equal(t, 0, second.Billed)
	assert.Equal(t, 1, second.Skipped)

	rec = s.do(http.MethodGet, "/api/tontiniers/tn-1/earnings/summary", "", nil)
	sum := decodeAs[ledger.EarningsSummary](t, rec)
	assert.Equal(t, ledger.Money(2000), sum.Total)
	assert.Equal(t, ledger.Money(2000), sum.ByType[ledger.EarningSubscription])
}

func TestListPresets(t *testing.T) {
	s := newTestServer(t, ledger.SettleImmediate)

	rec := s.do(http.MethodGet, "/api/presets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	presets := decodeAs[[]map[string]any](t, rec)
	require.NotEmpty(t, presets)
	assert.Equal(t, "classic-daily", presets[0]["key"])
}
