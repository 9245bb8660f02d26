/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos and dashboard development. Every scenario goes through
	the same services as the API, so the seeded totals, fees and earnings
	are exactly what real traffic would produce.

AVAILABLE SCENARIOS:

	classic-market:   Classic tontine, 31 daily mises complete one fee block
	flexible-savings: Flexible savings, one fee at the 200 floor, one at 5%
	term-savings:     Term tontine still locked, with a pending withdrawal queue
	subscriptions:    Tontinier on a monthly subscription, current month billed

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create the tontine from a preset JSON definition via the factory
 3. Enroll clients
 4. Submit deposits and withdrawals through the transaction service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "classic-market"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - tontine/presets.go: Tontine presets used by the loaders
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/tontine"
)

// DemoTontinier owns every tontine created by the scenarios.
const DemoTontinier = ledger.TontinierID("tn-demo")

// Resetter is implemented by stores that can be emptied.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "classic-market",
		Name:        "Classic Market Tontine",
		Description: "Daily 1000 XOF mise; 31 deposits complete the first fee block",
	},
	{
		ID:          "flexible-savings",
		Name:        "Flexible Savings",
		Description: "Free amounts; 3000 pays the 200 floor, 10000 pays 5%",
	},
	{
		ID:          "term-savings",
		Name:        "Term Savings",
		Description: "Six month term still locked; deposits pending validation",
	},
	{
		ID:          "subscriptions",
		Name:        "Tontinier Subscription",
		Description: "Monthly 2000 XOF subscription billed for the current month",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context) error

var scenarioLoaders = map[string]scenarioLoader{
	"classic-market":   (*Handler).loadClassicMarketScenario,
	"flexible-savings": (*Handler).loadFlexibleSavingsScenario,
	"term-savings":     (*Handler).loadTermSavingsScenario,
	"subscriptions":    (*Handler).loadSubscriptionsScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Load(r.Context(), req.ScenarioID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase empties the store.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Load resets the store and runs the named scenario loader.
func (h *Handler) Load(ctx context.Context, scenarioID string) error {
	load, ok := scenarioLoaders[scenarioID]
	if !ok {
		return ledger.NewValidationError("scenario_id", "unknown scenario %q", scenarioID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(ctx); err != nil {
		return err
	}
	if err := load(h, ctx); err != nil {
		return fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}
	h.currentScenario = scenarioID
	h.Logger.InfoContext(ctx, "scenario loaded", "scenario", scenarioID)
	return nil
}

// reset expects h.mu to be held.
func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadClassicMarketScenario(ctx context.Context) error {
	today := h.today()
	t, err := h.createFromPreset(ctx, "classic-daily", "MARCHE-ADJAME", today.AddDate(0, -2, 0), 1000)
	if err != nil {
		return err
	}
	if err := h.enroll(ctx, t, "client-awa", "client-koffi"); err != nil {
		return err
	}

	// Awa: 31 cash mises complete one block, the tontinier earns one mise.
	for i := 0; i < 31; i++ {
		if err := h.deposit(ctx, t, "client-awa", 1000, ledger.PaymentCash, ""); err != nil {
			return err
		}
	}
	// Koffi: ten mises, then a mobile money deposit waiting for validation.
	if err := h.deposit(ctx, t, "client-koffi", 10000, ledger.PaymentCash, ""); err != nil {
		return err
	}
	return h.deposit(ctx, t, "client-koffi", 2000, ledger.PaymentMobileMoney, "OM-483920")
}

func (h *Handler) loadFlexibleSavingsScenario(ctx context.Context) error {
	t, err := h.createFromPreset(ctx, "flexible-savings", "EPARGNE-LIBRE", h.today().AddDate(0, -1, 0), 0)
	if err != nil {
		return err
	}
	if err := h.enroll(ctx, t, "client-fatou"); err != nil {
		return err
	}
	if err := h.deposit(ctx, t, "client-fatou", 3000, ledger.PaymentCash, ""); err != nil {
		return err
	}
	if err := h.deposit(ctx, t, "client-fatou", 10000, ledger.PaymentCash, ""); err != nil {
		return err
	}
	// 13000 deposited, 700 fees: 12300 withdrawable, 5000 requested.
	return h.withdraw(ctx, t, "client-fatou", 5000)
}

func (h *Handler) loadTermSavingsScenario(ctx context.Context) error {
	t, err := h.createFromPreset(ctx, "term-6-months", "TERME-2025", h.today().AddDate(0, -3, 0), 1000)
	if err != nil {
		return err
	}
	if err := h.enroll(ctx, t, "client-yao", "client-mariam"); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := h.deposit(ctx, t, "client-yao", 5000, ledger.PaymentCash, ""); err != nil {
			return err
		}
	}
	return h.deposit(ctx, t, "client-mariam", 3000, ledger.PaymentMobileMoney, "MOMO-771204")
}

func (h *Handler) loadSubscriptionsScenario(ctx context.Context) error {
	if _, err := h.createFromPreset(ctx, "classic-weekly", "HEBDO-COCODY", h.today().AddDate(0, -1, 0), 2000); err != nil {
		return err
	}
	if _, err := h.Biller.Subscribe(ctx, ledger.SubscribeInput{
		TontinierID:   DemoTontinier,
		MonthlyAmount: 2000,
		StartDate:     h.Calendar.MonthStart(h.now()).UTC(),
	}); err != nil {
		return err
	}
	_, err := h.Biller.Run(ctx, h.now())
	return err
}

// =============================================================================
// LOADER HELPERS
// =============================================================================

// today is midnight UTC of the current reporting day, the way tontine
// dates are stored.
func (h *Handler) today() time.Time {
	d := h.Calendar.Day(h.now())
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (h *Handler) createFromPreset(ctx context.Context, key, identifier string, start time.Time, mise ledger.Money) (*ledger.Tontine, error) {
	p, ok := tontine.PresetByKey(key)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", key)
	}
	in, err := h.Factory.Parse(p.JSON(DemoTontinier, start))
	if err != nil {
		return nil, err
	}
	in.Identifier = identifier
	if mise > 0 {
		in.Mise = mise
	}
	return h.Tontines.Create(ctx, in)
}

func (h *Handler) enroll(ctx context.Context, t *ledger.Tontine, clients ...ledger.ClientID) error {
	for _, c := range clients {
		if _, err := h.Tontines.AddClient(ctx, t.ID, c, string(DemoTontinier)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) deposit(ctx context.Context, t *ledger.Tontine, client ledger.ClientID, amount ledger.Money, method ledger.PaymentMethod, proof string) error {
	actor := string(DemoTontinier)
	if method == ledger.PaymentMobileMoney {
		actor = string(client)
	}
	_, err := h.Transactions.CreateTransaction(ctx, ledger.CreateInput{
		Type:          ledger.TxDeposit,
		TontineID:     t.ID,
		ClientID:      client,
		Amount:        amount,
		PaymentMethod: method,
		ProofRef:      proof,
		ActorID:       actor,
	})
	return err
}

func (h *Handler) withdraw(ctx context.Context, t *ledger.Tontine, client ledger.ClientID, amount ledger.Money) error {
	_, err := h.Transactions.CreateTransaction(ctx, ledger.CreateInput{
		Type:      ledger.TxWithdrawal,
		TontineID: t.ID,
		ClientID:  client,
		Amount:    amount,
		ActorID:   string(client),
	})
	return err
}
