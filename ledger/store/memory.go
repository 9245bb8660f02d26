// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/tontine-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every unit of work behind one mutex, which trivially
// satisfies the per-participation locking contract.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

type pkey struct {
	TontineID ledger.TontineID
	ClientID  ledger.ClientID
}

type state struct {
	tontines       map[ledger.TontineID]ledger.Tontine
	identifiers    map[string]ledger.TontineID
	history        map[ledger.TontineID][]ledger.IdentifierChange
	participations map[pkey]ledger.Participation
	transactions   map[ledger.TransactionID]ledger.Transaction
	reservedFees   map[ledger.ReservedFeeID]ledger.ReservedFee
	earnings       []ledger.Earning
	earningKeys    map[string]bool
	subscriptions  []ledger.Subscription
}

func newState() *state {
	return &state{
		tontines:       make(map[ledger.TontineID]ledger.Tontine),
		identifiers:    make(map[string]ledger.TontineID),
		history:        make(map[ledger.TontineID][]ledger.IdentifierChange),
		participations: make(map[pkey]ledger.Participation),
		transactions:   make(map[ledger.TransactionID]ledger.Transaction),
		reservedFees:   make(map[ledger.ReservedFeeID]ledger.ReservedFee),
		earningKeys:    make(map[string]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = newState()
	return nil
}

func (s *state) clone() *state {
	c := &state{
		tontines:       make(map[ledger.TontineID]ledger.Tontine, len(s.tontines)),
		identifiers:    make(map[string]ledger.TontineID, len(s.identifiers)),
		history:        make(map[ledger.TontineID][]ledger.IdentifierChange, len(s.history)),
		participations: make(map[pkey]ledger.Participation, len(s.participations)),
		transactions:   make(map[ledger.TransactionID]ledger.Transaction, len(s.transactions)),
		reservedFees:   make(map[ledger.ReservedFeeID]ledger.ReservedFee, len(s.reservedFees)),
		earnings:       append([]ledger.Earning(nil), s.earnings...),
		earningKeys:    make(map[string]bool, len(s.earningKeys)),
		subscriptions:  append([]ledger.Subscription(nil), s.subscriptions...),
	}
	for k, v := range s.tontines {
		c.tontines[k] = v
	}
	for k, v := range s.identifiers {
		c.identifiers[k] = v
	}
	for k, v := range s.history {
		c.history[k] = append([]ledger.IdentifierChange(nil), v...)
	}
	for k, v := range s.participations {
		c.participations[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.reservedFees {
		c.reservedFees[k] = v
	}
	for k, v := range s.earningKeys {
		c.earningKeys[k] = v
	}
	return c
}

func (m *Memory) read(fn func(s *state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.s)
}

func (m *Memory) write(fn func(s *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.s)
}

// =============================================================================
// LOCKING WRAPPERS - Memory methods used outside a unit of work
// =============================================================================

func (m *Memory) CreateTontine(ctx context.Context, t ledger.Tontine) error {
	return m.write(func(s *state) error { return s.CreateTontine(ctx, t) })
}

func (m *Memory) GetTontine(ctx context.Context, id ledger.TontineID) (out *ledger.Tontine, err error) {
	err = m.read(func(s *state) error { out, err = s.GetTontine(ctx, id); return err })
	return out, err
}

func (m *Memory) LockTontine(ctx context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	return m.GetTontine(ctx, id)
}

func (m *Memory) GetTontineByIdentifier(ctx context.Context, identifier string) (out *ledger.Tontine, err error) {
	err = m.read(func(s *state) error { out, err = s.GetTontineByIdentifier(ctx, identifier); return err })
	return out, err
}

func (m *Memory) ListTontines(ctx context.Context, f ledger.TontineFilter) (out []ledger.Tontine, err error) {
	err = m.read(func(s *state) error { out, err = s.ListTontines(ctx, f); return err })
	return out, err
}

func (m *Memory) UpdateTontine(ctx context.Context, t ledger.Tontine) error {
	return m.write(func(s *state) error { return s.UpdateTontine(ctx, t) })
}

func (m *Memory) AppendIdentifierChange(ctx context.Context, c ledger.IdentifierChange) error {
	return m.write(func(s *state) error { return s.AppendIdentifierChange(ctx, c) })
}

func (m *Memory) IdentifierHistory(ctx context.Context, id ledger.TontineID) (out []ledger.IdentifierChange, err error) {
	err = m.read(func(s *state) error { out, err = s.IdentifierHistory(ctx, id); return err })
	return out, err
}

func (m *Memory) CreateParticipation(ctx context.Context, p ledger.Participation) error {
	return m.write(func(s *state) error { return s.CreateParticipation(ctx, p) })
}

func (m *Memory) GetParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (out *ledger.Participation, err error) {
	err = m.read(func(s *state) error { out, err = s.GetParticipation(ctx, tontineID, clientID); return err })
	return out, err
}

func (m *Memory) LockParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (*ledger.Participation, error) {
	return m.GetParticipation(ctx, tontineID, clientID)
}

func (m *Memory) ListParticipations(ctx context.Context, tontineID ledger.TontineID) (out []ledger.Participation, err error) {
	err = m.read(func(s *state) error { out, err = s.ListParticipations(ctx, tontineID); return err })
	return out, err
}

func (m *Memory) ListClientParticipations(ctx context.Context, clientID ledger.ClientID) (out []ledger.Participation, err error) {
	err = m.read(func(s *state) error { out, err = s.ListClientParticipations(ctx, clientID); return err })
	return out, err
}

func (m *Memory) SetParticipationStatus(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, status ledger.ParticipationStatus) error {
	return m.write(func(s *state) error { return s.SetParticipationStatus(ctx, tontineID, clientID, status) })
}

func (m *Memory) IncrementTontineCollected(ctx context.Context, id ledger.TontineID, amount ledger.Money) error {
	return m.write(func(s *state) error { return s.IncrementTontineCollected(ctx, id, amount) })
}

func (m *Memory) IncrementTontineWithdrawn(ctx context.Context, id ledger.TontineID, amount ledger.Money) error {
	return m.write(func(s *state) error { return s.IncrementTontineWithdrawn(ctx, id, amount) })
}

func (m *Memory) IncrementTontineFees(ctx context.Context, id ledger.TontineID, amount ledger.Money) error {
	return m.write(func(s *state) error { return s.IncrementTontineFees(ctx, id, amount) })
}

func (m *Memory) IncrementParticipationDeposited(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money, mises int64, at time.Time) error {
	return m.write(func(s *state) error {
		return s.IncrementParticipationDeposited(ctx, tontineID, clientID, amount, mises, at)
	})
}

func (m *Memory) IncrementParticipationWithdrawn(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return m.write(func(s *state) error { return s.IncrementParticipationWithdrawn(ctx, tontineID, clientID, amount) })
}

func (m *Memory) IncrementParticipationFees(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return m.write(func(s *state) error { return s.IncrementParticipationFees(ctx, tontineID, clientID, amount) })
}

func (m *Memory) CreateTransaction(ctx context.Context, tx ledger.Transaction) error {
	return m.write(func(s *state) error { return s.CreateTransaction(ctx, tx) })
}

func (m *Memory) GetTransaction(ctx context.Context, id ledger.TransactionID) (out *ledger.Transaction, err error) {
	err = m.read(func(s *state) error { out, err = s.GetTransaction(ctx, id); return err })
	return out, err
}

func (m *Memory) TransitionTransaction(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus, tr ledger.Transition) error {
	return m.write(func(s *state) error { return s.TransitionTransaction(ctx, id, from, to, tr) })
}

func (m *Memory) ListTransactions(ctx context.Context, f ledger.TransactionFilter) (out []ledger.Transaction, total int, err error) {
	err = m.read(func(s *state) error { out, total, err = s.ListTransactions(ctx, f); return err })
	return out, total, err
}

func (m *Memory) PendingWithdrawalsTotal(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (out ledger.Money, err error) {
	err = m.read(func(s *state) error { out, err = s.PendingWithdrawalsTotal(ctx, tontineID, clientID); return err })
	return out, err
}

func (m *Memory) CreateReservedFee(ctx context.Context, f ledger.ReservedFee) error {
	return m.write(func(s *state) error { return s.CreateReservedFee(ctx, f) })
}

func (m *Memory) ListReservedFees(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, onlyUncollected bool) (out []ledger.ReservedFee, err error) {
	err = m.read(func(s *state) error {
		out, err = s.ListReservedFees(ctx, tontineID, clientID, onlyUncollected)
		return err
	})
	return out, err
}

func (m *Memory) UncollectedReservedTotal(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (out ledger.Money, err error) {
	err = m.read(func(s *state) error { out, err = s.UncollectedReservedTotal(ctx, tontineID, clientID); return err })
	return out, err
}

func (m *Memory) MarkReservedFeeCollected(ctx context.Context, id ledger.ReservedFeeID, at time.Time) error {
	return m.write(func(s *state) error { return s.MarkReservedFeeCollected(ctx, id, at) })
}

func (m *Memory) AppendEarning(ctx context.Context, e ledger.Earning) error {
	return m.write(func(s *state) error { return s.AppendEarning(ctx, e) })
}

func (m *Memory) ListEarnings(ctx context.Context, f ledger.EarningFilter) (out []ledger.Earning, total int, err error) {
	err = m.read(func(s *state) error { out, total, err = s.ListEarnings(ctx, f); return err })
	return out, total, err
}

func (m *Memory) CreateSubscription(ctx context.Context, sub ledger.Subscription) error {
	return m.write(func(s *state) error { return s.CreateSubscription(ctx, sub) })
}

func (m *Memory) ListSubscriptions(ctx context.Context, tontinierID ledger.TontinierID) (out []ledger.Subscription, err error) {
	err = m.read(func(s *state) error { out, err = s.ListSubscriptions(ctx, tontinierID); return err })
	return out, err
}

func (m *Memory) ListActiveSubscriptions(ctx context.Context) (out []ledger.Subscription, err error) {
	err = m.read(func(s *state) error { out, err = s.ListActiveSubscriptions(ctx); return err })
	return out, err
}

// =============================================================================
// STATE - Unlocked ledger.Store, used directly inside WithTx
// =============================================================================

func (s *state) CreateTontine(_ context.Context, t ledger.Tontine) error {
	if _, ok := s.tontines[t.ID]; ok {
		return ledger.NewValidationError("id", "tontine %s already exists", t.ID)
	}
	if _, ok := s.identifiers[t.Identifier]; ok {
		return ledger.NewValidationError("identifier", "identifier %q is already in use", t.Identifier)
	}
	s.tontines[t.ID] = t
	s.identifiers[t.Identifier] = t.ID
	return nil
}

func (s *state) GetTontine(_ context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	t, ok := s.tontines[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "tontine", Key: string(id)}
	}
	return &t, nil
}

// LockTontine needs no extra lock: the unit already holds the store mutex.
func (s *state) LockTontine(ctx context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	return s.GetTontine(ctx, id)
}

func (s *state) GetTontineByIdentifier(ctx context.Context, identifier string) (*ledger.Tontine, error) {
	id, ok := s.identifiers[identifier]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "tontine", Key: identifier}
	}
	return s.GetTontine(ctx, id)
}

func (s *state) ListTontines(_ context.Context, f ledger.TontineFilter) ([]ledger.Tontine, error) {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	var out []ledger.Tontine
	for _, t := range s.tontines {
		if f.TontinierID != "" && t.TontinierID != f.TontinierID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(t.Name), q) && !strings.Contains(strings.ToLower(t.Identifier), q) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) UpdateTontine(_ context.Context, t ledger.Tontine) error {
	cur, ok := s.tontines[t.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "tontine", Key: string(t.ID)}
	}
	if t.Identifier != cur.Identifier {
		if _, taken := s.identifiers[t.Identifier]; taken {
			return ledger.NewValidationError("identifier", "identifier %q is already in use", t.Identifier)
		}
		delete(s.identifiers, cur.Identifier)
		s.identifiers[t.Identifier] = t.ID
	}
	t.TotalCollected = cur.TotalCollected
	t.TotalWithdrawn = cur.TotalWithdrawn
	t.TotalFees = cur.TotalFees
	t.CreatedAt = cur.CreatedAt
	s.tontines[t.ID] = t
	return nil
}

func (s *state) AppendIdentifierChange(_ context.Context, c ledger.IdentifierChange) error {
	if _, ok := s.tontines[c.TontineID]; !ok {
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(c.TontineID)}
	}
	s.history[c.TontineID] = append(s.history[c.TontineID], c)
	return nil
}

func (s *state) IdentifierHistory(_ context.Context, id ledger.TontineID) ([]ledger.IdentifierChange, error) {
	h := s.history[id]
	out := make([]ledger.IdentifierChange, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (s *state) CreateParticipation(_ context.Context, p ledger.Participation) error {
	if _, ok := s.tontines[p.TontineID]; !ok {
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(p.TontineID)}
	}
	k := pkey{p.TontineID, p.ClientID}
	if _, ok := s.participations[k]; ok {
		return ledger.NewValidationError("client_id", "client %s already participates in tontine %s", p.ClientID, p.TontineID)
	}
	s.participations[k] = p
	return nil
}

func (s *state) GetParticipation(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (*ledger.Participation, error) {
	p, ok := s.participations[pkey{tontineID, clientID}]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)}
	}
	return &p, nil
}

// LockParticipation needs no extra lock: the unit already holds the store mutex.
func (s *state) LockParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (*ledger.Participation, error) {
	return s.GetParticipation(ctx, tontineID, clientID)
}

func (s *state) ListParticipations(_ context.Context, tontineID ledger.TontineID) ([]ledger.Participation, error) {
	return s.participationsWhere(func(p ledger.Participation) bool { return p.TontineID == tontineID }), nil
}

func (s *state) ListClientParticipations(_ context.Context, clientID ledger.ClientID) ([]ledger.Participation, error) {
	return s.participationsWhere(func(p ledger.Participation) bool { return p.ClientID == clientID }), nil
}

func (s *state) participationsWhere(keep func(ledger.Participation) bool) []ledger.Participation {
	var out []ledger.Participation
	for _, p := range s.participations {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) SetParticipationStatus(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, status ledger.ParticipationStatus) error {
	k := pkey{tontineID, clientID}
	p, ok := s.participations[k]
	if !ok {
		return &ledger.NotFoundError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)}
	}
	p.Status = status
	s.participations[k] = p
	return nil
}

// ─── Ledger increments ──────────────────────────────────────────────────────

func (s *state) updateTontine(id ledger.TontineID, fn func(*ledger.Tontine)) error {
	t, ok := s.tontines[id]
	if !ok {
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(id)}
	}
	fn(&t)
	s.tontines[id] = t
	return nil
}

func (s *state) updateParticipation(tontineID ledger.TontineID, clientID ledger.ClientID, fn func(*ledger.Participation)) error {
	k := pkey{tontineID, clientID}
	p, ok := s.participations[k]
	if !ok {
		return &ledger.ReferentialIntegrityError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)}
	}
	fn(&p)
	s.participations[k] = p
	return nil
}

func (s *state) IncrementTontineCollected(_ context.Context, id ledger.TontineID, amount ledger.Money) error {
	return s.updateTontine(id, func(t *ledger.Tontine) { t.TotalCollected += amount })
}

func (s *state) IncrementTontineWithdrawn(_ context.Context, id ledger.TontineID, amount ledger.Money) error {
	return s.updateTontine(id, func(t *ledger.Tontine) { t.TotalWithdrawn += amount })
}

func (s *state) IncrementTontineFees(_ context.Context, id ledger.TontineID, amount ledger.Money) error {
	return s.updateTontine(id, func(t *ledger.Tontine) { t.TotalFees += amount })
}

func (s *state) IncrementParticipationDeposited(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money, mises int64, at time.Time) error {
	return s.updateParticipation(tontineID, clientID, func(p *ledger.Participation) {
		p.TotalDeposited += amount
		p.MisesCount += mises
		p.LastDepositAt = &at
	})
}

func (s *state) IncrementParticipationWithdrawn(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return s.updateParticipation(tontineID, clientID, func(p *ledger.Participation) { p.TotalWithdrawn += amount })
}

func (s *state) IncrementParticipationFees(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return s.updateParticipation(tontineID, clientID, func(p *ledger.Participation) { p.TotalFees += amount })
}

// ─── Transactions ───────────────────────────────────────────────────────────

func (s *state) CreateTransaction(_ context.Context, tx ledger.Transaction) error {
	if _, ok := s.transactions[tx.ID]; ok {
		return ledger.NewValidationError("id", "transaction %s already exists", tx.ID)
	}
	if _, ok := s.participations[pkey{tx.TontineID, tx.ClientID}]; !ok {
		return &ledger.ReferentialIntegrityError{Entity: "participation", Key: string(tx.TontineID) + "/" + string(tx.ClientID)}
	}
	s.transactions[tx.ID] = tx
	return nil
}

func (s *state) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "transaction", Key: string(id)}
	}
	return &tx, nil
}

func (s *state) TransitionTransaction(_ context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus, tr ledger.Transition) error {
	tx, ok := s.transactions[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "transaction", Key: string(id)}
	}
	if tx.Status != from {
		return &ledger.StateConflictError{TransactionID: id, Current: tx.Status}
	}
	applyTransition(&tx, to, tr)
	s.transactions[id] = tx
	return nil
}

// applyTransition writes the audit fields of a status change.
func applyTransition(tx *ledger.Transaction, to ledger.TransactionStatus, tr ledger.Transition) {
	tx.Status = to
	tx.UpdatedAt = tr.At
	switch to {
	case ledger.TxValidated:
		at := tr.At
		tx.ValidatedAt = &at
		tx.ValidatedBy = tr.By
	case ledger.TxRejected:
		tx.ValidatedBy = tr.By
		tx.RejectionReason = tr.Reason
	}
}

func (s *state) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	var out []ledger.Transaction
	for _, tx := range s.transactions {
		if f.TontinierID != "" && tx.TontinierID != f.TontinierID {
			continue
		}
		if f.TontineID != "" && tx.TontineID != f.TontineID {
			continue
		}
		if f.ClientID != "" && tx.ClientID != f.ClientID {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if f.From != nil && tx.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !tx.CreatedAt.Before(*f.To) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

func (s *state) PendingWithdrawalsTotal(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (ledger.Money, error) {
	var total ledger.Money
	for _, tx := range s.transactions {
		if tx.TontineID == tontineID && tx.ClientID == clientID && tx.Type == ledger.TxWithdrawal && tx.Status == ledger.TxPending {
			total += tx.Amount
		}
	}
	return total, nil
}

// ─── Reserved fees ──────────────────────────────────────────────────────────

func (s *state) CreateReservedFee(_ context.Context, f ledger.ReservedFee) error {
	if _, ok := s.reservedFees[f.ID]; ok {
		return ledger.NewValidationError("id", "reserved fee %s already exists", f.ID)
	}
	s.reservedFees[f.ID] = f
	return nil
}

func (s *state) ListReservedFees(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, onlyUncollected bool) ([]ledger.ReservedFee, error) {
	var out []ledger.ReservedFee
	for _, f := range s.reservedFees {
		if f.TontineID != tontineID {
			continue
		}
		if clientID != "" && f.ClientID != clientID {
			continue
		}
		if onlyUncollected && f.IsCollected {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) UncollectedReservedTotal(_ context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (ledger.Money, error) {
	var total ledger.Money
	for _, f := range s.reservedFees {
		if f.TontineID == tontineID && f.ClientID == clientID && !f.IsCollected {
			total += f.Amount
		}
	}
	return total, nil
}

func (s *state) MarkReservedFeeCollected(_ context.Context, id ledger.ReservedFeeID, at time.Time) error {
	f, ok := s.reservedFees[id]
	if !ok {
		return &ledger.NotFoundError{Entity: "reserved fee", Key: string(id)}
	}
	if f.IsCollected {
		return fmt.Errorf("%w: reserved fee %s is already collected", ledger.ErrStateConflict, id)
	}
	f.IsCollected = true
	f.CollectedAt = &at
	s.reservedFees[id] = f
	return nil
}

// ─── Earnings ───────────────────────────────────────────────────────────────

// earningKey returns the idempotency key of an earning, or "" if it has none.
func earningKey(e ledger.Earning) string {
	if e.TransactionID != "" {
		return "tx:" + string(e.TransactionID)
	}
	if e.Type == ledger.EarningSubscription && e.PeriodStart != nil {
		return "sub:" + string(e.TontinierID) + ":" + e.PeriodStart.UTC().Format(time.RFC3339)
	}
	return ""
}

func (s *state) AppendEarning(_ context.Context, e ledger.Earning) error {
	k := earningKey(e)
	if k != "" && s.earningKeys[k] {
		return &ledger.DuplicateEarningError{TransactionID: e.TransactionID, Key: k}
	}
	s.earnings = append(s.earnings, e)
	if k != "" {
		s.earningKeys[k] = true
	}
	return nil
}

func (s *state) ListEarnings(_ context.Context, f ledger.EarningFilter) ([]ledger.Earning, int, error) {
	types := make(map[ledger.EarningType]bool, len(f.Types))
	for _, t := range f.Types {
		types[t] = true
	}
	var out []ledger.Earning
	for i := len(s.earnings) - 1; i >= 0; i-- {
		e := s.earnings[i]
		if f.TontinierID != "" && e.TontinierID != f.TontinierID {
			continue
		}
		if f.TontineID != "" && e.TontineID != f.TontineID {
			continue
		}
		if f.ClientID != "" && e.ClientID != f.ClientID {
			continue
		}
		if len(types) > 0 && !types[e.Type] {
			continue
		}
		if f.From != nil && e.CalculatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !e.CalculatedAt.Before(*f.To) {
			continue
		}
		out = append(out, e)
	}
	// Newest first; ties keep the most recently appended first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CalculatedAt.After(out[j].CalculatedAt) })
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

func (s *state) CreateSubscription(_ context.Context, sub ledger.Subscription) error {
	s.subscriptions = append(s.subscriptions, sub)
	return nil
}

func (s *state) ListSubscriptions(_ context.Context, tontinierID ledger.TontinierID) ([]ledger.Subscription, error) {
	var out []ledger.Subscription
	for _, sub := range s.subscriptions {
		if sub.TontinierID == tontinierID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *state) ListActiveSubscriptions(_ context.Context) ([]ledger.Subscription, error) {
	var out []ledger.Subscription
	for _, sub := range s.subscriptions {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Store   = (*state)(nil)
)
