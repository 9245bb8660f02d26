/*
Package tontine manages the lifecycle of tontines and their participants.

PURPOSE:
  The ledger package owns money movements. This package owns everything
  around them: creating a tontine with a valid identifier, renaming the
  identifier while keeping its history, moving the tontine through its
  statuses, and enrolling, suspending or withdrawing clients.

STATUS TRANSITIONS:
  draft  → active | cancelled
  active → paused | completed | cancelled
  paused → active | completed | cancelled
  completed and cancelled are terminal.

PARTICIPATION TRANSITIONS:
  active    → suspended | withdrawn
  suspended → active | withdrawn
  withdrawn is terminal.

IDENTIFIERS:
  3 to 20 characters from [A-Za-z0-9_-], unique across tontines. When the
  creator leaves it empty one is generated ("TON-" + 8 hex digits).

OWNERSHIP:
  Every mutation takes an actor. Only the owning tontinier or the system
  actor may change a tontine; others get ErrForbidden.

SEE ALSO:
  - presets.go: Ready-made tontine configurations
  - ledger/transaction.go: Deposits and withdrawals
*/
package tontine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/tontine-engine/ledger"
)

const (
	IdentifierMinLength = 3
	IdentifierMaxLength = 20
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateIdentifier checks the identifier format.
func ValidateIdentifier(id string) error {
	switch {
	case len(id) < IdentifierMinLength:
		return ledger.NewValidationError("identifier", "minimum %d characters", IdentifierMinLength)
	case len(id) > IdentifierMaxLength:
		return ledger.NewValidationError("identifier", "maximum %d characters", IdentifierMaxLength)
	case !identifierPattern.MatchString(id):
		return ledger.NewValidationError("identifier", "only letters, digits, '-' and '_' are allowed")
	}
	return nil
}

// GenerateIdentifier returns a fresh identifier in the TON-XXXXXXXX form.
func GenerateIdentifier() string {
	return "TON-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

var statusTransitions = map[ledger.TontineStatus][]ledger.TontineStatus{
	ledger.TontineDraft:  {ledger.TontineActive, ledger.TontineCancelled},
	ledger.TontineActive: {ledger.TontinePaused, ledger.TontineCompleted, ledger.TontineCancelled},
	ledger.TontinePaused: {ledger.TontineActive, ledger.TontineCompleted, ledger.TontineCancelled},
}

// CanTransition reports whether a tontine may move from one status to another.
func CanTransition(from, to ledger.TontineStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var participationTransitions = map[ledger.ParticipationStatus][]ledger.ParticipationStatus{
	ledger.ParticipationActive:    {ledger.ParticipationSuspended, ledger.ParticipationWithdrawn},
	ledger.ParticipationSuspended: {ledger.ParticipationActive, ledger.ParticipationWithdrawn},
}

func canTransitionParticipation(from, to ledger.ParticipationStatus) bool {
	for _, s := range participationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store  ledger.TxStore
	Rules  ledger.FeeRules
	Clock  ledger.Clock
	Logger *slog.Logger
}

func NewService(store ledger.TxStore, rules ledger.FeeRules, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:  store,
		Rules:  rules,
		Clock:  ledger.SystemClock{},
		Logger: logger.With("module", "tontine"),
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// CreateInput describes a new tontine.
type CreateInput struct {
	Identifier  string
	Name        string
	Description string
	Type        ledger.TontineType
	Mise        ledger.Money
	CycleDays   int
	StartDate   time.Time
	EndDate     *time.Time
	TontinierID ledger.TontinierID
	Status      ledger.TontineStatus // defaults to active
}

func (s *Service) checkInput(in CreateInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return ledger.NewValidationError("name", "name is required")
	}
	if in.TontinierID == "" {
		return ledger.NewValidationError("tontinier_id", "tontinier is required")
	}
	if !in.Type.Valid() {
		return ledger.NewValidationError("type", "unknown tontine type %q", in.Type)
	}
	if in.Type.UsesMise() || in.Mise != 0 {
		if in.Mise < s.Rules.MinMise {
			return ledger.NewValidationError("mise", "minimum mise is %d %s", s.Rules.MinMise, ledger.DefaultCurrency)
		}
	}
	if in.CycleDays < 1 {
		return ledger.NewValidationError("cycle_days", "cycle must be at least one day")
	}
	if in.StartDate.IsZero() {
		return ledger.NewValidationError("start_date", "start date is required")
	}
	if in.Type == ledger.TontineTerm && in.EndDate == nil {
		return ledger.NewValidationError("end_date", "end date is required for a term tontine")
	}
	if in.EndDate != nil && !in.EndDate.After(in.StartDate) {
		return ledger.NewValidationError("end_date", "end date must be after the start date")
	}
	if in.Status != "" && in.Status != ledger.TontineDraft && in.Status != ledger.TontineActive {
		return ledger.NewValidationError("status", "a tontine starts as draft or active")
	}
	return nil
}

// Create validates and stores a new tontine.
func (s *Service) Create(ctx context.Context, in CreateInput) (*ledger.Tontine, error) {
	if err := s.checkInput(in); err != nil {
		return nil, err
	}

	generated := in.Identifier == ""
	if !generated {
		if err := ValidateIdentifier(in.Identifier); err != nil {
			return nil, err
		}
	}
	status := in.Status
	if status == "" {
		status = ledger.TontineActive
	}

	now := s.now()
	t := ledger.Tontine{
		ID:          ledger.TontineID(uuid.NewString()),
		Identifier:  in.Identifier,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Type:        in.Type,
		Mise:        in.Mise,
		Currency:    ledger.DefaultCurrency,
		CycleDays:   in.CycleDays,
		StartDate:   in.StartDate.UTC(),
		EndDate:     utc(in.EndDate),
		TontinierID: in.TontinierID,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Generated identifiers can collide; retry a few times before giving up.
	for attempt := 0; ; attempt++ {
		if generated {
			t.Identifier = GenerateIdentifier()
		}
		err := s.Store.CreateTontine(ctx, t)
		if err == nil {
			break
		}
		if !generated || attempt == 4 || !errors.Is(err, ledger.ErrValidation) {
			return nil, err
		}
	}

	s.Logger.Info("tontine created",
		"tontine_id", t.ID,
		"identifier", t.Identifier,
		"type", t.Type,
		"tontinier_id", t.TontinierID,
	)
	return &t, nil
}

// authorize loads the tontine and checks the actor owns it.
func authorize(ctx context.Context, st ledger.Store, id ledger.TontineID, actor string) (*ledger.Tontine, error) {
	t, err := st.GetTontine(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(t, actor); err != nil {
		return nil, err
	}
	return t, nil
}

// authorizeForUpdate is authorize under the tontine row lock, for units
// that rewrite the tontine row. Units that also lock a participation must
// use authorize: ledger units take the participation lock first.
func authorizeForUpdate(ctx context.Context, st ledger.Store, id ledger.TontineID, actor string) (*ledger.Tontine, error) {
	t, err := st.LockTontine(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(t, actor); err != nil {
		return nil, err
	}
	return t, nil
}

func checkOwner(t *ledger.Tontine, actor string) error {
	if actor != string(t.TontinierID) && actor != ledger.SystemActor {
		return fmt.Errorf("%w: %s does not manage tontine %s", ledger.ErrForbidden, actor, t.Identifier)
	}
	return nil
}

// UpdateInput carries the descriptive fields that may change after creation.
// Nil fields are left untouched.
type UpdateInput struct {
	Name        *string
	Description *string
	CycleDays   *int
	Mise        *ledger.Money
	EndDate     *time.Time
}

// Update changes descriptive fields. The mise is frozen once money was
// collected because the fee blocks are counted in mises.
func (s *Service) Update(ctx context.Context, id ledger.TontineID, in UpdateInput, actor string) (*ledger.Tontine, error) {
	var out *ledger.Tontine
	err := s.Store.WithTx(ctx, func(st ledger.Store) error {
		t, err := authorizeForUpdate(ctx, st, id, actor)
		if err != nil {
			return err
		}
		if in.Name != nil {
			if strings.TrimSpace(*in.Name) == "" {
				return ledger.NewValidationError("name", "name is required")
			}
			t.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			t.Description = *in.Description
		}
		if in.CycleDays != nil {
			if *in.CycleDays < 1 {
				return ledger.NewValidationError("cycle_days", "cycle must be at least one day")
			}
			t.CycleDays = *in.CycleDays
		}
		if in.Mise != nil && *in.Mise != t.Mise {
			if t.TotalCollected > 0 {
				return ledger.NewValidationError("mise", "the mise cannot change after deposits were collected")
			}
			if *in.Mise < s.Rules.MinMise {
				return ledger.NewValidationError("mise", "minimum mise is %d %s", s.Rules.MinMise, ledger.DefaultCurrency)
			}
			t.Mise = *in.Mise
		}
		if in.EndDate != nil {
			if !in.EndDate.After(t.StartDate) {
				return ledger.NewValidationError("end_date", "end date must be after the start date")
			}
			t.EndDate = utc(in.EndDate)
		}
		t.UpdatedAt = s.now()
		if err := st.UpdateTontine(ctx, *t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeIdentifier renames the tontine identifier and appends the change
// to its history in the same unit of work.
func (s *Service) ChangeIdentifier(ctx context.Context, id ledger.TontineID, identifier, actor string) (*ledger.Tontine, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return nil, err
	}

	var out *ledger.Tontine
	err := s.Store.WithTx(ctx, func(st ledger.Store) error {
		t, err := authorizeForUpdate(ctx, st, id, actor)
		if err != nil {
			return err
		}
		if t.Identifier == identifier {
			out = t
			return nil
		}
		if other, err := st.GetTontineByIdentifier(ctx, identifier); err == nil && other.ID != t.ID {
			return ledger.NewValidationError("identifier", "identifier %q is already in use", identifier)
		} else if err != nil && !ledger.IsNotFound(err) {
			return err
		}

		now := s.now()
		change := ledger.IdentifierChange{
			TontineID:     t.ID,
			OldIdentifier: t.Identifier,
			NewIdentifier: identifier,
			ChangedAt:     now,
			ChangedBy:     actor,
		}
		t.Identifier = identifier
		t.UpdatedAt = now
		if err := st.UpdateTontine(ctx, *t); err != nil {
			return err
		}
		if err := st.AppendIdentifierChange(ctx, change); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("tontine identifier changed", "tontine_id", id, "identifier", identifier, "actor", actor)
	return out, nil
}

// SetStatus moves the tontine to a new status.
func (s *Service) SetStatus(ctx context.Context, id ledger.TontineID, status ledger.TontineStatus, actor string) (*ledger.Tontine, error) {
	if !status.Valid() {
		return nil, ledger.NewValidationError("status", "unknown status %q", status)
	}

	var out *ledger.Tontine
	err := s.Store.WithTx(ctx, func(st ledger.Store) error {
		t, err := authorizeForUpdate(ctx, st, id, actor)
		if err != nil {
			return err
		}
		if !CanTransition(t.Status, status) {
			return ledger.NewValidationError("status", "cannot move a %s tontine to %s", t.Status, status)
		}
		t.Status = status
		t.UpdatedAt = s.now()
		if err := st.UpdateTontine(ctx, *t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("tontine status changed", "tontine_id", id, "status", status, "actor", actor)
	return out, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

func (s *Service) Get(ctx context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	return s.Store.GetTontine(ctx, id)
}

func (s *Service) GetByIdentifier(ctx context.Context, identifier string) (*ledger.Tontine, error) {
	return s.Store.GetTontineByIdentifier(ctx, identifier)
}

func (s *Service) List(ctx context.Context, f ledger.TontineFilter) ([]ledger.Tontine, error) {
	return s.Store.ListTontines(ctx, f)
}

// IdentifierAvailable reports whether no tontine uses the identifier.
func (s *Service) IdentifierAvailable(ctx context.Context, identifier string) (bool, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return false, err
	}
	_, err := s.Store.GetTontineByIdentifier(ctx, identifier)
	if ledger.IsNotFound(err) {
		return true, nil
	}
	return false, err
}

func (s *Service) History(ctx context.Context, id ledger.TontineID) ([]ledger.IdentifierChange, error) {
	if _, err := s.Store.GetTontine(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.IdentifierHistory(ctx, id)
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

// AddClient enrolls a client. Closed tontines do not accept new clients.
func (s *Service) AddClient(ctx context.Context, id ledger.TontineID, clientID ledger.ClientID, actor string) (*ledger.Participation, error) {
	if clientID == "" {
		return nil, ledger.NewValidationError("client_id", "client is required")
	}

	var out *ledger.Participation
	err := s.Store.WithTx(ctx, func(st ledger.Store) error {
		t, err := authorize(ctx, st, id, actor)
		if err != nil {
			return err
		}
		if t.Status == ledger.TontineCompleted || t.Status == ledger.TontineCancelled {
			return ledger.NewValidationError("status", "tontine %s is %s", t.Identifier, t.Status)
		}
		p := ledger.Participation{
			ID:        uuid.NewString(),
			TontineID: id,
			ClientID:  clientID,
			Status:    ledger.ParticipationActive,
			JoinedAt:  s.now(),
		}
		if err := st.CreateParticipation(ctx, p); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("client enrolled", "tontine_id", id, "client_id", clientID)
	return out, nil
}

func (s *Service) SuspendClient(ctx context.Context, id ledger.TontineID, clientID ledger.ClientID, actor string) (*ledger.Participation, error) {
	return s.setParticipationStatus(ctx, id, clientID, ledger.ParticipationSuspended, actor)
}

func (s *Service) ReactivateClient(ctx context.Context, id ledger.TontineID, clientID ledger.ClientID, actor string) (*ledger.Participation, error) {
	return s.setParticipationStatus(ctx, id, clientID, ledger.ParticipationActive, actor)
}

// WithdrawClient closes the participation. The client may still hold a
// balance; it stays withdrawable through the ledger.
func (s *Service) WithdrawClient(ctx context.Context, id ledger.TontineID, clientID ledger.ClientID, actor string) (*ledger.Participation, error) {
	return s.setParticipationStatus(ctx, id, clientID, ledger.ParticipationWithdrawn, actor)
}

func (s *Service) setParticipationStatus(ctx context.Context, id ledger.TontineID, clientID ledger.ClientID, status ledger.ParticipationStatus, actor string) (*ledger.Participation, error) {
	var out *ledger.Participation
	err := s.Store.WithTx(ctx, func(st ledger.Store) error {
		if _, err := authorize(ctx, st, id, actor); err != nil {
			return err
		}
		p, err := st.LockParticipation(ctx, id, clientID)
		if err != nil {
			return err
		}
		if !canTransitionParticipation(p.Status, status) {
			return ledger.NewValidationError("status", "cannot move a %s participation to %s", p.Status, status)
		}
		if err := st.SetParticipationStatus(ctx, id, clientID, status); err != nil {
			return err
		}
		p.Status = status
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("participation status changed", "tontine_id", id, "client_id", clientID, "status", status)
	return out, nil
}

func (s *Service) Participants(ctx context.Context, id ledger.TontineID) ([]ledger.Participation, error) {
	if _, err := s.Store.GetTontine(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListParticipations(ctx, id)
}

// ClientTontines returns the tontines a client participates in, with the
// participation of each.
func (s *Service) ClientTontines(ctx context.Context, clientID ledger.ClientID) ([]Membership, error) {
	ps, err := s.Store.ListClientParticipations(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]Membership, 0, len(ps))
	for _, p := range ps {
		t, err := s.Store.GetTontine(ctx, p.TontineID)
		if err != nil {
			return nil, err
		}
		out = append(out, Membership{Tontine: *t, Participation: p})
	}
	return out, nil
}

// Membership pairs a tontine with one client's participation in it.
type Membership struct {
	Tontine       ledger.Tontine
	Participation ledger.Participation
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
