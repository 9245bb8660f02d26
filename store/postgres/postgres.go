/*
Package postgres provides a PostgreSQL implementation of ledger.TxStore
on top of pgx.

CONCURRENCY:
  Units of work run in READ COMMITTED transactions. LockParticipation is a
  SELECT ... FOR UPDATE on the participation row, so two validations for
  the same (tontine, client) serialize while other participations proceed
  in parallel. Ledger units lock tontine rows only through the UPDATE of
  their totals, always after the participation lock. LockTontine is a
  SELECT ... FOR UPDATE on the tontine row for units that edit the
  tontine itself and take no participation lock, so the order stays fixed.

IDEMPOTENCY:
  Earnings insert with ON CONFLICT DO NOTHING; a skipped row maps to
  DuplicateEarningError and the unit of work stays usable. Foreign key
  violations (23503) map to ReferentialIntegrityError.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/tontine-engine/ledger"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Store struct {
	*queries
	pool *pgxpool.Pool
}

// New connects to the database and applies the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{queries: &queries{q: pool}, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset deletes every row. Used by tests and the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE earnings, reserved_fees, transactions, participations,
		identifier_history, tontines, subscriptions RESTART IDENTITY`)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS tontines (
	id TEXT PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL CHECK (type IN ('classic', 'flexible', 'term')),
	mise BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'XOF',
	cycle_days INTEGER NOT NULL DEFAULT 0,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ,
	tontinier_id TEXT NOT NULL,
	status TEXT NOT NULL,
	total_collected BIGINT NOT NULL DEFAULT 0,
	total_withdrawn BIGINT NOT NULL DEFAULT 0,
	total_fees BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tontines_tontinier ON tontines(tontinier_id);

CREATE TABLE IF NOT EXISTS identifier_history (
	id BIGSERIAL PRIMARY KEY,
	tontine_id TEXT NOT NULL REFERENCES tontines(id),
	old_identifier TEXT NOT NULL,
	new_identifier TEXT NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL,
	changed_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS participations (
	id TEXT PRIMARY KEY,
	tontine_id TEXT NOT NULL REFERENCES tontines(id),
	client_id TEXT NOT NULL,
	status TEXT NOT NULL,
	total_deposited BIGINT NOT NULL DEFAULT 0,
	total_withdrawn BIGINT NOT NULL DEFAULT 0,
	total_fees BIGINT NOT NULL DEFAULT 0,
	mises_count BIGINT NOT NULL DEFAULT 0,
	joined_at TIMESTAMPTZ NOT NULL,
	last_deposit_at TIMESTAMPTZ,
	UNIQUE (tontine_id, client_id)
);

CREATE INDEX IF NOT EXISTS idx_participations_client ON participations(client_id);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('deposit', 'withdrawal')),
	amount BIGINT NOT NULL CHECK (amount > 0),
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	tontine_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	tontinier_id TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	proof_ref TEXT,
	notes TEXT,
	rejection_reason TEXT,
	validated_at TIMESTAMPTZ,
	validated_by TEXT,
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	FOREIGN KEY (tontine_id, client_id) REFERENCES participations(tontine_id, client_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_participation ON transactions(tontine_id, client_id, status);
CREATE INDEX IF NOT EXISTS idx_transactions_tontinier ON transactions(tontinier_id, status, created_at DESC);

CREATE TABLE IF NOT EXISTS reserved_fees (
	id TEXT PRIMARY KEY,
	tontine_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	tontinier_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	fee_type TEXT NOT NULL,
	amount BIGINT NOT NULL,
	is_collected BOOLEAN NOT NULL DEFAULT FALSE,
	collected_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reserved_fees_participation ON reserved_fees(tontine_id, client_id) WHERE NOT is_collected;

CREATE TABLE IF NOT EXISTS earnings (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	tontinier_id TEXT NOT NULL,
	tontine_id TEXT,
	client_id TEXT,
	transaction_id TEXT,
	reserved_fee_id TEXT,
	type TEXT NOT NULL,
	amount BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	calculated_at TIMESTAMPTZ NOT NULL,
	period_start TIMESTAMPTZ,
	period_end TIMESTAMPTZ,
	reverses_id TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_earnings_transaction
	ON earnings(transaction_id) WHERE transaction_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_earnings_subscription_period
	ON earnings(tontinier_id, period_start) WHERE type = 'subscription';
CREATE INDEX IF NOT EXISTS idx_earnings_tontinier_date
	ON earnings(tontinier_id, calculated_at DESC);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	tontinier_id TEXT NOT NULL,
	monthly_amount BIGINT NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);
`

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q    querier
	inTx bool
}

// ─── Tontines ───────────────────────────────────────────────────────────────

const tontineColumns = `id, identifier, name, description, type, mise, currency, cycle_days,
	start_date, end_date, tontinier_id, status, total_collected, total_withdrawn, total_fees,
	created_at, updated_at`

func (s *queries) CreateTontine(ctx context.Context, t ledger.Tontine) error {
	_, err := s.q.Exec(ctx, `INSERT INTO tontines (`+tontineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		string(t.ID), t.Identifier, t.Name, t.Description, string(t.Type), int64(t.Mise), t.Currency, t.CycleDays,
		t.StartDate, t.EndDate, string(t.TontinierID), string(t.Status),
		int64(t.TotalCollected), int64(t.TotalWithdrawn), int64(t.TotalFees), t.CreatedAt, t.UpdatedAt,
	)
	if pgCode(err) == codeUniqueViolation {
		return ledger.NewValidationError("identifier", "identifier %q is already in use", t.Identifier)
	}
	if err != nil {
		return fmt.Errorf("create tontine: %w", err)
	}
	return nil
}

func scanTontine(row pgx.Row) (*ledger.Tontine, error) {
	var (
		t                    ledger.Tontine
		id, typ, tn, status  string
		mise, coll, wd, fees int64
	)
	err := row.Scan(&id, &t.Identifier, &t.Name, &t.Description, &typ, &mise, &t.Currency, &t.CycleDays,
		&t.StartDate, &t.EndDate, &tn, &status, &coll, &wd, &fees, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ID, t.Type, t.TontinierID, t.Status = ledger.TontineID(id), ledger.TontineType(typ), ledger.TontinierID(tn), ledger.TontineStatus(status)
	t.Mise, t.TotalCollected, t.TotalWithdrawn, t.TotalFees = ledger.Money(mise), ledger.Money(coll), ledger.Money(wd), ledger.Money(fees)
	t.StartDate, t.CreatedAt, t.UpdatedAt = t.StartDate.UTC(), t.CreatedAt.UTC(), t.UpdatedAt.UTC()
	t.EndDate = utcPtr(t.EndDate)
	return &t, nil
}

func (s *queries) getTontine(ctx context.Context, id ledger.TontineID, suffix string) (*ledger.Tontine, error) {
	t, err := scanTontine(s.q.QueryRow(ctx, `SELECT `+tontineColumns+` FROM tontines WHERE id = $1`+suffix, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "tontine", Key: string(id)}
	}
	return t, err
}

func (s *queries) GetTontine(ctx context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	return s.getTontine(ctx, id, "")
}

// LockTontine holds the tontine row lock until the enclosing transaction
// ends. Outside WithTx it is a plain read.
func (s *queries) LockTontine(ctx context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	if !s.inTx {
		return s.GetTontine(ctx, id)
	}
	return s.getTontine(ctx, id, " FOR UPDATE")
}

func (s *queries) GetTontineByIdentifier(ctx context.Context, identifier string) (*ledger.Tontine, error) {
	t, err := scanTontine(s.q.QueryRow(ctx, `SELECT `+tontineColumns+` FROM tontines WHERE identifier = $1`, identifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "tontine", Key: identifier}
	}
	return t, err
}

func (s *queries) ListTontines(ctx context.Context, f ledger.TontineFilter) ([]ledger.Tontine, error) {
	w := where{}
	if f.TontinierID != "" {
		w.add("tontinier_id = ?", string(f.TontinierID))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		w.add("(LOWER(name) LIKE ? OR LOWER(identifier) LIKE ?)", like, like)
	}
	rows, err := s.q.Query(ctx, rebind(`SELECT `+tontineColumns+` FROM tontines`+w.sql()+` ORDER BY created_at, id`), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Tontine
	for rows.Next() {
		t, err := scanTontine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *queries) UpdateTontine(ctx context.Context, t ledger.Tontine) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE tontines SET identifier = $1, name = $2, description = $3, mise = $4, cycle_days = $5,
			start_date = $6, end_date = $7, status = $8, updated_at = $9
		WHERE id = $10`,
		t.Identifier, t.Name, t.Description, int64(t.Mise), t.CycleDays,
		t.StartDate, t.EndDate, string(t.Status), t.UpdatedAt, string(t.ID),
	)
	if pgCode(err) == codeUniqueViolation {
		return ledger.NewValidationError("identifier", "identifier %q is already in use", t.Identifier)
	}
	if err != nil {
		return fmt.Errorf("update tontine: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Entity: "tontine", Key: string(t.ID)}
	}
	return nil
}

func (s *queries) AppendIdentifierChange(ctx context.Context, c ledger.IdentifierChange) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO identifier_history (tontine_id, old_identifier, new_identifier, changed_at, changed_by)
		VALUES ($1, $2, $3, $4, $5)`,
		string(c.TontineID), c.OldIdentifier, c.NewIdentifier, c.ChangedAt, c.ChangedBy,
	)
	if pgCode(err) == codeForeignKeyViolation {
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(c.TontineID)}
	}
	return err
}

func (s *queries) IdentifierHistory(ctx context.Context, id ledger.TontineID) ([]ledger.IdentifierChange, error) {
	rows, err := s.q.Query(ctx, `
		SELECT old_identifier, new_identifier, changed_at, changed_by
		FROM identifier_history WHERE tontine_id = $1 ORDER BY id DESC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.IdentifierChange
	for rows.Next() {
		c := ledger.IdentifierChange{TontineID: id}
		if err := rows.Scan(&c.OldIdentifier, &c.NewIdentifier, &c.ChangedAt, &c.ChangedBy); err != nil {
			return nil, err
		}
		c.ChangedAt = c.ChangedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Participations ─────────────────────────────────────────────────────────

const participationColumns = `id, tontine_id, client_id, status, total_deposited, total_withdrawn,
	total_fees, mises_count, joined_at, last_deposit_at`

func (s *queries) CreateParticipation(ctx context.Context, p ledger.Participation) error {
	_, err := s.q.Exec(ctx, `INSERT INTO participations (`+participationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, string(p.TontineID), string(p.ClientID), string(p.Status), int64(p.TotalDeposited),
		int64(p.TotalWithdrawn), int64(p.TotalFees), p.MisesCount, p.JoinedAt, p.LastDepositAt,
	)
	switch pgCode(err) {
	case codeUniqueViolation:
		return ledger.NewValidationError("client_id", "client %s already participates in tontine %s", p.ClientID, p.TontineID)
	case codeForeignKeyViolation:
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(p.TontineID)}
	}
	if err != nil {
		return fmt.Errorf("create participation: %w", err)
	}
	return nil
}

func scanParticipation(row pgx.Row) (*ledger.Participation, error) {
	var (
		p                         ledger.Participation
		tontineID, client, status string
		dep, wd, fees             int64
	)
	err := row.Scan(&p.ID, &tontineID, &client, &status, &dep, &wd, &fees, &p.MisesCount, &p.JoinedAt, &p.LastDepositAt)
	if err != nil {
		return nil, err
	}
	p.TontineID, p.ClientID, p.Status = ledger.TontineID(tontineID), ledger.ClientID(client), ledger.ParticipationStatus(status)
	p.TotalDeposited, p.TotalWithdrawn, p.TotalFees = ledger.Money(dep), ledger.Money(wd), ledger.Money(fees)
	p.JoinedAt = p.JoinedAt.UTC()
	p.LastDepositAt = utcPtr(p.LastDepositAt)
	return &p, nil
}

func (s *queries) getParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, suffix string) (*ledger.Participation, error) {
	p, err := scanParticipation(s.q.QueryRow(ctx, `SELECT `+participationColumns+`
		FROM participations WHERE tontine_id = $1 AND client_id = $2`+suffix, string(tontineID), string(clientID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)}
	}
	return p, err
}

func (s *queries) GetParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (*ledger.Participation, error) {
	return s.getParticipation(ctx, tontineID, clientID, "")
}

// LockParticipation holds the row lock until the enclosing transaction ends.
// Outside WithTx it is a plain read.
func (s *queries) LockParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (*ledger.Participation, error) {
	if !s.inTx {
		return s.GetParticipation(ctx, tontineID, clientID)
	}
	return s.getParticipation(ctx, tontineID, clientID, " FOR UPDATE")
}

func (s *queries) listParticipations(ctx context.Context, cond string, arg string) ([]ledger.Participation, error) {
	rows, err := s.q.Query(ctx, `SELECT `+participationColumns+` FROM participations WHERE `+cond+` ORDER BY joined_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *queries) ListParticipations(ctx context.Context, tontineID ledger.TontineID) ([]ledger.Participation, error) {
	return s.listParticipations(ctx, "tontine_id = $1", string(tontineID))
}

func (s *queries) ListClientParticipations(ctx context.Context, clientID ledger.ClientID) ([]ledger.Participation, error) {
	return s.listParticipations(ctx, "client_id = $1", string(clientID))
}

func (s *queries) SetParticipationStatus(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, status ledger.ParticipationStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE participations SET status = $1 WHERE tontine_id = $2 AND client_id = $3`,
		string(status), string(tontineID), string(clientID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)}
	}
	return nil
}

// ─── Ledger increments ──────────────────────────────────────────────────────

func (s *queries) incrementTontine(ctx context.Context, column string, id ledger.TontineID, amount ledger.Money) error {
	tag, err := s.q.Exec(ctx, `UPDATE tontines SET `+column+` = `+column+` + $1 WHERE id = $2`, int64(amount), string(id))
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(id)}
	}
	return nil
}

func (s *queries) IncrementTontineCollected(ctx context.Context, id ledger.TontineID, amount ledger.Money) error {
	return s.incrementTontine(ctx, "total_collected", id, amount)
}

func (s *queries) IncrementTontineWithdrawn(ctx context.Context, id ledger.TontineID, amount ledger.Money) error {
	return s.incrementTontine(ctx, "total_withdrawn", id, amount)
}

func (s *queries) IncrementTontineFees(ctx context.Context, id ledger.TontineID, amount ledger.Money) error {
	return s.incrementTontine(ctx, "total_fees", id, amount)
}

func (s *queries) incrementParticipation(ctx context.Context, set string, tontineID ledger.TontineID, clientID ledger.ClientID, args ...any) error {
	n := len(args)
	query := `UPDATE participations SET ` + set + ` WHERE tontine_id = $` + strconv.Itoa(n+1) + ` AND client_id = $` + strconv.Itoa(n+2)
	tag, err := s.q.Exec(ctx, query, append(args, string(tontineID), string(clientID))...)
	if err != nil {
		return fmt.Errorf("update participation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.ReferentialIntegrityError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)}
	}
	return nil
}

func (s *queries) IncrementParticipationDeposited(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money, mises int64, at time.Time) error {
	return s.incrementParticipation(ctx,
		"total_deposited = total_deposited + $1, mises_count = mises_count + $2, last_deposit_at = $3",
		tontineID, clientID, int64(amount), mises, at)
}

func (s *queries) IncrementParticipationWithdrawn(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return s.incrementParticipation(ctx, "total_withdrawn = total_withdrawn + $1", tontineID, clientID, int64(amount))
}

func (s *queries) IncrementParticipationFees(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return s.incrementParticipation(ctx, "total_fees = total_fees + $1", tontineID, clientID, int64(amount))
}

// ─── Transactions ───────────────────────────────────────────────────────────

const transactionColumns = `id, type, amount, currency, status, tontine_id, client_id, tontinier_id,
	payment_method, proof_ref, notes, rejection_reason, validated_at, validated_by, created_by,
	created_at, updated_at`

func (s *queries) CreateTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := s.q.Exec(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		string(tx.ID), string(tx.Type), int64(tx.Amount), tx.Currency, string(tx.Status),
		string(tx.TontineID), string(tx.ClientID), string(tx.TontinierID), string(tx.PaymentMethod),
		nullable(tx.ProofRef), nullable(tx.Notes), nullable(tx.RejectionReason),
		tx.ValidatedAt, nullable(tx.ValidatedBy), nullable(tx.CreatedBy), tx.CreatedAt, tx.UpdatedAt,
	)
	switch pgCode(err) {
	case codeForeignKeyViolation:
		return &ledger.ReferentialIntegrityError{Entity: "participation", Key: string(tx.TontineID) + "/" + string(tx.ClientID)}
	case codeUniqueViolation:
		return ledger.NewValidationError("id", "transaction %s already exists", tx.ID)
	}
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var (
		tx                                           ledger.Transaction
		id, typ, status, tontineID, client, tn, pm   string
		amount                                       int64
		proof, notes, reason, validatedBy, createdBy *string
	)
	err := row.Scan(&id, &typ, &amount, &tx.Currency, &status, &tontineID, &client, &tn, &pm,
		&proof, &notes, &reason, &tx.ValidatedAt, &validatedBy, &createdBy, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.ID, tx.Type, tx.Status = ledger.TransactionID(id), ledger.TransactionType(typ), ledger.TransactionStatus(status)
	tx.TontineID, tx.ClientID, tx.TontinierID = ledger.TontineID(tontineID), ledger.ClientID(client), ledger.TontinierID(tn)
	tx.PaymentMethod = ledger.PaymentMethod(pm)
	tx.Amount = ledger.Money(amount)
	tx.ProofRef, tx.Notes, tx.RejectionReason = deref(proof), deref(notes), deref(reason)
	tx.ValidatedBy, tx.CreatedBy = deref(validatedBy), deref(createdBy)
	tx.ValidatedAt = utcPtr(tx.ValidatedAt)
	tx.CreatedAt, tx.UpdatedAt = tx.CreatedAt.UTC(), tx.UpdatedAt.UTC()
	return &tx, nil
}

func (s *queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, err := scanTransaction(s.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "transaction", Key: string(id)}
	}
	return tx, err
}

// TransitionTransaction is a compare-and-set on the status column. Under
// READ COMMITTED a concurrent winner makes the WHERE clause miss.
func (s *queries) TransitionTransaction(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus, tr ledger.Transition) error {
	w := where{}
	set := "status = ?, updated_at = ?"
	w.args = []any{string(to), tr.At}
	switch to {
	case ledger.TxValidated:
		set += ", validated_at = ?, validated_by = ?"
		w.args = append(w.args, tr.At, tr.By)
	case ledger.TxRejected:
		set += ", validated_by = ?, rejection_reason = ?"
		w.args = append(w.args, tr.By, tr.Reason)
	}
	w.add("id = ?", string(id))
	w.add("status = ?", string(from))

	tag, err := s.q.Exec(ctx, rebind(`UPDATE transactions SET `+set+w.sql()), w.args...)
	if err != nil {
		return fmt.Errorf("transition transaction: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	return &ledger.StateConflictError{TransactionID: id, Current: cur.Status}
}

func (s *queries) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	w := where{}
	if f.TontinierID != "" {
		w.add("tontinier_id = ?", string(f.TontinierID))
	}
	if f.TontineID != "" {
		w.add("tontine_id = ?", string(f.TontineID))
	}
	if f.ClientID != "" {
		w.add("client_id = ?", string(f.ClientID))
	}
	if f.Type != "" {
		w.add("type = ?", string(f.Type))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.From != nil {
		w.add("created_at >= ?", *f.From)
	}
	if f.To != nil {
		w.add("created_at < ?", *f.To)
	}

	var total int
	if err := s.q.QueryRow(ctx, rebind(`SELECT COUNT(*) FROM transactions`+w.sql()), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.sql() + ` ORDER BY created_at DESC, id DESC` + limitOffset(f.Limit, f.Offset)
	rows, err := s.q.Query(ctx, rebind(query), w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *tx)
	}
	return out, total, rows.Err()
}

func (s *queries) PendingWithdrawalsTotal(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (ledger.Money, error) {
	var total int64
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::BIGINT FROM transactions
		WHERE tontine_id = $1 AND client_id = $2 AND type = 'withdrawal' AND status = 'pending'`,
		string(tontineID), string(clientID)).Scan(&total)
	return ledger.Money(total), err
}

// ─── Reserved fees ──────────────────────────────────────────────────────────

const reservedFeeColumns = `id, tontine_id, client_id, tontinier_id, transaction_id, fee_type, amount,
	is_collected, collected_at, created_at`

func (s *queries) CreateReservedFee(ctx context.Context, f ledger.ReservedFee) error {
	_, err := s.q.Exec(ctx, `INSERT INTO reserved_fees (`+reservedFeeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(f.ID), string(f.TontineID), string(f.ClientID), string(f.TontinierID), string(f.TransactionID),
		string(f.FeeType), int64(f.Amount), f.IsCollected, f.CollectedAt, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create reserved fee: %w", err)
	}
	return nil
}

func (s *queries) ListReservedFees(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, onlyUncollected bool) ([]ledger.ReservedFee, error) {
	w := where{}
	w.add("tontine_id = ?", string(tontineID))
	if clientID != "" {
		w.add("client_id = ?", string(clientID))
	}
	if onlyUncollected {
		w.add("NOT is_collected")
	}
	rows, err := s.q.Query(ctx, rebind(`SELECT `+reservedFeeColumns+` FROM reserved_fees`+w.sql()+` ORDER BY created_at, id`), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.ReservedFee
	for rows.Next() {
		var (
			f                            ledger.ReservedFee
			id, tid, cid, tn, txID, kind string
			amount                       int64
		)
		if err := rows.Scan(&id, &tid, &cid, &tn, &txID, &kind, &amount, &f.IsCollected, &f.CollectedAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.ID, f.TontineID, f.ClientID, f.TontinierID = ledger.ReservedFeeID(id), ledger.TontineID(tid), ledger.ClientID(cid), ledger.TontinierID(tn)
		f.TransactionID, f.FeeType, f.Amount = ledger.TransactionID(txID), ledger.FeeType(kind), ledger.Money(amount)
		f.CollectedAt = utcPtr(f.CollectedAt)
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *queries) UncollectedReservedTotal(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (ledger.Money, error) {
	var total int64
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::BIGINT FROM reserved_fees
		WHERE tontine_id = $1 AND client_id = $2 AND NOT is_collected`,
		string(tontineID), string(clientID)).Scan(&total)
	return ledger.Money(total), err
}

func (s *queries) MarkReservedFeeCollected(ctx context.Context, id ledger.ReservedFeeID, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE reserved_fees SET is_collected = TRUE, collected_at = $1 WHERE id = $2 AND NOT is_collected`,
		at, string(id))
	if err != nil {
		return fmt.Errorf("collect reserved fee: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reserved_fees WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return &ledger.NotFoundError{Entity: "reserved fee", Key: string(id)}
	}
	return fmt.Errorf("%w: reserved fee %s is already collected", ledger.ErrStateConflict, id)
}

// ─── Earnings ───────────────────────────────────────────────────────────────

const earningColumns = `id, tontinier_id, tontine_id, client_id, transaction_id, reserved_fee_id, type,
	amount, description, calculated_at, period_start, period_end, reverses_id`

// AppendEarning must not raise 23505: a unique violation aborts the
// enclosing transaction, and a duplicate is an expected outcome.
func (s *queries) AppendEarning(ctx context.Context, e ledger.Earning) error {
	tag, err := s.q.Exec(ctx, `INSERT INTO earnings (`+earningColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		string(e.ID), string(e.TontinierID), nullable(string(e.TontineID)), nullable(string(e.ClientID)),
		nullable(string(e.TransactionID)), nullable(string(e.ReservedFeeID)), string(e.Type),
		int64(e.Amount), e.Description, e.CalculatedAt, e.PeriodStart, e.PeriodEnd, nullable(string(e.ReversesID)),
	)
	if err != nil {
		return fmt.Errorf("append earning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		key := string(e.TransactionID)
		if key == "" && e.PeriodStart != nil {
			key = string(e.TontinierID) + "@" + e.PeriodStart.UTC().Format(time.RFC3339)
		}
		return &ledger.DuplicateEarningError{TransactionID: e.TransactionID, Key: key}
	}
	return nil
}

func (s *queries) ListEarnings(ctx context.Context, f ledger.EarningFilter) ([]ledger.Earning, int, error) {
	w := where{}
	if f.TontinierID != "" {
		w.add("tontinier_id = ?", string(f.TontinierID))
	}
	if f.TontineID != "" {
		w.add("tontine_id = ?", string(f.TontineID))
	}
	if f.ClientID != "" {
		w.add("client_id = ?", string(f.ClientID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		w.add("type = ANY(?)", types)
	}
	if f.From != nil {
		w.add("calculated_at >= ?", *f.From)
	}
	if f.To != nil {
		w.add("calculated_at < ?", *f.To)
	}

	var total int
	if err := s.q.QueryRow(ctx, rebind(`SELECT COUNT(*) FROM earnings`+w.sql()), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + earningColumns + ` FROM earnings` + w.sql() + ` ORDER BY calculated_at DESC, seq DESC` + limitOffset(f.Limit, f.Offset)
	rows, err := s.q.Query(ctx, rebind(query), w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ledger.Earning
	for rows.Next() {
		var (
			e                                      ledger.Earning
			id, tn, typ                            string
			tontineID, clientID, txID, rfID, revID *string
			amount                                 int64
		)
		if err := rows.Scan(&id, &tn, &tontineID, &clientID, &txID, &rfID, &typ, &amount, &e.Description,
			&e.CalculatedAt, &e.PeriodStart, &e.PeriodEnd, &revID); err != nil {
			return nil, 0, err
		}
		e.ID, e.TontinierID, e.Type, e.Amount = ledger.EarningID(id), ledger.TontinierID(tn), ledger.EarningType(typ), ledger.Money(amount)
		e.TontineID = ledger.TontineID(deref(tontineID))
		e.ClientID = ledger.ClientID(deref(clientID))
		e.TransactionID = ledger.TransactionID(deref(txID))
		e.ReservedFeeID = ledger.ReservedFeeID(deref(rfID))
		e.ReversesID = ledger.EarningID(deref(revID))
		e.CalculatedAt = e.CalculatedAt.UTC()
		e.PeriodStart, e.PeriodEnd = utcPtr(e.PeriodStart), utcPtr(e.PeriodEnd)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

func (s *queries) CreateSubscription(ctx context.Context, sub ledger.Subscription) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO subscriptions (id, tontinier_id, monthly_amount, start_date, end_date, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(sub.ID), string(sub.TontinierID), int64(sub.MonthlyAmount), sub.StartDate, sub.EndDate, sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *queries) listSubscriptions(ctx context.Context, cond string, args ...any) ([]ledger.Subscription, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, tontinier_id, monthly_amount, start_date, end_date, active, created_at
		FROM subscriptions WHERE `+cond+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Subscription
	for rows.Next() {
		var (
			sub    ledger.Subscription
			id, tn string
			amount int64
		)
		if err := rows.Scan(&id, &tn, &amount, &sub.StartDate, &sub.EndDate, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.ID, sub.TontinierID, sub.MonthlyAmount = ledger.SubscriptionID(id), ledger.TontinierID(tn), ledger.Money(amount)
		sub.StartDate, sub.CreatedAt = sub.StartDate.UTC(), sub.CreatedAt.UTC()
		sub.EndDate = utcPtr(sub.EndDate)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *queries) ListSubscriptions(ctx context.Context, tontinierID ledger.TontinierID) ([]ledger.Subscription, error) {
	return s.listSubscriptions(ctx, "tontinier_id = $1", string(tontinierID))
}

func (s *queries) ListActiveSubscriptions(ctx context.Context) ([]ledger.Subscription, error) {
	return s.listSubscriptions(ctx, "active")
}

// =============================================================================
// HELPERS
// =============================================================================

type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// rebind turns ? placeholders into $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func limitOffset(limit, offset int) string {
	out := ""
	if limit > 0 {
		out += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		out += fmt.Sprintf(" OFFSET %d", offset)
	}
	return out
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ ledger.TxStore = (*Store)(nil)
