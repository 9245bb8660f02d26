/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Default backend of the server. Every ledger contract (tontines,
  participations, totals, transactions, reserved fees, earnings,
  subscriptions) lives in one database file.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statement touches the earnings table
  - idx_earnings_transaction makes a second earning for the same
    transaction fail atomically (DuplicateEarningError)
  - idx_earnings_subscription_period does the same for subscription months

KEY TABLES:
  tontines:           Tontine records and their running totals
  identifier_history: Every identifier change of a tontine
  participations:     (tontine, client) running totals, unique pair
  transactions:       Deposits and withdrawals with their status
  reserved_fees:      Escrowed tontinier fees
  earnings:           Append-only tontinier income
  subscriptions:      Monthly tontinier subscriptions

CONCURRENCY:
  One connection, and WithTx holds a mutex for the whole unit. Units are
  therefore serialized, which satisfies the participation locking
  contract. PostgreSQL (store/postgres) locks rows instead.

TIME FORMAT:
  Instants are stored as fixed-width UTC text so that string comparison
  orders them chronologically.

USAGE:
  store, err := sqlite.New("./data/tontine.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewTransactionService(store, rules, ledger.SettleImmediate, cal, logger)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/tontine-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset deletes every row. Used by tests and the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM earnings;
		DELETE FROM reserved_fees;
		DELETE FROM transactions;
		DELETE FROM participations;
		DELETE FROM identifier_history;
		DELETE FROM tontines;
		DELETE FROM subscriptions;
	`)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS tontines (
		id TEXT PRIMARY KEY,
		identifier TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL CHECK (type IN ('classic', 'flexible', 'term')),
		mise INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'XOF',
		cycle_days INTEGER NOT NULL DEFAULT 0,
		start_date TEXT NOT NULL,
		end_date TEXT,
		tontinier_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_collected INTEGER NOT NULL DEFAULT 0,
		total_withdrawn INTEGER NOT NULL DEFAULT 0,
		total_fees INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tontines_identifier ON tontines(identifier);
	CREATE INDEX IF NOT EXISTS idx_tontines_tontinier ON tontines(tontinier_id);

	CREATE TABLE IF NOT EXISTS identifier_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tontine_id TEXT NOT NULL REFERENCES tontines(id),
		old_identifier TEXT NOT NULL,
		new_identifier TEXT NOT NULL,
		changed_at TEXT NOT NULL,
		changed_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_identifier_history_tontine ON identifier_history(tontine_id);

	CREATE TABLE IF NOT EXISTS participations (
		id TEXT PRIMARY KEY,
		tontine_id TEXT NOT NULL REFERENCES tontines(id),
		client_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_deposited INTEGER NOT NULL DEFAULT 0,
		total_withdrawn INTEGER NOT NULL DEFAULT 0,
		total_fees INTEGER NOT NULL DEFAULT 0,
		mises_count INTEGER NOT NULL DEFAULT 0,
		joined_at TEXT NOT NULL,
		last_deposit_at TEXT,
		UNIQUE (tontine_id, client_id)
	);

	CREATE INDEX IF NOT EXISTS idx_participations_client ON participations(client_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('deposit', 'withdrawal')),
		amount INTEGER NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		tontine_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		tontinier_id TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		proof_ref TEXT,
		notes TEXT,
		rejection_reason TEXT,
		validated_at TEXT,
		validated_by TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
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
		amount INTEGER NOT NULL,
		is_collected INTEGER NOT NULL DEFAULT 0,
		collected_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reserved_fees_participation ON reserved_fees(tontine_id, client_id, is_collected);

	CREATE TABLE IF NOT EXISTS earnings (
		id TEXT PRIMARY KEY,
		tontinier_id TEXT NOT NULL,
		tontine_id TEXT,
		client_id TEXT,
		transaction_id TEXT,
		reserved_fee_id TEXT,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		calculated_at TEXT NOT NULL,
		period_start TEXT,
		period_end TEXT,
		reverses_id TEXT
	);

	-- One earning per transaction, one subscription earning per month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_earnings_transaction
		ON earnings(transaction_id) WHERE transaction_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_earnings_subscription_period
		ON earnings(tontinier_id, period_start) WHERE type = 'subscription';
	CREATE INDEX IF NOT EXISTS idx_earnings_tontinier_date
		ON earnings(tontinier_id, calculated_at DESC);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		tontinier_id TEXT NOT NULL,
		monthly_amount INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_tontinier ON subscriptions(tontinier_id);
`

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - ledger.Store over a connection or a transaction
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// ─── Tontines ───────────────────────────────────────────────────────────────

const tontineColumns = `id, identifier, name, description, type, mise, currency, cycle_days,
	start_date, end_date, tontinier_id, status, total_collected, total_withdrawn, total_fees,
	created_at, updated_at`

func (s *queries) CreateTontine(ctx context.Context, t ledger.Tontine) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO tontines (`+tontineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Identifier, t.Name, t.Description, t.Type, int64(t.Mise), t.Currency, t.CycleDays,
		formatTime(t.StartDate), nullTime(t.EndDate), t.TontinierID, t.Status,
		int64(t.TotalCollected), int64(t.TotalWithdrawn), int64(t.TotalFees),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.NewValidationError("identifier", "identifier %q is already in use", t.Identifier)
	}
	if err != nil {
		return fmt.Errorf("failed to create tontine: %w", err)
	}
	return nil
}

func scanTontine(row scanner) (*ledger.Tontine, error) {
	var (
		t                       ledger.Tontine
		mise, coll, wd, fees    int64
		start, created, updated string
		end                     sql.NullString
	)
	err := row.Scan(&t.ID, &t.Identifier, &t.Name, &t.Description, &t.Type, &mise, &t.Currency, &t.CycleDays,
		&start, &end, &t.TontinierID, &t.Status, &coll, &wd, &fees, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Mise, t.TotalCollected, t.TotalWithdrawn, t.TotalFees = ledger.Money(mise), ledger.Money(coll), ledger.Money(wd), ledger.Money(fees)
	t.StartDate = parseTime(start)
	t.EndDate = parseNullTime(end)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func (s *queries) GetTontine(ctx context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+tontineColumns+` FROM tontines WHERE id = ?`, id)
	t, err := scanTontine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "tontine", Key: string(id)}
	}
	return t, err
}

// LockTontine relies on WithTx serializing every unit of work.
func (s *queries) LockTontine(ctx context.Context, id ledger.TontineID) (*ledger.Tontine, error) {
	return s.GetTontine(ctx, id)
}

func (s *queries) GetTontineByIdentifier(ctx context.Context, identifier string) (*ledger.Tontine, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+tontineColumns+` FROM tontines WHERE identifier = ?`, identifier)
	t, err := scanTontine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "tontine", Key: identifier}
	}
	return t, err
}

func (s *queries) ListTontines(ctx context.Context, f ledger.TontineFilter) ([]ledger.Tontine, error) {
	w := where{}
	if f.TontinierID != "" {
		w.add("tontinier_id = ?", f.TontinierID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		w.add("(LOWER(name) LIKE ? OR LOWER(identifier) LIKE ?)", like, like)
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+tontineColumns+` FROM tontines`+w.sql()+` ORDER BY created_at, id`, w.args...)
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
	res, err := s.q.ExecContext(ctx, `
		UPDATE tontines SET identifier = ?, name = ?, description = ?, mise = ?, cycle_days = ?,
			start_date = ?, end_date = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		t.Identifier, t.Name, t.Description, int64(t.Mise), t.CycleDays,
		formatTime(t.StartDate), nullTime(t.EndDate), t.Status, formatTime(t.UpdatedAt), t.ID,
	)
	if isUniqueConstraintError(err) {
		return ledger.NewValidationError("identifier", "identifier %q is already in use", t.Identifier)
	}
	if err != nil {
		return fmt.Errorf("failed to update tontine: %w", err)
	}
	return expectOne(res, &ledger.NotFoundError{Entity: "tontine", Key: string(t.ID)})
}

func (s *queries) AppendIdentifierChange(ctx context.Context, c ledger.IdentifierChange) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO identifier_history (tontine_id, old_identifier, new_identifier, changed_at, changed_by)
		VALUES (?, ?, ?, ?, ?)`,
		c.TontineID, c.OldIdentifier, c.NewIdentifier, formatTime(c.ChangedAt), c.ChangedBy,
	)
	if isForeignKeyError(err) {
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(c.TontineID)}
	}
	return err
}

func (s *queries) IdentifierHistory(ctx context.Context, id ledger.TontineID) ([]ledger.IdentifierChange, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT tontine_id, old_identifier, new_identifier, changed_at, changed_by
		FROM identifier_history WHERE tontine_id = ? ORDER BY id DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.IdentifierChange
	for rows.Next() {
		var c ledger.IdentifierChange
		var at string
		if err := rows.Scan(&c.TontineID, &c.OldIdentifier, &c.NewIdentifier, &at, &c.ChangedBy); err != nil {
			return nil, err
		}
		c.ChangedAt = parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Participations ─────────────────────────────────────────────────────────

const participationColumns = `id, tontine_id, client_id, status, total_deposited, total_withdrawn,
	total_fees, mises_count, joined_at, last_deposit_at`

func (s *queries) CreateParticipation(ctx context.Context, p ledger.Participation) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO participations (`+participationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TontineID, p.ClientID, p.Status, int64(p.TotalDeposited), int64(p.TotalWithdrawn),
		int64(p.TotalFees), p.MisesCount, formatTime(p.JoinedAt), nullTime(p.LastDepositAt),
	)
	switch {
	case isUniqueConstraintError(err):
		return ledger.NewValidationError("client_id", "client %s already participates in tontine %s", p.ClientID, p.TontineID)
	case isForeignKeyError(err):
		return &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(p.TontineID)}
	case err != nil:
		return fmt.Errorf("failed to create participation: %w", err)
	}
	return nil
}

func scanParticipation(row scanner) (*ledger.Participation, error) {
	var (
		p             ledger.Participation
		dep, wd, fees int64
		joined        string
		last          sql.NullString
	)
	err := row.Scan(&p.ID, &p.TontineID, &p.ClientID, &p.Status, &dep, &wd, &fees, &p.MisesCount, &joined, &last)
	if err != nil {
		return nil, err
	}
	p.TotalDeposited, p.TotalWithdrawn, p.TotalFees = ledger.Money(dep), ledger.Money(wd), ledger.Money(fees)
	p.JoinedAt = parseTime(joined)
	p.LastDepositAt = parseNullTime(last)
	return &p, nil
}

func (s *queries) GetParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (*ledger.Participation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+participationColumns+`
		FROM participations WHERE tontine_id = ? AND client_id = ?`, tontineID, clientID)
	p, err := scanParticipation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)}
	}
	return p, err
}

// LockParticipation relies on WithTx serializing every unit of work.
func (s *queries) LockParticipation(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (*ledger.Participation, error) {
	return s.GetParticipation(ctx, tontineID, clientID)
}

func (s *queries) listParticipations(ctx context.Context, query string, arg any) ([]ledger.Participation, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+participationColumns+` FROM participations WHERE `+query+` ORDER BY joined_at, id`, arg)
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
	return s.listParticipations(ctx, "tontine_id = ?", tontineID)
}

func (s *queries) ListClientParticipations(ctx context.Context, clientID ledger.ClientID) ([]ledger.Participation, error) {
	return s.listParticipations(ctx, "client_id = ?", clientID)
}

func (s *queries) SetParticipationStatus(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, status ledger.ParticipationStatus) error {
	res, err := s.q.ExecContext(ctx, `UPDATE participations SET status = ? WHERE tontine_id = ? AND client_id = ?`,
		status, tontineID, clientID)
	if err != nil {
		return err
	}
	return expectOne(res, &ledger.NotFoundError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)})
}

// ─── Ledger increments ──────────────────────────────────────────────────────

func (s *queries) incrementTontine(ctx context.Context, column string, id ledger.TontineID, amount ledger.Money) error {
	res, err := s.q.ExecContext(ctx, `UPDATE tontines SET `+column+` = `+column+` + ? WHERE id = ?`, int64(amount), id)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return expectOne(res, &ledger.ReferentialIntegrityError{Entity: "tontine", Key: string(id)})
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
	args = append(args, tontineID, clientID)
	res, err := s.q.ExecContext(ctx, `UPDATE participations SET `+set+` WHERE tontine_id = ? AND client_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update participation: %w", err)
	}
	return expectOne(res, &ledger.ReferentialIntegrityError{Entity: "participation", Key: string(tontineID) + "/" + string(clientID)})
}

func (s *queries) IncrementParticipationDeposited(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money, mises int64, at time.Time) error {
	return s.incrementParticipation(ctx,
		"total_deposited = total_deposited + ?, mises_count = mises_count + ?, last_deposit_at = ?",
		tontineID, clientID, int64(amount), mises, formatTime(at))
}

func (s *queries) IncrementParticipationWithdrawn(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return s.incrementParticipation(ctx, "total_withdrawn = total_withdrawn + ?", tontineID, clientID, int64(amount))
}

func (s *queries) IncrementParticipationFees(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, amount ledger.Money) error {
	return s.incrementParticipation(ctx, "total_fees = total_fees + ?", tontineID, clientID, int64(amount))
}

// ─── Transactions ───────────────────────────────────────────────────────────

const transactionColumns = `id, type, amount, currency, status, tontine_id, client_id, tontinier_id,
	payment_method, proof_ref, notes, rejection_reason, validated_at, validated_by, created_by,
	created_at, updated_at`

func (s *queries) CreateTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Type, int64(tx.Amount), tx.Currency, tx.Status, tx.TontineID, tx.ClientID, tx.TontinierID,
		tx.PaymentMethod, nullString(tx.ProofRef), nullString(tx.Notes), nullString(tx.RejectionReason),
		nullTime(tx.ValidatedAt), nullString(tx.ValidatedBy), nullString(tx.CreatedBy),
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	switch {
	case isForeignKeyError(err):
		return &ledger.ReferentialIntegrityError{Entity: "participation", Key: string(tx.TontineID) + "/" + string(tx.ClientID)}
	case isUniqueConstraintError(err):
		return ledger.NewValidationError("id", "transaction %s already exists", tx.ID)
	case err != nil:
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func scanTransaction(row scanner) (*ledger.Transaction, error) {
	var (
		tx                                     ledger.Transaction
		amount                                 int64
		proof, notes, reason, valBy, createdBy sql.NullString
		valAt                                  sql.NullString
		created, updated                       string
	)
	err := row.Scan(&tx.ID, &tx.Type, &amount, &tx.Currency, &tx.Status, &tx.TontineID, &tx.ClientID, &tx.TontinierID,
		&tx.PaymentMethod, &proof, &notes, &reason, &valAt, &valBy, &createdBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	tx.Amount = ledger.Money(amount)
	tx.ProofRef, tx.Notes, tx.RejectionReason = proof.String, notes.String, reason.String
	tx.ValidatedAt = parseNullTime(valAt)
	tx.ValidatedBy, tx.CreatedBy = valBy.String, createdBy.String
	tx.CreatedAt = parseTime(created)
	tx.UpdatedAt = parseTime(updated)
	return &tx, nil
}

func (s *queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Entity: "transaction", Key: string(id)}
	}
	return tx, err
}

// TransitionTransaction is a compare-and-set on the status column.
func (s *queries) TransitionTransaction(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus, tr ledger.Transition) error {
	set := "status = ?, updated_at = ?"
	args := []any{to, formatTime(tr.At)}
	switch to {
	case ledger.TxValidated:
		set += ", validated_at = ?, validated_by = ?"
		args = append(args, formatTime(tr.At), tr.By)
	case ledger.TxRejected:
		set += ", validated_by = ?, rejection_reason = ?"
		args = append(args, tr.By, tr.Reason)
	}
	args = append(args, id, from)

	res, err := s.q.ExecContext(ctx, `UPDATE transactions SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to transition transaction: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
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
		w.add("tontinier_id = ?", f.TontinierID)
	}
	if f.TontineID != "" {
		w.add("tontine_id = ?", f.TontineID)
	}
	if f.ClientID != "" {
		w.add("client_id = ?", f.ClientID)
	}
	if f.Type != "" {
		w.add("type = ?", f.Type)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.From != nil {
		w.add("created_at >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		w.add("created_at < ?", formatTime(*f.To))
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.sql() + ` ORDER BY created_at DESC, id DESC` + limitOffset(f.Limit, f.Offset)
	rows, err := s.q.QueryContext(ctx, query, w.args...)
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
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE tontine_id = ? AND client_id = ? AND type = 'withdrawal' AND status = 'pending'`,
		tontineID, clientID).Scan(&total)
	return ledger.Money(total), err
}

// ─── Reserved fees ──────────────────────────────────────────────────────────

const reservedFeeColumns = `id, tontine_id, client_id, tontinier_id, transaction_id, fee_type, amount,
	is_collected, collected_at, created_at`

func (s *queries) CreateReservedFee(ctx context.Context, f ledger.ReservedFee) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO reserved_fees (`+reservedFeeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TontineID, f.ClientID, f.TontinierID, f.TransactionID, f.FeeType, int64(f.Amount),
		f.IsCollected, nullTime(f.CollectedAt), formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create reserved fee: %w", err)
	}
	return nil
}

func (s *queries) ListReservedFees(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID, onlyUncollected bool) ([]ledger.ReservedFee, error) {
	w := where{}
	w.add("tontine_id = ?", tontineID)
	if clientID != "" {
		w.add("client_id = ?", clientID)
	}
	if onlyUncollected {
		w.add("is_collected = 0")
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+reservedFeeColumns+` FROM reserved_fees`+w.sql()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.ReservedFee
	for rows.Next() {
		var (
			f         ledger.ReservedFee
			amount    int64
			collected sql.NullString
			created   string
		)
		if err := rows.Scan(&f.ID, &f.TontineID, &f.ClientID, &f.TontinierID, &f.TransactionID, &f.FeeType,
			&amount, &f.IsCollected, &collected, &created); err != nil {
			return nil, err
		}
		f.Amount = ledger.Money(amount)
		f.CollectedAt = parseNullTime(collected)
		f.CreatedAt = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *queries) UncollectedReservedTotal(ctx context.Context, tontineID ledger.TontineID, clientID ledger.ClientID) (ledger.Money, error) {
	var total int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM reserved_fees
		WHERE tontine_id = ? AND client_id = ? AND is_collected = 0`, tontineID, clientID).Scan(&total)
	return ledger.Money(total), err
}

func (s *queries) MarkReservedFeeCollected(ctx context.Context, id ledger.ReservedFeeID, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE reserved_fees SET is_collected = 1, collected_at = ? WHERE id = ? AND is_collected = 0`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to collect reserved fee: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	var exists int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reserved_fees WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return &ledger.NotFoundError{Entity: "reserved fee", Key: string(id)}
	}
	return fmt.Errorf("%w: reserved fee %s is already collected", ledger.ErrStateConflict, id)
}

// ─── Earnings ───────────────────────────────────────────────────────────────

const earningColumns = `id, tontinier_id, tontine_id, client_id, transaction_id, reserved_fee_id, type,
	amount, description, calculated_at, period_start, period_end, reverses_id`

func (s *queries) AppendEarning(ctx context.Context, e ledger.Earning) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO earnings (`+earningColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TontinierID, nullString(string(e.TontineID)), nullString(string(e.ClientID)),
		nullString(string(e.TransactionID)), nullString(string(e.ReservedFeeID)), e.Type,
		int64(e.Amount), e.Description, formatTime(e.CalculatedAt),
		nullTime(e.PeriodStart), nullTime(e.PeriodEnd), nullString(string(e.ReversesID)),
	)
	if isUniqueConstraintError(err) {
		key := string(e.TransactionID)
		if key == "" && e.PeriodStart != nil {
			key = string(e.TontinierID) + "@" + formatTime(*e.PeriodStart)
		}
		return &ledger.DuplicateEarningError{TransactionID: e.TransactionID, Key: key}
	}
	if err != nil {
		return fmt.Errorf("failed to append earning: %w", err)
	}
	return nil
}

func (s *queries) ListEarnings(ctx context.Context, f ledger.EarningFilter) ([]ledger.Earning, int, error) {
	w := where{}
	if f.TontinierID != "" {
		w.add("tontinier_id = ?", f.TontinierID)
	}
	if f.TontineID != "" {
		w.add("tontine_id = ?", f.TontineID)
	}
	if f.ClientID != "" {
		w.add("client_id = ?", f.ClientID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		args := make([]any, len(f.Types))
		for i, t := range f.Types {
			marks[i], args[i] = "?", t
		}
		w.add("type IN ("+strings.Join(marks, ", ")+")", args...)
	}
	if f.From != nil {
		w.add("calculated_at >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		w.add("calculated_at < ?", formatTime(*f.To))
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM earnings`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + earningColumns + ` FROM earnings` + w.sql() + ` ORDER BY calculated_at DESC, rowid DESC` + limitOffset(f.Limit, f.Offset)
	rows, err := s.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ledger.Earning
	for rows.Next() {
		var (
			e                                      ledger.Earning
			amount                                 int64
			tontineID, clientID, txID, rfID, revID sql.NullString
			calculated                             string
			periodStart, periodEnd                 sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TontinierID, &tontineID, &clientID, &txID, &rfID, &e.Type,
			&amount, &e.Description, &calculated, &periodStart, &periodEnd, &revID); err != nil {
			return nil, 0, err
		}
		e.TontineID = ledger.TontineID(tontineID.String)
		e.ClientID = ledger.ClientID(clientID.String)
		e.TransactionID = ledger.TransactionID(txID.String)
		e.ReservedFeeID = ledger.ReservedFeeID(rfID.String)
		e.ReversesID = ledger.EarningID(revID.String)
		e.Amount = ledger.Money(amount)
		e.CalculatedAt = parseTime(calculated)
		e.PeriodStart = parseNullTime(periodStart)
		e.PeriodEnd = parseNullTime(periodEnd)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

func (s *queries) CreateSubscription(ctx context.Context, sub ledger.Subscription) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tontinier_id, monthly_amount, start_date, end_date, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TontinierID, int64(sub.MonthlyAmount), formatTime(sub.StartDate),
		nullTime(sub.EndDate), sub.Active, formatTime(sub.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *queries) listSubscriptions(ctx context.Context, cond string, args ...any) ([]ledger.Subscription, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, tontinier_id, monthly_amount, start_date, end_date, active, created_at
		FROM subscriptions WHERE `+cond+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Subscription
	for rows.Next() {
		var (
			sub            ledger.Subscription
			amount         int64
			start, created string
			end            sql.NullString
		)
		if err := rows.Scan(&sub.ID, &sub.TontinierID, &amount, &start, &end, &sub.Active, &created); err != nil {
			return nil, err
		}
		sub.MonthlyAmount = ledger.Money(amount)
		sub.StartDate = parseTime(start)
		sub.EndDate = parseNullTime(end)
		sub.CreatedAt = parseTime(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *queries) ListSubscriptions(ctx context.Context, tontinierID ledger.TontinierID) ([]ledger.Subscription, error) {
	return s.listSubscriptions(ctx, "tontinier_id = ?", tontinierID)
}

func (s *queries) ListActiveSubscriptions(ctx context.Context) ([]ledger.Subscription, error) {
	return s.listSubscriptions(ctx, "active = 1")
}

// =============================================================================
// HELPERS
// =============================================================================

// where accumulates AND-ed conditions and their arguments.
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

func limitOffset(limit, offset int) string {
	switch {
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

func expectOne(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

var _ ledger.TxStore = (*Store)(nil)
