/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements reschedule.TxStore (and through it calendar.Store) using
  SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  calendar.Store:   Windows, their history and the entity sync table
  reschedule.Store: Loans, installments, variations, requests, archives
  reschedule.TxStore: All of the above inside one sql.Tx

KEY TABLES:
  windows / window_history / window_links
  loans / installments / loan_transactions
  term_variations:      Never deleted; kind stored as its integer code
  reschedule_requests / request_variations (ordered mapping)
  schedule_archive:     One immutable schedule copy per approved request

WRITE MODEL:
  Aggregates are written whole. SaveLoan upserts the loan row and replaces
  its installments and transactions; SaveWindow does the same for history.
  Variations and requests are upserted by id and listed in insertion order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so an
  in-memory database is shared by every call and WithTx serialises writers.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/reschedule.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - reschedule/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/mo"

	"github.com/warp/reschedule-engine/amortization"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
	"github.com/warp/reschedule-engine/reschedule"
	"github.com/warp/reschedule-engine/variation"
)

// Store implements reschedule.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Schedule windows
	CREATE TABLE IF NOT EXISTS windows (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		anchor_date TEXT NOT NULL,
		end_date TEXT,
		repeating BOOLEAN NOT NULL DEFAULT FALSE,
		rule TEXT NOT NULL DEFAULT '',
		created_on TEXT NOT NULL,
		updated_on TEXT NOT NULL
	);

	-- Archived rules, oldest first
	CREATE TABLE IF NOT EXISTS window_history (
		window_id TEXT NOT NULL REFERENCES windows(id),
		seq INTEGER NOT NULL,
		rule TEXT NOT NULL,
		anchor_date TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		PRIMARY KEY (window_id, seq)
	);

	-- Entity sync table (links are deactivated, never deleted)
	CREATE TABLE IF NOT EXISTS window_links (
		window_id TEXT NOT NULL REFERENCES windows(id),
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (window_id, entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_window_links_entity
		ON window_links(entity_type, entity_id);

	-- Loans
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		principal TEXT NOT NULL,
		annual_rate TEXT NOT NULL,
		rule TEXT NOT NULL,
		disbursement_date TEXT,
		first_repayment_date TEXT NOT NULL,
		number_of_repayments INTEGER NOT NULL,
		currency TEXT NOT NULL,
		digits INTEGER NOT NULL,
		rounding_mode TEXT NOT NULL,
		in_multiples_of INTEGER NOT NULL DEFAULT 0,
		cadence_rule TEXT,
		cadence_from INTEGER,
		window_id TEXT,
		created_on TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS installments (
		loan_id TEXT NOT NULL REFERENCES loans(id),
		number INTEGER NOT NULL,
		from_date TEXT,
		due_date TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		principal_paid TEXT NOT NULL,
		interest_paid TEXT NOT NULL,
		PRIMARY KEY (loan_id, number)
	);

	CREATE TABLE IF NOT EXISTS loan_transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		tx_type TEXT NOT NULL,
		tx_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		allocations_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loan_transactions_loan
		ON loan_transactions(loan_id, tx_date);

	-- Term variations (kind is the persisted integer code)
	CREATE TABLE IF NOT EXISTS term_variations (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		kind INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		value TEXT NOT NULL,
		date_value TEXT,
		specific_to_installment BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		parent_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_term_variations_loan
		ON term_variations(loan_id);

	-- Reschedule requests
	CREATE TABLE IF NOT EXISTS reschedule_requests (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		status TEXT NOT NULL DEFAULT 'pending_approval',
		from_date TEXT NOT NULL,
		from_installment INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		recalculate_interest BOOLEAN NOT NULL DEFAULT FALSE,
		repayment_rule TEXT,
		submitted_by TEXT,
		submitted_on TEXT,
		approved_by TEXT,
		approved_on TEXT,
		rejected_by TEXT,
		rejected_on TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reschedule_requests_loan
		ON reschedule_requests(loan_id);
	CREATE INDEX IF NOT EXISTS idx_reschedule_requests_status
		ON reschedule_requests(status);

	-- Request -> variation mapping, ordered
	CREATE TABLE IF NOT EXISTS request_variations (
		request_id TEXT NOT NULL REFERENCES reschedule_requests(id),
		position INTEGER NOT NULL,
		variation_id TEXT NOT NULL REFERENCES term_variations(id),
		PRIMARY KEY (request_id, position)
	);

	-- Archived schedules
	CREATE TABLE IF NOT EXISTS schedule_archive (
		loan_id TEXT NOT NULL REFERENCES loans(id),
		request_id TEXT NOT NULL,
		archived_on TEXT NOT NULL,
		installments_json TEXT NOT NULL,
		PRIMARY KEY (loan_id, request_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ACCESS - Store methods take the mutex and delegate to queries
// =============================================================================

func (s *Store) GetWindow(ctx context.Context, id calendar.WindowID) (*calendar.Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetWindow(ctx, id)
}

func (s *Store) SaveWindow(ctx context.Context, w *calendar.Window) error {
	return s.write(ctx, func(q queries) error { return q.SaveWindow(ctx, w) })
}

func (s *Store) ListLinks(ctx context.Context, id calendar.WindowID) ([]calendar.EntityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListLinks(ctx, id)
}

func (s *Store) SaveLink(ctx context.Context, link calendar.EntityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveLink(ctx, link)
}

func (s *Store) GetLoan(ctx context.Context, id generic.LoanID) (*reschedule.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetLoan(ctx, id)
}

func (s *Store) SaveLoan(ctx context.Context, loan *reschedule.Loan) error {
	return s.write(ctx, func(q queries) error { return q.SaveLoan(ctx, loan) })
}

func (s *Store) ListVariations(ctx context.Context, loanID generic.LoanID) ([]variation.TermVariation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListVariations(ctx, loanID)
}

func (s *Store) SaveVariations(ctx context.Context, vs []variation.TermVariation) error {
	return s.write(ctx, func(q queries) error { return q.SaveVariations(ctx, vs) })
}

func (s *Store) GetRequest(ctx context.Context, id reschedule.RequestID) (*reschedule.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetRequest(ctx, id)
}

func (s *Store) SaveRequest(ctx context.Context, r *reschedule.Request) error {
	return s.write(ctx, func(q queries) error { return q.SaveRequest(ctx, r) })
}

func (s *Store) ListRequests(ctx context.Context, loanID generic.LoanID) ([]reschedule.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListRequests(ctx, loanID)
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]reschedule.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPendingRequests(ctx)
}

func (s *Store) ArchiveSchedule(ctx context.Context, v amortization.ScheduleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.ArchiveSchedule(ctx, v)
}

func (s *Store) ListArchives(ctx context.Context, loanID generic.LoanID) ([]amortization.ScheduleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListArchives(ctx, loanID)
}

// write runs a multi-statement write in its own transaction.
func (s *Store) write(ctx context.Context, fn func(queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, fn)
}

// =============================================================================
// TRANSACTIONAL STORE (reschedule.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store reschedule.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q queries) error { return fn(q) })
}

func (s *Store) inTx(ctx context.Context, fn func(queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &generic.PersistenceConflictError{Op: "commit", Err: err}
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by the pooled handle and sql.Tx
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// ---- windows ----

func (q queries) GetWindow(ctx context.Context, id calendar.WindowID) (*calendar.Window, error) {
	var (
		w                              calendar.Window
		anchor, rule, created, updated string
		endDate                        sql.NullString
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, kind, title, anchor_date, end_date, repeating, rule, created_on, updated_on
		 FROM windows WHERE id = ?`, id,
	).Scan(&w.ID, &w.Kind, &w.Title, &anchor, &endDate, &w.Repeating, &rule, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Resource: "window", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load window: %w", err)
	}
	w.AnchorDate = parseDate(anchor)
	w.EndDate = optionalDate(endDate)
	w.Rule = recurrence.Decode(rule)
	w.CreatedOn, w.UpdatedOn = parseDate(created), parseDate(updated)

	rows, err := q.db.QueryContext(ctx,
		`SELECT rule, anchor_date, window_start, window_end
		 FROM window_history WHERE window_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load window history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hRule, hAnchor, start, end string
		if err := rows.Scan(&hRule, &hAnchor, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan window history: %w", err)
		}
		w.History = append(w.History, calendar.HistorySnapshot{
			Rule:        recurrence.Decode(hRule),
			AnchorDate:  parseDate(hAnchor),
			WindowStart: parseDate(start),
			WindowEnd:   parseDate(end),
		})
	}
	return &w, rows.Err()
}

func (q queries) SaveWindow(ctx context.Context, w *calendar.Window) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO windows (id, kind, title, anchor_date, end_date, repeating, rule, created_on, updated_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			anchor_date = excluded.anchor_date,
			end_date = excluded.end_date,
			repeating = excluded.repeating,
			rule = excluded.rule,
			updated_on = excluded.updated_on`,
		w.ID, w.Kind, w.Title, w.AnchorDate.String(), nullDate(w.EndDate), w.Repeating,
		w.Rule.String(), w.CreatedOn.String(), w.UpdatedOn.String(),
	)
	if err != nil {
		return wrapWrite("save window", err)
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM window_history WHERE window_id = ?`, w.ID); err != nil {
		return wrapWrite("save window history", err)
	}
	for i, h := range w.History {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO window_history (window_id, seq, rule, anchor_date, window_start, window_end)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			w.ID, i, h.Rule.String(), h.AnchorDate.String(), h.WindowStart.String(), h.WindowEnd.String(),
		)
		if err != nil {
			return wrapWrite("save window history", err)
		}
	}
	return nil
}

func (q queries) ListLinks(ctx context.Context, id calendar.WindowID) ([]calendar.EntityLink, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT window_id, entity_type, entity_id, active FROM window_links
		 WHERE window_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query window links: %w", err)
	}
	defer rows.Close()

	var links []calendar.EntityLink
	for rows.Next() {
		var l calendar.EntityLink
		if err := rows.Scan(&l.WindowID, &l.EntityType, &l.EntityID, &l.Active); err != nil {
			return nil, fmt.Errorf("failed to scan window link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (q queries) SaveLink(ctx context.Context, link calendar.EntityLink) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO window_links (window_id, entity_type, entity_id, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(window_id, entity_type, entity_id) DO UPDATE SET active = excluded.active`,
		link.WindowID, link.EntityType, link.EntityID, link.Active,
	)
	return wrapWrite("save window link", err)
}

// ---- loans ----

func (q queries) GetLoan(ctx context.Context, id generic.LoanID) (*reschedule.Loan, error) {
	var (
		l                                reschedule.Loan
		rule, first, mode, created       string
		disbursed, cadenceRule, windowID sql.NullString
		cadenceFrom                      sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, status, principal, annual_rate, rule, disbursement_date, first_repayment_date,
		       number_of_repayments, currency, digits, rounding_mode, in_multiples_of,
		       cadence_rule, cadence_from, window_id, created_on
		FROM loans WHERE id = ?`, id,
	).Scan(&l.ID, &l.Status, &l.Terms.Principal, &l.Terms.AnnualRate, &rule, &disbursed, &first,
		&l.Terms.NumberOfRepayments, &l.Rounding.Currency, &l.Rounding.Digits, &mode, &l.Rounding.InMultiplesOf,
		&cadenceRule, &cadenceFrom, &windowID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Resource: "loan", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}

	l.Terms.Rule = recurrence.Decode(rule)
	l.Terms.DisbursementDate = parseDate(disbursed.String)
	l.Terms.FirstRepaymentDate = parseDate(first)
	l.Rounding.Mode = generic.RoundingMode(mode)
	l.CreatedOn = parseDate(created)
	if cadenceRule.Valid {
		l.Cadence = mo.Some(reschedule.Cadence{Rule: recurrence.Decode(cadenceRule.String), FromInstallment: int(cadenceFrom.Int64)})
	}
	if windowID.Valid {
		l.WindowID = mo.Some(calendar.WindowID(windowID.String))
	}

	if l.Installments, err = q.installments(ctx, id); err != nil {
		return nil, err
	}
	if l.Transactions, err = q.transactions(ctx, id); err != nil {
		return nil, err
	}
	return &l, nil
}

func (q queries) installments(ctx context.Context, id generic.LoanID) ([]amortization.Installment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT number, from_date, due_date, principal, interest, principal_paid, interest_paid
		FROM installments WHERE loan_id = ? ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var out []amortization.Installment
	for rows.Next() {
		var (
			inst amortization.Installment
			from sql.NullString
			due  string
		)
		if err := rows.Scan(&inst.Number, &from, &due, &inst.Principal, &inst.Interest, &inst.PrincipalPaid, &inst.InterestPaid); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		inst.FromDate = parseDate(from.String)
		inst.DueDate = parseDate(due)
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (q queries) transactions(ctx context.Context, id generic.LoanID) ([]amortization.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, tx_type, tx_date, amount, allocations_json
		FROM loan_transactions WHERE loan_id = ? ORDER BY tx_date, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query loan transactions: %w", err)
	}
	defer rows.Close()

	var out []amortization.Transaction
	for rows.Next() {
		var (
			tx                amortization.Transaction
			date, allocations string
		)
		if err := rows.Scan(&tx.ID, &tx.Type, &date, &tx.Amount, &allocations); err != nil {
			return nil, fmt.Errorf("failed to scan loan transaction: %w", err)
		}
		tx.Date = parseDate(date)
		if err := json.Unmarshal([]byte(allocations), &tx.Allocations); err != nil {
			return nil, fmt.Errorf("failed to decode allocations of %s: %w", tx.ID, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (q queries) SaveLoan(ctx context.Context, l *reschedule.Loan) error {
	var cadenceRule sql.NullString
	var cadenceFrom sql.NullInt64
	if c, ok := l.Cadence.Get(); ok {
		cadenceRule = nullString(c.Rule.String())
		cadenceFrom = sql.NullInt64{Int64: int64(c.FromInstallment), Valid: true}
	}
	var windowID sql.NullString
	if id, ok := l.WindowID.Get(); ok {
		windowID = nullString(string(id))
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO loans (id, status, principal, annual_rate, rule, disbursement_date, first_repayment_date,
		                   number_of_repayments, currency, digits, rounding_mode, in_multiples_of,
		                   cadence_rule, cadence_from, window_id, created_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			principal = excluded.principal,
			annual_rate = excluded.annual_rate,
			rule = excluded.rule,
			disbursement_date = excluded.disbursement_date,
			first_repayment_date = excluded.first_repayment_date,
			number_of_repayments = excluded.number_of_repayments,
			currency = excluded.currency,
			digits = excluded.digits,
			rounding_mode = excluded.rounding_mode,
			in_multiples_of = excluded.in_multiples_of,
			cadence_rule = excluded.cadence_rule,
			cadence_from = excluded.cadence_from,
			window_id = excluded.window_id`,
		l.ID, l.Status, l.Terms.Principal.String(), l.Terms.AnnualRate.String(), l.Terms.Rule.String(),
		nullString(dateText(l.Terms.DisbursementDate)), l.Terms.FirstRepaymentDate.String(),
		l.Terms.NumberOfRepayments, l.Rounding.Currency, l.Rounding.Digits, string(l.Rounding.Mode), l.Rounding.InMultiplesOf,
		cadenceRule, cadenceFrom, windowID, l.CreatedOn.String(),
	)
	if err != nil {
		return wrapWrite("save loan", err)
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM installments WHERE loan_id = ?`, l.ID); err != nil {
		return wrapWrite("save installments", err)
	}
	for _, inst := range l.Installments {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO installments (loan_id, number, from_date, due_date, principal, interest, principal_paid, interest_paid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, inst.Number, nullString(dateText(inst.FromDate)), inst.DueDate.String(),
			inst.Principal.String(), inst.Interest.String(), inst.PrincipalPaid.String(), inst.InterestPaid.String(),
		)
		if err != nil {
			return wrapWrite("save installments", err)
		}
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM loan_transactions WHERE loan_id = ?`, l.ID); err != nil {
		return wrapWrite("save loan transactions", err)
	}
	for _, tx := range l.Transactions {
		allocations, err := json.Marshal(tx.Allocations)
		if err != nil {
			return fmt.Errorf("failed to encode allocations of %s: %w", tx.ID, err)
		}
		_, err = q.db.ExecContext(ctx, `
			INSERT INTO loan_transactions (id, loan_id, tx_type, tx_date, amount, allocations_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tx.ID, l.ID, tx.Type, tx.Date.String(), tx.Amount.String(), string(allocations),
		)
		if err != nil {
			return wrapWrite("save loan transactions", err)
		}
	}
	return nil
}

// ---- term variations ----

func (q queries) ListVariations(ctx context.Context, loanID generic.LoanID) ([]variation.TermVariation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, loan_id, kind, effective_from, value, date_value, specific_to_installment, active, parent_id
		FROM term_variations WHERE loan_id = ? ORDER BY rowid`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query term variations: %w", err)
	}
	defer rows.Close()

	var out []variation.TermVariation
	for rows.Next() {
		var (
			v                 variation.TermVariation
			code              int
			effective         string
			dateValue, parent sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.LoanID, &code, &effective, &v.Value, &dateValue, &v.SpecificToInstallment, &v.Active, &parent); err != nil {
			return nil, fmt.Errorf("failed to scan term variation: %w", err)
		}
		if v.Kind, err = variation.KindFromCode(code); err != nil {
			return nil, fmt.Errorf("term variation %s: %w", v.ID, err)
		}
		v.EffectiveFrom = parseDate(effective)
		v.DateValue = optionalDate(dateValue)
		if parent.Valid {
			v.Parent = mo.Some(variation.ID(parent.String))
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (q queries) SaveVariations(ctx context.Context, vs []variation.TermVariation) error {
	for _, v := range vs {
		var parent sql.NullString
		if p, ok := v.Parent.Get(); ok {
			parent = nullString(string(p))
		}
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO term_variations (id, loan_id, kind, effective_from, value, date_value,
			                             specific_to_installment, active, parent_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				effective_from = excluded.effective_from,
				value = excluded.value,
				date_value = excluded.date_value,
				specific_to_installment = excluded.specific_to_installment,
				active = excluded.active,
				parent_id = excluded.parent_id`,
			v.ID, v.LoanID, v.Kind.Code(), v.EffectiveFrom.String(), v.Value.String(), nullDate(v.DateValue),
			v.SpecificToInstallment, v.Active, parent,
		)
		if err != nil {
			return wrapWrite("save term variation", err)
		}
	}
	return nil
}

// ---- reschedule requests ----

const requestColumns = `id, loan_id, status, from_date, from_installment, reason, recalculate_interest,
	repayment_rule, submitted_by, submitted_on, approved_by, approved_on, rejected_by, rejected_on`

func (q queries) GetRequest(ctx context.Context, id reschedule.RequestID) (*reschedule.Request, error) {
	reqs, err := q.queryRequests(ctx, `SELECT `+requestColumns+` FROM reschedule_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, &generic.NotFoundError{Resource: "reschedule request", ID: string(id)}
	}
	return &reqs[0], nil
}

func (q queries) ListRequests(ctx context.Context, loanID generic.LoanID) ([]reschedule.Request, error) {
	return q.queryRequests(ctx, `SELECT `+requestColumns+` FROM reschedule_requests WHERE loan_id = ? ORDER BY rowid`, loanID)
}

func (q queries) ListPendingRequests(ctx context.Context) ([]reschedule.Request, error) {
	return q.queryRequests(ctx, `SELECT `+requestColumns+` FROM reschedule_requests WHERE status = ? ORDER BY rowid`, reschedule.StatusPendingApproval)
}

func (q queries) queryRequests(ctx context.Context, query string, args ...any) ([]reschedule.Request, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reschedule requests: %w", err)
	}

	var out []reschedule.Request
	for rows.Next() {
		var (
			r                                              reschedule.Request
			from                                           string
			rule, subBy, subOn, appBy, appOn, rejBy, rejOn sql.NullString
		)
		err := rows.Scan(&r.ID, &r.LoanID, &r.Status, &from, &r.FromInstallment, &r.Reason, &r.RecalculateInterest,
			&rule, &subBy, &subOn, &appBy, &appOn, &rejBy, &rejOn)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reschedule request: %w", err)
		}
		r.FromDate = parseDate(from)
		if rule.Valid {
			r.RepaymentRule = mo.Some(recurrence.Decode(rule.String))
		}
		r.Submitted = decision(subBy, subOn)
		r.Approved = decision(appBy, appOn)
		r.Rejected = decision(rejBy, rejOn)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// The mapping is read after the cursor is closed: one connection.
	for i := range out {
		if out[i].VariationIDs, err = q.requestVariations(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q queries) requestVariations(ctx context.Context, id reschedule.RequestID) ([]variation.ID, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT variation_id FROM request_variations WHERE request_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query request variations: %w", err)
	}
	defer rows.Close()

	var ids []variation.ID
	for rows.Next() {
		var vid variation.ID
		if err := rows.Scan(&vid); err != nil {
			return nil, fmt.Errorf("failed to scan request variation: %w", err)
		}
		ids = append(ids, vid)
	}
	return ids, rows.Err()
}

func (q queries) SaveRequest(ctx context.Context, r *reschedule.Request) error {
	var rule sql.NullString
	if rr, ok := r.RepaymentRule.Get(); ok {
		rule = nullString(rr.String())
	}
	subBy, subOn := decisionColumns(r.Submitted)
	appBy, appOn := decisionColumns(r.Approved)
	rejBy, rejOn := decisionColumns(r.Rejected)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reschedule_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			approved_by = excluded.approved_by,
			approved_on = excluded.approved_on,
			rejected_by = excluded.rejected_by,
			rejected_on = excluded.rejected_on`,
		r.ID, r.LoanID, r.Status, r.FromDate.String(), r.FromInstallment, r.Reason, r.RecalculateInterest,
		rule, subBy, subOn, appBy, appOn, rejBy, rejOn,
	)
	if err != nil {
		return wrapWrite("save reschedule request", err)
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM request_variations WHERE request_id = ?`, r.ID); err != nil {
		return wrapWrite("save request variations", err)
	}
	for i, vid := range r.VariationIDs {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO request_variations (request_id, position, variation_id) VALUES (?, ?, ?)`,
			r.ID, i, vid)
		if err != nil {
			return wrapWrite("save request variations", err)
		}
	}
	return nil
}

// ---- schedule archive ----

func (q queries) ArchiveSchedule(ctx context.Context, v amortization.ScheduleVersion) error {
	payload, err := json.Marshal(v.Installments)
	if err != nil {
		return fmt.Errorf("failed to encode archived schedule: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO schedule_archive (loan_id, request_id, archived_on, installments_json) VALUES (?, ?, ?, ?)`,
		v.LoanID, v.RequestID, v.ArchivedOn.String(), string(payload))
	return wrapWrite("archive schedule", err)
}

func (q queries) ListArchives(ctx context.Context, loanID generic.LoanID) ([]amortization.ScheduleVersion, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT loan_id, request_id, archived_on, installments_json
		FROM schedule_archive WHERE loan_id = ? ORDER BY archived_on, rowid`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule archive: %w", err)
	}
	defer rows.Close()

	var out []amortization.ScheduleVersion
	for rows.Next() {
		var (
			v                 amortization.ScheduleVersion
			archived, payload string
		)
		if err := rows.Scan(&v.LoanID, &v.RequestID, &archived, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan schedule archive: %w", err)
		}
		v.ArchivedOn = parseDate(archived)
		if err := json.Unmarshal([]byte(payload), &v.Installments); err != nil {
			return nil, fmt.Errorf("failed to decode archived schedule: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dateText(d generic.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func nullDate(d mo.Option[generic.Date]) sql.NullString {
	if v, ok := d.Get(); ok {
		return nullString(v.String())
	}
	return sql.NullString{}
}

func parseDate(s string) generic.Date {
	if s == "" {
		return generic.Date{}
	}
	d, _ := generic.ParseDate(s)
	return d
}

func optionalDate(s sql.NullString) mo.Option[generic.Date] {
	if !s.Valid || s.String == "" {
		return mo.None[generic.Date]()
	}
	return mo.Some(parseDate(s.String))
}

func decision(by, on sql.NullString) mo.Option[generic.Decision] {
	if !on.Valid {
		return mo.None[generic.Decision]()
	}
	return mo.Some(generic.Decision{By: generic.Actor(by.String), On: parseDate(on.String)})
}

func decisionColumns(d mo.Option[generic.Decision]) (sql.NullString, sql.NullString) {
	v, ok := d.Get()
	if !ok {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(v.By), Valid: true}, nullString(v.On.String())
}

// wrapWrite maps integrity failures to a persistence conflict and passes
// nil through.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConstraintError(err) {
		return &generic.PersistenceConflictError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
