package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/ngnasoro/pkg/models"
	"github.com/shopspring/decimal"
)

// dialect captures the differences between the supported SQL drivers.
type dialect struct {
	driver      string
	numbered    bool // $1, $2 placeholders instead of ?
	initQueries []string
}

var (
	sqliteDialect = dialect{
		driver: "sqlite3",
		initQueries: []string{
			"PRAGMA foreign_keys = ON;",
			"PRAGMA journal_mode = WAL;",
			"PRAGMA busy_timeout = 5000;",
		},
	}
	postgresDialect = dialect{
		driver:   "postgres",
		numbered: true,
	}
)

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
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

// SQLStore manages the database connection and operations. Decimal amounts
// are stored as TEXT and calendar dates as YYYY-MM-DD TEXT so both drivers
// round-trip them without loss and dates compare lexically.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteStore opens (or creates) a SQLite database file.
func NewSQLiteStore(dataSourceName string) (*SQLStore, error) {
	return open(sqliteDialect, dataSourceName)
}

// NewPostgresStore connects to PostgreSQL using a lib/pq connection string.
func NewPostgresStore(dataSourceName string) (*SQLStore, error) {
	return open(postgresDialect, dataSourceName)
}

// New picks the store implementation by driver name.
func New(driver, dataSourceName string) (*SQLStore, error) {
	switch driver {
	case sqliteDialect.driver, "sqlite":
		return NewSQLiteStore(dataSourceName)
	case postgresDialect.driver, "postgresql":
		return NewPostgresStore(dataSourceName)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func open(d dialect, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if d.driver == sqliteDialect.driver {
		// Pragmas are per connection.
		db.SetMaxOpenConns(1)
	}
	for _, q := range d.initQueries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", q, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't already exist.
func (s *SQLStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		sfd_id TEXT NOT NULL,
		client_email TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		monthly_payment TEXT NOT NULL,
		status TEXT NOT NULL,
		disbursed_at TEXT,
		next_payment_date TEXT,
		last_payment_date TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		sequence INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		penalty TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		paid_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (loan_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_installments_due ON installments (due_date, status);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		installment_id TEXT,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		action_url TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id);
	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		target_resource TEXT NOT NULL,
		details TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS reminder_dispatches (
		installment_id TEXT NOT NULL,
		lead_days INTEGER NOT NULL,
		run_date TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (installment_id, lead_days, run_date)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation checks for primary key or unique constraint failures
// from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func dateValue(d *civil.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func parseNullDate(v sql.NullString) (*civil.Date, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

const loanColumns = `id, client_id, sfd_id, client_email, principal, interest_rate, duration_months, monthly_payment, status, disbursed_at, next_payment_date, last_payment_date, created_at, updated_at`

func scanLoan(row scanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr string
	var disbursed, next sql.NullString
	var lastPayment sql.NullTime
	if err := row.Scan(&idStr, &loan.ClientID, &loan.SFDID, &loan.ClientEmail, &loan.Principal, &loan.InterestRate,
		&loan.DurationMonths, &loan.MonthlyPayment, &loan.Status, &disbursed, &next, &lastPayment, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", idStr, err)
	}
	loan.ID = id
	if loan.DisbursedAt, err = parseNullDate(disbursed); err != nil {
		return nil, fmt.Errorf("invalid disbursement date for loan %s: %w", id, err)
	}
	if loan.NextPaymentDate, err = parseNullDate(next); err != nil {
		return nil, fmt.Errorf("invalid next payment date for loan %s: %w", id, err)
	}
	loan.LastPaymentDate = parseNullTime(lastPayment)
	loan.CreatedAt = loan.CreatedAt.UTC()
	loan.UpdatedAt = loan.UpdatedAt.UTC()
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		loan.ID.String(), loan.ClientID, loan.SFDID, loan.ClientEmail, loan.Principal, loan.InterestRate,
		loan.DurationMonths, loan.MonthlyPayment, string(loan.Status), dateValue(loan.DisbursedAt),
		dateValue(loan.NextPaymentDate), timeValue(loan.LastPaymentDate), loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return s.getLoan(ctx, s.db, id)
}

func (s *SQLStore) getLoan(ctx context.Context, q queryer, id uuid.UUID) (*models.Loan, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+loanColumns+` FROM loans WHERE id = ?`), id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan in the database.
func (s *SQLStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	return s.updateLoan(ctx, s.db, loan)
}

func (s *SQLStore) updateLoan(ctx context.Context, q queryer, loan *models.Loan) error {
	result, err := q.ExecContext(ctx, s.dialect.rebind(
		`UPDATE loans SET client_id = ?, sfd_id = ?, client_email = ?, principal = ?, interest_rate = ?, duration_months = ?,
		monthly_payment = ?, status = ?, disbursed_at = ?, next_payment_date = ?, last_payment_date = ?, updated_at = ?
		WHERE id = ?`),
		loan.ClientID, loan.SFDID, loan.ClientEmail, loan.Principal, loan.InterestRate, loan.DurationMonths,
		loan.MonthlyPayment, string(loan.Status), dateValue(loan.DisbursedAt), dateValue(loan.NextPaymentDate),
		timeValue(loan.LastPaymentDate), loan.UpdatedAt.UTC(), loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// GetAllLoans retrieves all loans, newest first.
func (s *SQLStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

const installmentColumns = `id, loan_id, sequence, due_date, principal, interest, total_amount, penalty, status, paid_amount, paid_at, created_at, updated_at`

func scanInstallment(row scanner) (*models.Installment, error) {
	var inst models.Installment
	var idStr, loanIDStr, dueStr string
	var paidAt sql.NullTime
	if err := row.Scan(&idStr, &loanIDStr, &inst.Sequence, &dueStr, &inst.Principal, &inst.Interest, &inst.TotalAmount,
		&inst.Penalty, &inst.Status, &inst.PaidAmount, &paidAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if inst.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid installment id %q: %w", idStr, err)
	}
	if inst.LoanID, err = uuid.Parse(loanIDStr); err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", loanIDStr, err)
	}
	if inst.DueDate, err = civil.ParseDate(dueStr); err != nil {
		return nil, fmt.Errorf("invalid due date for installment %s: %w", idStr, err)
	}
	inst.PaidAt = parseNullTime(paidAt)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return &inst, nil
}

func (s *SQLStore) queryInstallments(ctx context.Context, q queryer, query string, args ...any) ([]*models.Installment, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return installments, nil
}

// CreateSchedule inserts all installments of a loan within one transaction.
func (s *SQLStore) CreateSchedule(ctx context.Context, loanID uuid.UUID, installments []*models.Installment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.createSchedule(ctx, tx, loanID, installments); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSchedule
		}
		return fmt.Errorf("failed to commit schedule: %w", err)
	}
	return nil
}

func (s *SQLStore) createSchedule(ctx context.Context, q queryer, loanID uuid.UUID, installments []*models.Installment) error {
	var existing int
	if err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM installments WHERE loan_id = ?`), loanID.String()).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check existing schedule: %w", err)
	}
	if existing > 0 {
		return ErrDuplicateSchedule
	}

	insert := s.dialect.rebind(`INSERT INTO installments (` + installmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, inst := range installments {
		if inst.LoanID != loanID {
			return fmt.Errorf("installment %d belongs to loan %s, not %s", inst.Sequence, inst.LoanID, loanID)
		}
		_, err := q.ExecContext(ctx, insert,
			inst.ID.String(), loanID.String(), inst.Sequence, inst.DueDate.String(), inst.Principal, inst.Interest,
			inst.TotalAmount, inst.Penalty, string(inst.Status), inst.PaidAmount, timeValue(inst.PaidAt),
			inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateSchedule
			}
			return fmt.Errorf("failed to insert installment %d: %w", inst.Sequence, err)
		}
	}
	return nil
}

// DisburseLoan stores the schedule, the activated loan and the disbursement
// transaction together. On any failure none of them is written, so the call
// can be retried.
func (s *SQLStore) DisburseLoan(ctx context.Context, loan *models.Loan, installments []*models.Installment, disbursement *models.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.createSchedule(ctx, tx, loan.ID, installments); err != nil {
		return fmt.Errorf("failed to store payment schedule: %w", err)
	}
	if err := s.updateLoan(ctx, tx, loan); err != nil {
		return fmt.Errorf("failed to activate loan: %w", err)
	}
	if err := s.createTransaction(ctx, tx, disbursement); err != nil {
		return fmt.Errorf("failed to store disbursement transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSchedule
		}
		return fmt.Errorf("failed to commit disbursement: %w", err)
	}
	return nil
}

// GetSchedule retrieves the installments of a loan in sequence order.
func (s *SQLStore) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	installments, err := s.queryInstallments(ctx, s.db,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule for loan %s: %w", loanID, err)
	}
	return installments, nil
}

// GetInstallment retrieves an installment by its ID.
func (s *SQLStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	return s.getInstallment(ctx, s.db, id)
}

func (s *SQLStore) getInstallment(ctx context.Context, q queryer, id uuid.UUID) (*models.Installment, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+installmentColumns+` FROM installments WHERE id = ?`), id.String())
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstallmentNotFound
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// GetDueInstallments retrieves pending installments due on the given date.
func (s *SQLStore) GetDueInstallments(ctx context.Context, onDate civil.Date) ([]*models.Installment, error) {
	installments, err := s.queryInstallments(ctx, s.db,
		`SELECT `+installmentColumns+` FROM installments WHERE due_date = ? AND status = ? ORDER BY loan_id, sequence`,
		onDate.String(), string(models.InstallmentStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to get installments due on %s: %w", onDate, err)
	}
	return installments, nil
}

// RecordPayment marks an installment paid. The status change is a
// conditional update so concurrent callers cannot both succeed.
func (s *SQLStore) RecordPayment(ctx context.Context, installmentID uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) (*models.Installment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	paidAt = paidAt.UTC()
	result, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE installments SET status = ?, paid_amount = ?, paid_at = ?, updated_at = ? WHERE id = ? AND status <> ?`),
		string(models.InstallmentStatusPaid), paidAmount, paidAt, time.Now().UTC(), installmentID.String(),
		string(models.InstallmentStatusPaid),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update installment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.getInstallment(ctx, tx, installmentID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyPaid
	}

	inst, err := s.getInstallment(ctx, tx, installmentID)
	if err != nil {
		return nil, err
	}
	loan, err := s.getLoan(ctx, tx, inst.LoanID)
	if err != nil {
		return nil, err
	}

	var next sql.NullString
	if err := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT MIN(due_date) FROM installments WHERE loan_id = ? AND status <> ?`),
		loan.ID.String(), string(models.InstallmentStatusPaid)).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to find next installment: %w", err)
	}
	nextDate, err := parseNullDate(next)
	if err != nil {
		return nil, fmt.Errorf("invalid next due date: %w", err)
	}

	status := loan.Status
	if nextDate == nil && status == models.LoanStatusActive {
		status = models.LoanStatusCompleted
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE loans SET next_payment_date = ?, last_payment_date = ?, status = ?, updated_at = ? WHERE id = ?`),
		dateValue(nextDate), paidAt, string(status), time.Now().UTC(), loan.ID.String(),
	); err != nil {
		return nil, fmt.Errorf("failed to update loan payment dates: %w", err)
	}

	payment := &models.Transaction{
		ID:            uuid.New(),
		LoanID:        loan.ID,
		InstallmentID: &inst.ID,
		Amount:        paidAmount,
		Type:          models.TransactionTypePayment,
		Timestamp:     paidAt,
	}
	if err := s.createTransaction(ctx, tx, payment); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit payment: %w", err)
	}
	return inst, nil
}

// MarkLateInstallments flags overdue pending installments as late.
func (s *SQLStore) MarkLateInstallments(ctx context.Context, before civil.Date, feeRate decimal.Decimal) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	overdue, err := s.queryInstallments(ctx, tx,
		`SELECT `+installmentColumns+` FROM installments WHERE due_date < ? AND status = ?`,
		before.String(), string(models.InstallmentStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to get overdue installments: %w", err)
	}

	update := s.dialect.rebind(`UPDATE installments SET status = ?, penalty = ?, updated_at = ? WHERE id = ? AND status = ?`)
	marked := 0
	for _, inst := range overdue {
		penalty := inst.TotalAmount.Mul(feeRate).Div(decimal.NewFromInt(100)).Ceil()
		result, err := tx.ExecContext(ctx, update,
			string(models.InstallmentStatusLate), penalty, time.Now().UTC(), inst.ID.String(),
			string(models.InstallmentStatusPending))
		if err != nil {
			return 0, fmt.Errorf("failed to mark installment %s late: %w", inst.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to check rows affected: %w", err)
		}
		marked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit late installments: %w", err)
	}
	return marked, nil
}

// CreateTransaction inserts a new ledger transaction into the database.
func (s *SQLStore) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	return s.createTransaction(ctx, s.db, transaction)
}

func (s *SQLStore) createTransaction(ctx context.Context, q queryer, transaction *models.Transaction) error {
	var installmentID any
	if transaction.InstallmentID != nil {
		installmentID = transaction.InstallmentID.String()
	}
	_, err := q.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO transactions (id, loan_id, installment_id, amount, type, timestamp) VALUES (?, ?, ?, ?, ?, ?)`),
		transaction.ID.String(), transaction.LoanID.String(), installmentID, transaction.Amount,
		string(transaction.Type), transaction.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *SQLStore) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, loan_id, installment_id, amount, type, timestamp FROM transactions WHERE loan_id = ? ORDER BY timestamp ASC`),
		loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		var transaction models.Transaction
		var txIDStr, loanIDStr string
		var installmentIDStr sql.NullString
		if err := rows.Scan(&txIDStr, &loanIDStr, &installmentIDStr, &transaction.Amount, &transaction.Type, &transaction.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		if transaction.ID, err = uuid.Parse(txIDStr); err != nil {
			return nil, fmt.Errorf("invalid transaction id %q: %w", txIDStr, err)
		}
		if transaction.LoanID, err = uuid.Parse(loanIDStr); err != nil {
			return nil, fmt.Errorf("invalid loan id %q on transaction %s: %w", loanIDStr, txIDStr, err)
		}
		if installmentIDStr.Valid {
			id, err := uuid.Parse(installmentIDStr.String)
			if err != nil {
				return nil, fmt.Errorf("invalid installment id %q on transaction %s: %w", installmentIDStr.String, txIDStr, err)
			}
			transaction.InstallmentID = &id
		}
		transaction.Timestamp = transaction.Timestamp.UTC()
		transactions = append(transactions, &transaction)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan transactions: %w", err)
	}
	return transactions, nil
}

// CreateNotification inserts a notification for a user.
func (s *SQLStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO notifications (id, user_id, type, title, message, action_url, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID.String(), n.UserID, string(n.Type), n.Title, n.Message, n.ActionURL, n.Read, n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// GetNotificationsForUser retrieves a user's notifications, newest first.
func (s *SQLStore) GetNotificationsForUser(ctx context.Context, userID string) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, user_id, type, title, message, action_url, is_read, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get notifications for user %s: %w", userID, err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		var idStr string
		if err := rows.Scan(&idStr, &n.UserID, &n.Type, &n.Title, &n.Message, &n.ActionURL, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid notification id %q: %w", idStr, err)
		}
		n.ID = id
		n.CreatedAt = n.CreatedAt.UTC()
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for notifications: %w", err)
	}
	return notifications, nil
}

// CreateAuditLog inserts an audit trail entry.
func (s *SQLStore) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO audit_logs (id, user_id, action, category, severity, status, target_resource, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID.String(), entry.UserID, entry.Action, entry.Category, entry.Severity, entry.Status,
		entry.TargetResource, string(details), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// ClaimReminder inserts the dispatch key, reporting whether it was new.
func (s *SQLStore) ClaimReminder(ctx context.Context, installmentID uuid.UUID, leadDays int, runDate civil.Date) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO reminder_dispatches (installment_id, lead_days, run_date, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		installmentID.String(), leadDays, runDate.String(), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim reminder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseReminder removes a dispatch key so the reminder can fire again.
func (s *SQLStore) ReleaseReminder(ctx context.Context, installmentID uuid.UUID, leadDays int, runDate civil.Date) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM reminder_dispatches WHERE installment_id = ? AND lead_days = ? AND run_date = ?`),
		installmentID.String(), leadDays, runDate.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to release reminder: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
