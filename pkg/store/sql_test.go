package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/ngnasoro/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newActiveLoan(t *testing.T, s *SQLStore) *models.Loan {
	t.Helper()
	now := time.Now().UTC()
	disbursed := civil.Date{Year: 2026, Month: 1, Day: 15}
	loan := &models.Loan{
		ID:             uuid.New(),
		ClientID:       "client-1",
		SFDID:          "sfd-1",
		Principal:      decimal.NewFromInt(3000),
		InterestRate:   decimal.Zero,
		DurationMonths: 3,
		MonthlyPayment: decimal.NewFromInt(1000),
		Status:         models.LoanStatusActive,
		DisbursedAt:    &disbursed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateLoan(context.Background(), loan))
	return loan
}

func scheduleFor(loan *models.Loan) []*models.Installment {
	now := time.Now().UTC()
	var out []*models.Installment
	for k := 1; k <= loan.DurationMonths; k++ {
		out = append(out, &models.Installment{
			ID:          uuid.New(),
			LoanID:      loan.ID,
			Sequence:    k,
			DueDate:     civil.Date{Year: 2026, Month: time.Month(1 + k), Day: 15},
			Principal:   decimal.NewFromInt(1000),
			Interest:    decimal.Zero,
			TotalAmount: decimal.NewFromInt(1000),
			Penalty:     decimal.Zero,
			Status:      models.InstallmentStatusPending,
			PaidAmount:  decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out
}

func TestSQLStore_CreateAndGetLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.ClientID, fetched.ClientID)
	assert.True(t, fetched.Principal.Equal(loan.Principal))
	assert.Equal(t, models.LoanStatusActive, fetched.Status)
	require.NotNil(t, fetched.DisbursedAt)
	assert.Equal(t, *loan.DisbursedAt, *fetched.DisbursedAt)
	assert.Nil(t, fetched.NextPaymentDate)

	_, err = s.GetLoan(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)

	fetched.Status = models.LoanStatusDefaulted
	require.NoError(t, s.UpdateLoan(ctx, fetched))
	again, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusDefaulted, again.Status)

	all, err := s.GetAllLoans(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLStore_CreateSchedule_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)

	require.NoError(t, s.CreateSchedule(ctx, loan.ID, scheduleFor(loan)))
	err := s.CreateSchedule(ctx, loan.ID, scheduleFor(loan))
	assert.ErrorIs(t, err, ErrDuplicateSchedule)

	schedule, err := s.GetSchedule(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, schedule, 3)
	for i, inst := range schedule {
		assert.Equal(t, i+1, inst.Sequence)
	}
}

func TestSQLStore_CreateSchedule_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)

	installments := scheduleFor(loan)
	installments[2].Sequence = 1 // collides with the first row

	err := s.CreateSchedule(ctx, loan.ID, installments)
	require.Error(t, err)

	schedule, err := s.GetSchedule(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, schedule)
}

func TestSQLStore_GetDueInstallments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)
	installments := scheduleFor(loan)
	require.NoError(t, s.CreateSchedule(ctx, loan.ID, installments))

	due, err := s.GetDueInstallments(ctx, installments[1].DueDate)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, installments[1].ID, due[0].ID)

	_, err = s.RecordPayment(ctx, installments[1].ID, decimal.NewFromInt(1000), time.Now())
	require.NoError(t, err)

	due, err = s.GetDueInstallments(ctx, installments[1].DueDate)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSQLStore_RecordPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)
	installments := scheduleFor(loan)
	require.NoError(t, s.CreateSchedule(ctx, loan.ID, installments))

	paidAt := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	inst, err := s.RecordPayment(ctx, installments[0].ID, decimal.NewFromInt(1000), paidAt)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusPaid, inst.Status)
	assert.True(t, inst.PaidAmount.Equal(decimal.NewFromInt(1000)))

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.NextPaymentDate)
	assert.Equal(t, installments[1].DueDate, *fetched.NextPaymentDate)
	require.NotNil(t, fetched.LastPaymentDate)
	assert.True(t, paidAt.Equal(*fetched.LastPaymentDate))

	// Second payment of the same installment is rejected and not counted.
	_, err = s.RecordPayment(ctx, installments[0].ID, decimal.NewFromInt(1000), paidAt.Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	again, err := s.GetInstallment(ctx, installments[0].ID)
	require.NoError(t, err)
	assert.True(t, again.PaidAmount.Equal(decimal.NewFromInt(1000)))
	require.NotNil(t, again.PaidAt)
	assert.True(t, paidAt.Equal(*again.PaidAt))

	txs, err := s.GetTransactionsForLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionTypePayment, txs[0].Type)

	_, err = s.RecordPayment(ctx, uuid.New(), decimal.NewFromInt(1000), paidAt)
	assert.ErrorIs(t, err, ErrInstallmentNotFound)
}

func TestSQLStore_RecordPayment_CompletesLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)
	installments := scheduleFor(loan)
	require.NoError(t, s.CreateSchedule(ctx, loan.ID, installments))

	// Out of order on purpose: the next payment date is the earliest unpaid one.
	for _, i := range []int{2, 0, 1} {
		_, err := s.RecordPayment(ctx, installments[i].ID, decimal.NewFromInt(1000), time.Now())
		require.NoError(t, err)
	}

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Nil(t, fetched.NextPaymentDate)
	assert.Equal(t, models.LoanStatusCompleted, fetched.Status)
}

func TestSQLStore_RecordPayment_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)
	installments := scheduleFor(loan)
	require.NoError(t, s.CreateSchedule(ctx, loan.ID, installments))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordPayment(ctx, installments[0].ID, decimal.NewFromInt(1000), time.Now())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrAlreadyPaid), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	txs, err := s.GetTransactionsForLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSQLStore_MarkLateInstallments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)
	installments := scheduleFor(loan)
	require.NoError(t, s.CreateSchedule(ctx, loan.ID, installments))

	// Due dates are Feb 15, Mar 15, Apr 15.
	marked, err := s.MarkLateInstallments(ctx, civil.Date{Year: 2026, Month: 3, Day: 20}, decimal.NewFromFloat(2.5))
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	first, err := s.GetInstallment(ctx, installments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusLate, first.Status)
	assert.True(t, first.Penalty.Equal(decimal.NewFromInt(25)), "penalty %s", first.Penalty)

	marked, err = s.MarkLateInstallments(ctx, civil.Date{Year: 2026, Month: 3, Day: 20}, decimal.NewFromFloat(2.5))
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	// Late installments can still be paid.
	_, err = s.RecordPayment(ctx, installments[0].ID, decimal.NewFromInt(1025), time.Now())
	require.NoError(t, err)
}

func TestSQLStore_ClaimReminder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	today := civil.Date{Year: 2026, Month: 10, Day: 14}

	claimed, err := s.ClaimReminder(ctx, id, 7, today)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimReminder(ctx, id, 7, today)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = s.ClaimReminder(ctx, id, 3, today)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, s.ReleaseReminder(ctx, id, 7, today))
	claimed, err = s.ClaimReminder(ctx, id, 7, today)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSQLStore_NotificationsAndAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := &models.Notification{
		ID:        uuid.New(),
		UserID:    "client-1",
		Type:      models.NotificationUrgent,
		Title:     "Échéance demain",
		Message:   "message",
		ActionURL: "/loans/x",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateNotification(ctx, n))

	list, err := s.GetNotificationsForUser(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n.Title, list[0].Title)
	assert.Equal(t, models.NotificationUrgent, list[0].Type)
	assert.False(t, list[0].Read)

	require.NoError(t, s.CreateAuditLog(ctx, &models.AuditLog{
		ID:             uuid.New(),
		UserID:         "client-1",
		Action:         "payment_reminder_sent",
		Category:       "loan_management",
		Severity:       "info",
		Status:         "success",
		TargetResource: "installments/1",
		Details:        map[string]string{"lead_days": "1"},
		CreatedAt:      time.Now(),
	}))
}

func TestDialect_Rebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c <> ?`
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c <> $2`, postgresDialect.rebind(q))
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New("mysql", "")
	assert.Error(t, err)
}

func TestSQLStore_DisburseLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := newActiveLoan(t, s)
	loan.Status = models.LoanStatusApproved
	loan.DisbursedAt = nil
	require.NoError(t, s.UpdateLoan(ctx, loan))

	// A transaction id that is already taken makes the last write fail.
	taken := &models.Transaction{ID: uuid.New(), LoanID: loan.ID, Amount: decimal.NewFromInt(1), Type: models.TransactionTypePayment, Timestamp: time.Now()}
	require.NoError(t, s.CreateTransaction(ctx, taken))

	activated := *loan
	disbursed := civil.Date{Year: 2026, Month: 1, Day: 15}
	next := civil.Date{Year: 2026, Month: 2, Day: 15}
	activated.Status = models.LoanStatusActive
	activated.DisbursedAt = &disbursed
	activated.NextPaymentDate = &next

	disbursement := &models.Transaction{ID: taken.ID, LoanID: loan.ID, Amount: loan.Principal, Type: models.TransactionTypeDisbursement, Timestamp: time.Now()}
	err := s.DisburseLoan(ctx, &activated, scheduleFor(loan), disbursement)
	require.Error(t, err)

	stored, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusApproved, stored.Status)
	assert.Nil(t, stored.DisbursedAt)
	installments, err := s.GetSchedule(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, installments)

	// Nothing was left behind, so a retry goes through.
	disbursement.ID = uuid.New()
	require.NoError(t, s.DisburseLoan(ctx, &activated, scheduleFor(loan), disbursement))

	stored, err = s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, stored.Status)
	require.NotNil(t, stored.NextPaymentDate)
	assert.Equal(t, next, *stored.NextPaymentDate)
	installments, err = s.GetSchedule(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, installments, 3)
	transactions, err := s.GetTransactionsForLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, transactions, 2)

	err = s.DisburseLoan(ctx, &activated, scheduleFor(loan), &models.Transaction{ID: uuid.New(), LoanID: loan.ID, Type: models.TransactionTypeDisbursement, Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicateSchedule)
}

func TestSQLStore_CorruptIDsReturnErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := newActiveLoan(t, s)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, loan_id, installment_id, amount, type, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		"not-a-uuid", loan.ID.String(), nil, "10", string(models.TransactionTypePayment), time.Now().UTC())
	require.NoError(t, err)
	_, err = s.GetTransactionsForLoan(ctx, loan.ID)
	assert.Error(t, err)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, action_url, is_read, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"not-a-uuid", "client-1", string(models.NotificationInfo), "t", "m", "/loans", false, time.Now().UTC())
	require.NoError(t, err)
	_, err = s.GetNotificationsForUser(ctx, "client-1")
	assert.Error(t, err)
}
