package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/ngnasoro/pkg/amortization"
	"github.com/mcclellann/ngnasoro/pkg/models"
	"github.com/mcclellann/ngnasoro/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidTransition = errors.New("invalid loan status transition")
	ErrInvalidRequest    = errors.New("invalid loan request")
)

// LoanRequest carries the fields a client submits for a new loan.
type LoanRequest struct {
	ClientID       string          `json:"client_id"`
	SFDID          string          `json:"sfd_id"`
	ClientEmail    string          `json:"client_email"`
	Principal      decimal.Decimal `json:"principal"`
	InterestRate   decimal.Decimal `json:"interest_rate"`
	DurationMonths int             `json:"duration_months"`
}

// Ledger handles the business logic for loans, schedules and payments.
type Ledger struct {
	storage store.Storage
	log     *logrus.Logger
	now     func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, log *logrus.Logger) *Ledger {
	return &Ledger{storage: s, log: log, now: time.Now}
}

// CreateLoan validates the terms and stores a pending loan.
func (l *Ledger) CreateLoan(ctx context.Context, req LoanRequest) (*models.Loan, error) {
	if req.ClientID == "" || req.SFDID == "" {
		return nil, fmt.Errorf("%w: client and SFD are required", ErrInvalidRequest)
	}
	terms := amortization.Terms{Principal: req.Principal, AnnualRate: req.InterestRate, DurationMonths: req.DurationMonths}
	monthly, err := amortization.MonthlyPayment(terms)
	if err != nil {
		return nil, err
	}
	// Reject terms that cannot produce a schedule now rather than at disbursement.
	if _, err := amortization.Calculate(terms, civil.DateOf(l.now())); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	loan := &models.Loan{
		ID:             uuid.New(),
		ClientID:       req.ClientID,
		SFDID:          req.SFDID,
		ClientEmail:    req.ClientEmail,
		Principal:      req.Principal,
		InterestRate:   req.InterestRate,
		DurationMonths: req.DurationMonths,
		MonthlyPayment: monthly,
		Status:         models.LoanStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.log.WithFields(logrus.Fields{"loan_id": loan.ID, "client_id": loan.ClientID, "sfd_id": loan.SFDID}).Info("Loan created")
	return loan, nil
}

// transition moves a loan to a new status when the transition table allows it.
func (l *Ledger) transition(ctx context.Context, id uuid.UUID, next models.LoanStatus) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !loan.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, loan.Status, next)
	}
	prev := loan.Status
	loan.Status = next
	loan.UpdatedAt = l.now().UTC()
	if err := l.storage.UpdateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan status: %w", err)
	}
	l.log.WithFields(logrus.Fields{"loan_id": loan.ID, "from": prev, "to": next}).Info("Loan status changed")
	return loan, nil
}

// ApproveLoan marks a pending loan approved.
func (l *Ledger) ApproveLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, id, models.LoanStatusApproved)
}

// WithdrawLoan cancels a loan that has not been disbursed.
func (l *Ledger) WithdrawLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, id, models.LoanStatusWithdrawn)
}

// DefaultLoan marks an active loan as defaulted.
func (l *Ledger) DefaultLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, id, models.LoanStatusDefaulted)
}

// DisburseLoan computes and persists the repayment schedule of an approved
// loan, activates it and records the disbursement.
func (l *Ledger) DisburseLoan(ctx context.Context, id uuid.UUID, disbursedAt civil.Date) (*models.Loan, []*models.Installment, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !loan.Status.CanTransition(models.LoanStatusActive) {
		return nil, nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, loan.Status, models.LoanStatusActive)
	}

	schedule, err := amortization.Calculate(amortization.Terms{
		Principal:      loan.Principal,
		AnnualRate:     loan.InterestRate,
		DurationMonths: loan.DurationMonths,
	}, disbursedAt)
	if err != nil {
		return nil, nil, err
	}

	now := l.now().UTC()
	installments := make([]*models.Installment, 0, len(schedule.Entries))
	for _, e := range schedule.Entries {
		installments = append(installments, &models.Installment{
			ID:          uuid.New(),
			LoanID:      loan.ID,
			Sequence:    e.Sequence,
			DueDate:     e.DueDate,
			Principal:   e.Principal,
			Interest:    e.Interest,
			TotalAmount: e.Total,
			Penalty:     decimal.Zero,
			Status:      models.InstallmentStatusPending,
			PaidAmount:  decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	// A failed write must leave the stored loan untouched.
	activated := *loan
	first := installments[0].DueDate
	activated.Status = models.LoanStatusActive
	activated.MonthlyPayment = schedule.MonthlyPayment
	activated.DisbursedAt = &disbursedAt
	activated.NextPaymentDate = &first
	activated.UpdatedAt = now

	// Record disbursement
	transaction := &models.Transaction{
		ID:        uuid.New(),
		LoanID:    loan.ID,
		Amount:    loan.Principal,
		Type:      models.TransactionTypeDisbursement,
		Timestamp: now,
	}
	if err := l.storage.DisburseLoan(ctx, &activated, installments, transaction); err != nil {
		return nil, nil, err
	}
	loan = &activated

	l.log.WithFields(logrus.Fields{
		"loan_id":         loan.ID,
		"installments":    len(installments),
		"monthly_payment": schedule.MonthlyPayment.String(),
		"total_repayable": schedule.TotalRepayable.String(),
	}).Info("Loan disbursed")
	return loan, installments, nil
}

// RecordPayment marks an installment paid.
func (l *Ledger) RecordPayment(ctx context.Context, installmentID uuid.UUID, amount decimal.Decimal, paidAt time.Time) (*models.Installment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive, got %s", ErrInvalidRequest, amount)
	}
	inst, err := l.storage.RecordPayment(ctx, installmentID, amount, paidAt)
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{
		"loan_id":        inst.LoanID,
		"installment_id": inst.ID,
		"sequence":       inst.Sequence,
		"amount":         amount.String(),
	}).Info("Installment paid")
	return inst, nil
}

// MarkOverdue flags every pending installment due before today as late.
func (l *Ledger) MarkOverdue(ctx context.Context, today civil.Date, feeRate decimal.Decimal) (int, error) {
	marked, err := l.storage.MarkLateInstallments(ctx, today, feeRate)
	if err != nil {
		return 0, err
	}
	l.log.WithFields(logrus.Fields{"date": today.String(), "marked": marked}).Info("Overdue installments marked late")
	return marked, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans(ctx)
}

// GetSchedule retrieves the installments of a loan.
func (l *Ledger) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetSchedule(ctx, loanID)
}

// GetTransactions retrieves the ledger transactions of a loan.
func (l *Ledger) GetTransactions(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetTransactionsForLoan(ctx, loanID)
}
