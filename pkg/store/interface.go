package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/ngnasoro/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrLoanNotFound        = errors.New("loan not found")
	ErrInstallmentNotFound = errors.New("installment not found")
	ErrAlreadyPaid         = errors.New("installment already paid")
	ErrDuplicateSchedule   = errors.New("payment schedule already exists for loan")
)

// Storage defines the interface for database operations related to loans,
// their payment schedules, and the notification and audit trails.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)

	// CreateSchedule persists every installment of a loan or none of them.
	CreateSchedule(ctx context.Context, loanID uuid.UUID, installments []*models.Installment) error
	// DisburseLoan writes a loan's schedule, its activated state and the
	// disbursement transaction in one database transaction.
	DisburseLoan(ctx context.Context, loan *models.Loan, installments []*models.Installment, disbursement *models.Transaction) error
	GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error)
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	// GetDueInstallments returns pending installments of all loans due on onDate.
	GetDueInstallments(ctx context.Context, onDate civil.Date) ([]*models.Installment, error)
	// RecordPayment marks an unpaid installment paid, moves the loan's payment
	// dates and writes a payment transaction, all in one database transaction.
	RecordPayment(ctx context.Context, installmentID uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) (*models.Installment, error)
	// MarkLateInstallments flags pending installments due before the given
	// date as late and charges feeRate percent of their total as penalty.
	MarkLateInstallments(ctx context.Context, before civil.Date, feeRate decimal.Decimal) (int, error)

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotificationsForUser(ctx context.Context, userID string) ([]*models.Notification, error)
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error

	// ClaimReminder records that a reminder for (installment, leadDays) fires
	// on runDate. It returns false when the same key was already claimed.
	ClaimReminder(ctx context.Context, installmentID uuid.UUID, leadDays int, runDate civil.Date) (bool, error)
	ReleaseReminder(ctx context.Context, installmentID uuid.UUID, leadDays int, runDate civil.Date) error

	Close() error
}
