package models

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusCompleted LoanStatus = "completed"
	LoanStatusDefaulted LoanStatus = "defaulted"
	LoanStatusWithdrawn LoanStatus = "withdrawn"
)

// loanTransitions lists the statuses each status may move to.
var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanStatusPending:  {LoanStatusApproved, LoanStatusWithdrawn},
	LoanStatusApproved: {LoanStatusActive, LoanStatusWithdrawn},
	LoanStatusActive:   {LoanStatusCompleted, LoanStatusDefaulted},
}

// CanTransition reports whether a loan in status s may move to next.
func (s LoanStatus) CanTransition(next LoanStatus) bool {
	for _, allowed := range loanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Loan struct {
	ID              uuid.UUID       `json:"id"`
	ClientID        string          `json:"client_id"`              // Owning client (auth user id)
	SFDID           string          `json:"sfd_id"`                 // Issuing institution
	ClientEmail     string          `json:"client_email,omitempty"` // Optional reminder e-mail address
	Principal       decimal.Decimal `json:"principal"`
	InterestRate    decimal.Decimal `json:"interest_rate"` // Annual, in percent (5 = 5%)
	DurationMonths  int             `json:"duration_months"`
	MonthlyPayment  decimal.Decimal `json:"monthly_payment"`
	Status          LoanStatus      `json:"status"`
	DisbursedAt     *civil.Date     `json:"disbursed_at,omitempty"`
	NextPaymentDate *civil.Date     `json:"next_payment_date,omitempty"`
	LastPaymentDate *time.Time      `json:"last_payment_date,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type InstallmentStatus string

const (
	InstallmentStatusPending InstallmentStatus = "pending"
	InstallmentStatusPaid    InstallmentStatus = "paid"
	InstallmentStatusLate    InstallmentStatus = "late"
)

// Installment is one scheduled repayment of a loan.
type Installment struct {
	ID          uuid.UUID         `json:"id"`
	LoanID      uuid.UUID         `json:"loan_id"`
	Sequence    int               `json:"sequence"`
	DueDate     civil.Date        `json:"due_date"`
	Principal   decimal.Decimal   `json:"principal"`
	Interest    decimal.Decimal   `json:"interest"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Penalty     decimal.Decimal   `json:"penalty"`
	Status      InstallmentStatus `json:"status"`
	PaidAmount  decimal.Decimal   `json:"paid_amount"`
	PaidAt      *time.Time        `json:"paid_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "disbursement"
	TransactionTypePayment      TransactionType = "payment"
)

type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	InstallmentID *uuid.UUID      `json:"installment_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          TransactionType `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
}

type NotificationType string

const (
	NotificationInfo   NotificationType = "info"
	NotificationWarn   NotificationType = "warn"
	NotificationUrgent NotificationType = "urgent"
)

type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	ActionURL string           `json:"action_url"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`

	// Email is the delivery address for the e-mail channel. Not persisted.
	Email string `json:"-"`
}

type AuditLog struct {
	ID             uuid.UUID         `json:"id"`
	UserID         string            `json:"user_id"`
	Action         string            `json:"action"`
	Category       string            `json:"category"`
	Severity       string            `json:"severity"`
	Status         string            `json:"status"`
	TargetResource string            `json:"target_resource"`
	Details        map[string]string `json:"details"`
	CreatedAt      time.Time         `json:"created_at"`
}
