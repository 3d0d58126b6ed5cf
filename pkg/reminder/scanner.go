// Package reminder runs the daily sweep that warns clients about upcoming
// installments 7, 3 and 1 days before they fall due.
package reminder

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/ngnasoro/pkg/metrics"
	"github.com/mcclellann/ngnasoro/pkg/models"
	"github.com/mcclellann/ngnasoro/pkg/notify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// LeadTime is how far ahead of the due date a reminder fires, and how loud.
type LeadTime struct {
	Days    int
	Urgency models.NotificationType
}

// DefaultLeadTimes escalate from informational to urgent as the date nears.
var DefaultLeadTimes = []LeadTime{
	{Days: 7, Urgency: models.NotificationInfo},
	{Days: 3, Urgency: models.NotificationWarn},
	{Days: 1, Urgency: models.NotificationUrgent},
}

// Store is the part of the storage layer the sweep reads and writes.
type Store interface {
	GetDueInstallments(ctx context.Context, onDate civil.Date) ([]*models.Installment, error)
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ClaimReminder(ctx context.Context, installmentID uuid.UUID, leadDays int, runDate civil.Date) (bool, error)
	ReleaseReminder(ctx context.Context, installmentID uuid.UUID, leadDays int, runDate civil.Date) error
}

// Result summarizes one sweep.
type Result struct {
	Success              bool `json:"success"`
	NotificationsCreated int  `json:"notificationsCreated"`
}

// Scanner emits reminder notifications for installments coming due.
type Scanner struct {
	store     Store
	sink      notify.Sink
	metrics   *metrics.Collector
	log       *logrus.Logger
	leadTimes []LeadTime
	location  *time.Location
	dedupe    bool
	now       func() time.Time
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithLocation sets the time zone that decides what "today" is.
func WithLocation(loc *time.Location) Option {
	return func(s *Scanner) { s.location = loc }
}

// WithDedupe toggles the per-day dispatch key. When off, running the sweep
// twice on the same day notifies twice.
func WithDedupe(enabled bool) Option {
	return func(s *Scanner) { s.dedupe = enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithLeadTimes replaces DefaultLeadTimes.
func WithLeadTimes(leads []LeadTime) Option {
	return func(s *Scanner) { s.leadTimes = leads }
}

// NewScanner creates a Scanner. Dedupe is on and the zone is UTC unless
// overridden.
func NewScanner(store Store, sink notify.Sink, m *metrics.Collector, log *logrus.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		store:     store,
		sink:      sink,
		metrics:   m,
		log:       log,
		leadTimes: DefaultLeadTimes,
		location:  time.UTC,
		dedupe:    true,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every lead time once. Failures on single installments are
// logged and skipped; Success is false only when a lead time could not be
// scanned at all.
func (s *Scanner) Run(ctx context.Context) Result {
	start := s.now()
	today := civil.DateOf(start.In(s.location))
	res := Result{Success: true}

	for _, lead := range s.leadTimes {
		target := today.AddDays(lead.Days)
		entry := s.log.WithFields(logrus.Fields{"lead_days": lead.Days, "due_date": target.String()})

		due, err := s.store.GetDueInstallments(ctx, target)
		if err != nil {
			entry.WithError(err).Error("Failed to load due installments")
			res.Success = false
			continue
		}

		for _, inst := range due {
			sent, err := s.remind(ctx, today, lead, inst)
			if err != nil {
				entry.WithError(err).WithField("installment_id", inst.ID).Error("Failed to send payment reminder")
				s.metrics.ReminderFailed(lead.Days)
				continue
			}
			if !sent {
				s.metrics.ReminderSkipped(lead.Days)
				continue
			}
			s.metrics.ReminderSent(lead.Days)
			res.NotificationsCreated++
		}
		entry.WithField("installments", len(due)).Debug("Lead time scanned")
	}

	s.metrics.SweepFinished(s.now().Sub(start))
	s.log.WithFields(logrus.Fields{
		"date":                  today.String(),
		"notifications_created": res.NotificationsCreated,
		"success":               res.Success,
	}).Info("Reminder sweep finished")
	return res
}

// remind sends one reminder. It reports false when the reminder was already
// sent today or the loan is no longer being repaid.
func (s *Scanner) remind(ctx context.Context, today civil.Date, lead LeadTime, inst *models.Installment) (bool, error) {
	loan, err := s.store.GetLoan(ctx, inst.LoanID)
	if err != nil {
		return false, fmt.Errorf("failed to load loan %s: %w", inst.LoanID, err)
	}
	if loan.Status != models.LoanStatusActive {
		s.log.WithFields(logrus.Fields{"loan_id": loan.ID, "status": loan.Status}).Debug("Skipping reminder for inactive loan")
		return false, nil
	}

	if s.dedupe {
		claimed, err := s.store.ClaimReminder(ctx, inst.ID, lead.Days, today)
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, nil
		}
	}

	n := &models.Notification{
		UserID:    loan.ClientID,
		Type:      lead.Urgency,
		Title:     title(lead.Days),
		Message:   message(inst),
		ActionURL: fmt.Sprintf("/loans/%s", loan.ID),
		Email:     loan.ClientEmail,
	}
	if err := s.sink.Notify(ctx, n); err != nil {
		if s.dedupe {
			// Let a later run retry it.
			if rerr := s.store.ReleaseReminder(ctx, inst.ID, lead.Days, today); rerr != nil {
				s.log.WithError(rerr).WithField("installment_id", inst.ID).Warn("Failed to release reminder claim")
			}
		}
		return false, fmt.Errorf("failed to write notification: %w", err)
	}

	if lead.Days == 1 {
		s.audit(ctx, loan, inst, n)
	}
	return true, nil
}

// audit records the final reminder before a due date. An audit failure does
// not undo the notification.
func (s *Scanner) audit(ctx context.Context, loan *models.Loan, inst *models.Installment, n *models.Notification) {
	entry := &models.AuditLog{
		ID:             uuid.New(),
		UserID:         loan.ClientID,
		Action:         "payment_reminder_sent",
		Category:       "loan_management",
		Severity:       "info",
		Status:         "success",
		TargetResource: fmt.Sprintf("installments/%s", inst.ID),
		Details: map[string]string{
			"loan_id":         loan.ID.String(),
			"sfd_id":          loan.SFDID,
			"installment":     fmt.Sprintf("%d", inst.Sequence),
			"due_date":        inst.DueDate.String(),
			"amount":          inst.TotalAmount.String(),
			"notification_id": n.ID.String(),
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateAuditLog(ctx, entry); err != nil {
		s.log.WithError(err).WithField("installment_id", inst.ID).Error("Failed to write reminder audit log")
	}
}

func title(leadDays int) string {
	if leadDays == 1 {
		return "Échéance demain"
	}
	return fmt.Sprintf("Échéance dans %d jours", leadDays)
}

func message(inst *models.Installment) string {
	return fmt.Sprintf("Votre échéance n°%d de %s FCFA est due le %s.",
		inst.Sequence, formatAmount(inst.TotalAmount), inst.DueDate.String())
}

// formatAmount prints whole francs with a space every three digits.
func formatAmount(d decimal.Decimal) string {
	digits := d.Round(0).Abs().String()
	out := make([]byte, 0, len(digits)+len(digits)/3)
	for i := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out = append(out, ' ')
		}
		out = append(out, digits[i])
	}
	if d.IsNegative() {
		return "-" + string(out)
	}
	return string(out)
}
