package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ngnasoro"

// Collector holds the Prometheus instruments of the repayment pipeline.
type Collector struct {
	remindersSent    *prometheus.CounterVec
	remindersSkipped *prometheus.CounterVec
	remindersFailed  *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	paymentsRecorded prometheus.Counter
	paymentFailures  *prometheus.CounterVec
	installmentsLate prometheus.Counter
}

// NewCollector creates the instruments and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remindersSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_sent_total",
				Help:      "Payment reminders emitted, per lead time in days",
			},
			[]string{"lead_days"},
		),
		remindersSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_skipped_total",
				Help:      "Payment reminders skipped because they were already sent today",
			},
			[]string{"lead_days"},
		),
		remindersFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_failed_total",
				Help:      "Payment reminders that could not be written",
			},
			[]string{"lead_days"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reminder_sweep_duration_seconds",
				Help:      "Duration of a full reminder sweep",
				Buckets:   prometheus.DefBuckets,
			},
		),
		paymentsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_recorded_total",
				Help:      "Installment payments recorded",
			},
		),
		paymentFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_failures_total",
				Help:      "Rejected installment payments, per reason",
			},
			[]string{"reason"},
		),
		installmentsLate: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installments_marked_late_total",
				Help:      "Installments flagged late by the overdue sweep",
			},
		),
	}
	reg.MustRegister(
		c.remindersSent,
		c.remindersSkipped,
		c.remindersFailed,
		c.sweepDuration,
		c.paymentsRecorded,
		c.paymentFailures,
		c.installmentsLate,
	)
	return c
}

func (c *Collector) ReminderSent(leadDays int) {
	c.remindersSent.WithLabelValues(strconv.Itoa(leadDays)).Inc()
}

func (c *Collector) ReminderSkipped(leadDays int) {
	c.remindersSkipped.WithLabelValues(strconv.Itoa(leadDays)).Inc()
}

func (c *Collector) ReminderFailed(leadDays int) {
	c.remindersFailed.WithLabelValues(strconv.Itoa(leadDays)).Inc()
}

func (c *Collector) SweepFinished(d time.Duration) {
	c.sweepDuration.Observe(d.Seconds())
}

func (c *Collector) PaymentRecorded() {
	c.paymentsRecorded.Inc()
}

func (c *Collector) PaymentFailed(reason string) {
	c.paymentFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) InstallmentsMarkedLate(n int) {
	c.installmentsLate.Add(float64(n))
}
