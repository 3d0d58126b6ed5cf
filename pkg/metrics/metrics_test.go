package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ReminderSent(7)
	c.ReminderSent(7)
	c.ReminderSkipped(3)
	c.ReminderFailed(1)
	c.PaymentRecorded()
	c.PaymentFailed("already_paid")
	c.InstallmentsMarkedLate(4)
	c.SweepFinished(150 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.remindersSent.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.remindersSkipped.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.remindersFailed.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.paymentsRecorded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.paymentFailures.WithLabelValues("already_paid")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.installmentsLate))
	series, err := testutil.GatherAndCount(reg, "ngnasoro_reminder_sweep_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestNewCollector_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}
