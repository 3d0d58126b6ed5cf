package amortization

import (
	"errors"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestMonthlyPayment_ReferenceLoan(t *testing.T) {
	terms := Terms{Principal: dec(100000), AnnualRate: dec(5), DurationMonths: 12}

	monthly, err := MonthlyPayment(terms)
	require.NoError(t, err)
	assert.True(t, monthly.Equal(dec(8750)), "monthly payment %s", monthly)

	total, err := TotalRepayable(terms)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec(105000)), "total %s", total)
}

func TestMonthlyPayment_RoundsUp(t *testing.T) {
	monthly, err := MonthlyPayment(Terms{Principal: dec(100000), AnnualRate: dec(7), DurationMonths: 12})
	require.NoError(t, err)
	// 107000 / 12 = 8916.67
	assert.True(t, monthly.Equal(dec(8917)), "monthly payment %s", monthly)
}

func TestMonthlyPayment_ZeroRate(t *testing.T) {
	monthly, err := MonthlyPayment(Terms{Principal: dec(1000), AnnualRate: decimal.Zero, DurationMonths: 3})
	require.NoError(t, err)
	assert.True(t, monthly.Equal(dec(334)), "monthly payment %s", monthly)
}

func TestCalculate_InvalidTerms(t *testing.T) {
	cases := []struct {
		name  string
		terms Terms
	}{
		{"zero duration", Terms{Principal: dec(1000), AnnualRate: dec(5), DurationMonths: 0}},
		{"negative duration", Terms{Principal: dec(1000), AnnualRate: dec(5), DurationMonths: -2}},
		{"zero principal", Terms{Principal: decimal.Zero, AnnualRate: dec(5), DurationMonths: 6}},
		{"negative principal", Terms{Principal: dec(-10), AnnualRate: dec(5), DurationMonths: 6}},
		{"negative rate", Terms{Principal: dec(1000), AnnualRate: dec(-1), DurationMonths: 6}},
		{"duration too long", Terms{Principal: dec(10), AnnualRate: decimal.Zero, DurationMonths: 12}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Calculate(tc.terms, civil.Date{Year: 2026, Month: 1, Day: 15})
			var termsErr *InvalidLoanTermsError
			assert.True(t, errors.As(err, &termsErr), "expected InvalidLoanTermsError, got %v", err)
		})
	}
}

func TestCalculate_ReferenceSchedule(t *testing.T) {
	start := civil.Date{Year: 2026, Month: 3, Day: 10}
	s, err := Calculate(Terms{Principal: dec(100000), AnnualRate: dec(5), DurationMonths: 12}, start)
	require.NoError(t, err)
	require.Len(t, s.Entries, 12)

	sum := decimal.Zero
	for _, e := range s.Entries {
		sum = sum.Add(e.Total)
		assert.True(t, e.Total.Equal(dec(8750)), "installment %d total %s", e.Sequence, e.Total)
	}
	assert.True(t, sum.Equal(dec(105000)), "sum %s", sum)
	assert.Equal(t, civil.Date{Year: 2026, Month: 4, Day: 10}, s.Entries[0].DueDate)
	assert.Equal(t, civil.Date{Year: 2027, Month: 3, Day: 10}, s.Entries[11].DueDate)
}

func TestCalculate_Invariants(t *testing.T) {
	start := civil.Date{Year: 2026, Month: 1, Day: 31}
	for _, principal := range []int64{5000, 75000, 100000, 1234567} {
		for _, rate := range []string{"0", "0.1", "2.5", "5", "12", "18.75"} {
			for _, n := range []int{1, 2, 3, 6, 7, 12, 24, 36} {
				terms := Terms{Principal: dec(principal), AnnualRate: decimal.RequireFromString(rate), DurationMonths: n}
				s, err := Calculate(terms, start)
				require.NoError(t, err)
				require.Len(t, s.Entries, n)

				total, _ := TotalRepayable(terms)
				sumTotal, sumPrincipal, sumInterest := decimal.Zero, decimal.Zero, decimal.Zero
				for i, e := range s.Entries {
					assert.Equal(t, i+1, e.Sequence)
					assert.True(t, e.Principal.Add(e.Interest).Equal(e.Total), "components of %d do not add up", e.Sequence)
					assert.True(t, e.Total.IsPositive())
					if i > 0 {
						prev := s.Entries[i-1].DueDate
						assert.True(t, prev.Before(e.DueDate), "due dates not increasing: %s then %s", prev, e.DueDate)
						assert.Equal(t, AddMonths(prev, 1).Month, e.DueDate.Month)
					}
					sumTotal = sumTotal.Add(e.Total)
					sumPrincipal = sumPrincipal.Add(e.Principal)
					sumInterest = sumInterest.Add(e.Interest)
				}
				assert.True(t, sumTotal.Equal(total), "P=%d r=%s n=%d: sum %s != %s", principal, rate, n, sumTotal, total)
				assert.True(t, sumPrincipal.Equal(terms.Principal))
				assert.True(t, sumInterest.Equal(s.TotalInterest))
			}
		}
	}
}

func TestAddMonths_ClampsToMonthEnd(t *testing.T) {
	jan31 := civil.Date{Year: 2026, Month: 1, Day: 31}
	assert.Equal(t, civil.Date{Year: 2026, Month: 2, Day: 28}, AddMonths(jan31, 1))
	assert.Equal(t, civil.Date{Year: 2026, Month: 3, Day: 31}, AddMonths(jan31, 2))
	assert.Equal(t, civil.Date{Year: 2026, Month: 4, Day: 30}, AddMonths(jan31, 3))
	assert.Equal(t, civil.Date{Year: 2028, Month: 2, Day: 29}, AddMonths(jan31, 25))
	assert.Equal(t, civil.Date{Year: 2027, Month: 1, Day: 31}, AddMonths(jan31, 12))
}
