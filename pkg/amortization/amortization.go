// Package amortization computes flat-rate repayment schedules.
//
// Interest is charged once on the principal (total = P * (1 + r/100)) and
// spread evenly over the term. Amounts are whole currency units (XOF has no
// minor unit); each installment is rounded up and the final installment
// absorbs the difference so the schedule sums to the total repayable exactly.
package amortization

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// InvalidLoanTermsError reports principal, rate or duration values that
// cannot produce a schedule.
type InvalidLoanTermsError struct {
	Reason string
}

func (e *InvalidLoanTermsError) Error() string {
	return "invalid loan terms: " + e.Reason
}

// Terms are the inputs of a loan schedule.
type Terms struct {
	Principal      decimal.Decimal
	AnnualRate     decimal.Decimal // Percent, 5 means 5%
	DurationMonths int
}

// Entry is one computed installment.
type Entry struct {
	Sequence  int             `json:"sequence"`
	DueDate   civil.Date      `json:"due_date"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Total     decimal.Decimal `json:"total"`
}

// Schedule is the full output of Calculate.
type Schedule struct {
	MonthlyPayment decimal.Decimal `json:"monthly_payment"`
	TotalRepayable decimal.Decimal `json:"total_repayable"`
	TotalInterest  decimal.Decimal `json:"total_interest"`
	Entries        []Entry         `json:"entries"`
}

func (t Terms) validate() error {
	if t.DurationMonths <= 0 {
		return &InvalidLoanTermsError{Reason: fmt.Sprintf("duration must be a positive number of months, got %d", t.DurationMonths)}
	}
	if t.Principal.LessThanOrEqual(decimal.Zero) {
		return &InvalidLoanTermsError{Reason: fmt.Sprintf("principal must be positive, got %s", t.Principal)}
	}
	if t.AnnualRate.IsNegative() {
		return &InvalidLoanTermsError{Reason: fmt.Sprintf("interest rate must not be negative, got %s", t.AnnualRate)}
	}
	return nil
}

// unrounded total repayable: P * (1 + r/100)
func (t Terms) repayable() decimal.Decimal {
	return t.Principal.Mul(one.Add(t.AnnualRate.Div(hundred)))
}

// TotalRepayable returns ceil(P * (1 + r/100)).
func TotalRepayable(t Terms) (decimal.Decimal, error) {
	if err := t.validate(); err != nil {
		return decimal.Zero, err
	}
	return t.repayable().Ceil(), nil
}

// MonthlyPayment returns ceil(P * (1 + r/100) / n).
func MonthlyPayment(t Terms) (decimal.Decimal, error) {
	if err := t.validate(); err != nil {
		return decimal.Zero, err
	}
	return t.repayable().Div(decimal.NewFromInt(int64(t.DurationMonths))).Ceil(), nil
}

// Calculate builds the schedule for a loan disbursed on the given date.
// Installment k falls k months after disbursement.
func Calculate(t Terms, disbursedAt civil.Date) (*Schedule, error) {
	monthly, err := MonthlyPayment(t)
	if err != nil {
		return nil, err
	}
	total := t.repayable().Ceil()
	n := t.DurationMonths

	last := total.Sub(monthly.Mul(decimal.NewFromInt(int64(n - 1))))
	if !last.IsPositive() {
		return nil, &InvalidLoanTermsError{
			Reason: fmt.Sprintf("duration of %d months is too long for a repayable amount of %s", n, total),
		}
	}

	totalInterest := total.Sub(t.Principal)
	// Share of each installment that is interest.
	interestShare := totalInterest.Div(total)

	s := &Schedule{
		MonthlyPayment: monthly,
		TotalRepayable: total,
		TotalInterest:  totalInterest,
		Entries:        make([]Entry, 0, n),
	}

	paidSoFar := decimal.Zero
	principalSoFar := decimal.Zero
	interestSoFar := decimal.Zero
	for k := 1; k <= n; k++ {
		e := Entry{Sequence: k, DueDate: AddMonths(disbursedAt, k)}
		if k < n {
			// Split on the running total so rounding error never accumulates.
			paidSoFar = paidSoFar.Add(monthly)
			e.Total = monthly
			e.Interest = paidSoFar.Mul(interestShare).Round(0).Sub(interestSoFar)
			e.Principal = monthly.Sub(e.Interest)
		} else {
			e.Total = last
			e.Interest = totalInterest.Sub(interestSoFar)
			e.Principal = t.Principal.Sub(principalSoFar)
		}
		principalSoFar = principalSoFar.Add(e.Principal)
		interestSoFar = interestSoFar.Add(e.Interest)
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}

// AddMonths moves d forward by months calendar months. A day that does not
// exist in the target month is clamped to its last day (Jan 31 + 1 = Feb 28).
func AddMonths(d civil.Date, months int) civil.Date {
	first := time.Date(d.Year, d.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := d.Day
	if day > lastDay {
		day = lastDay
	}
	return civil.Date{Year: first.Year(), Month: first.Month(), Day: day}
}
