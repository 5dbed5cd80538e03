// Package installment computes fixed-payment loan previews.
package installment

import (
	"errors"
	"fmt"
	"math"
)

// Limits applied by Validate. The pure Installment function ignores them.
const (
	MaxPrincipal          = 100_000_000_000.0
	MaxTermMonths         = 600
	MaxMonthlyRatePercent = 100.0
)

var (
	ErrInvalidPrincipal = errors.New("principal must be greater than zero")
	ErrInvalidTerm      = errors.New("term must be at least one month")
	ErrInvalidRate      = errors.New("monthly rate must not be negative")
)

// Input is a loan preview request. It is recomputed on every form change and never stored.
type Input struct {
	Principal          float64 `json:"principal"`
	TermMonths         int     `json:"termMonths"`
	MonthlyRatePercent float64 `json:"monthlyRatePercent"`
}

// Schedule is the repayment preview for an Input.
type Schedule struct {
	Input
	Installment        float64 `json:"installment"`
	RoundedInstallment float64 `json:"roundedInstallment"`
	TotalRepayment     float64 `json:"totalRepayment"`
	TotalInterest      float64 `json:"totalInterest"`
}

// Installment returns the unrounded monthly payment A = P*r*(1+r)^n / ((1+r)^n - 1)
// with r = monthlyRatePercent/100.
//
// Non-positive principal or term yields 0 so half-filled forms render without errors.
// A negative rate is treated as zero.
func Installment(principal float64, termMonths int, monthlyRatePercent float64) float64 {
	if termMonths <= 0 || principal <= 0 {
		return 0
	}

	r := monthlyRatePercent / 100
	if r <= 0 {
		return principal / float64(termMonths)
	}

	factor := math.Pow(1+r, float64(termMonths))
	return principal * r * factor / (factor - 1)
}

// Validate checks the input against the preview limits.
func (in Input) Validate() error {
	if math.IsNaN(in.Principal) || in.Principal <= 0 {
		return ErrInvalidPrincipal
	}
	if in.Principal > MaxPrincipal {
		return fmt.Errorf("principal exceeds maximum of %.0f", MaxPrincipal)
	}
	if in.TermMonths <= 0 {
		return ErrInvalidTerm
	}
	if in.TermMonths > MaxTermMonths {
		return fmt.Errorf("term exceeds maximum of %d months", MaxTermMonths)
	}
	if math.IsNaN(in.MonthlyRatePercent) || in.MonthlyRatePercent < 0 {
		return ErrInvalidRate
	}
	if in.MonthlyRatePercent > MaxMonthlyRatePercent {
		return fmt.Errorf("monthly rate exceeds maximum of %.0f%%", MaxMonthlyRatePercent)
	}
	return nil
}

// Preview validates the input and builds the repayment schedule summary.
func Preview(in Input) (Schedule, error) {
	if err := in.Validate(); err != nil {
		return Schedule{}, err
	}

	monthly := Installment(in.Principal, in.TermMonths, in.MonthlyRatePercent)
	total := monthly * float64(in.TermMonths)

	return Schedule{
		Input:              in,
		Installment:        monthly,
		RoundedInstallment: math.Round(monthly),
		TotalRepayment:     total,
		TotalInterest:      total - in.Principal,
	}, nil
}
