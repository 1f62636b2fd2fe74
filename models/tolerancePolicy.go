package models

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	PercentageTolerancePlaces = 6
	AbsoluteTolerancePlaces   = 4
	MaxFuzzyMatchThreshold    = 100
)

// TolerancePolicy is the set of amount/date/fuzzy parameters applied to one run.
// Construct it with NewTolerancePolicy so the ranges are enforced.
type TolerancePolicy struct {
	AmountPercentageTolerance decimal.Decimal `json:"amount_percentage_tolerance"`
	AmountAbsoluteTolerance   decimal.Decimal `json:"amount_absolute_tolerance"`
	DateToleranceDays         int             `json:"date_tolerance_days"`
	FuzzyMatchThreshold       int             `json:"fuzzy_match_threshold"`
}

// PolicyInput is raw operator input; nil fields fall back to the defaults passed to Resolve.
type PolicyInput struct {
	AmountPercentageTolerance *decimal.Decimal `json:"amount_percentage_tolerance"`
	AmountAbsoluteTolerance   *decimal.Decimal `json:"amount_absolute_tolerance"`
	DateToleranceDays         *int             `json:"date_tolerance"`
	FuzzyMatchThreshold       *int             `json:"fuzzy_match_threshold"`
}

func NewTolerancePolicy(percentage, absolute decimal.Decimal, dateToleranceDays, fuzzyMatchThreshold int) (TolerancePolicy, error) {
	p := TolerancePolicy{
		AmountPercentageTolerance: percentage,
		AmountAbsoluteTolerance:   absolute,
		DateToleranceDays:         dateToleranceDays,
		FuzzyMatchThreshold:       fuzzyMatchThreshold,
	}
	if err := p.Validate(); err != nil {
		return TolerancePolicy{}, err
	}
	p.AmountPercentageTolerance = p.AmountPercentageTolerance.Round(PercentageTolerancePlaces)
	p.AmountAbsoluteTolerance = p.AmountAbsoluteTolerance.Round(AbsoluteTolerancePlaces)
	return p, nil
}

// Resolve fills unset fields from defaults and validates the result.
func (in PolicyInput) Resolve(defaults TolerancePolicy) (TolerancePolicy, error) {
	pct := defaults.AmountPercentageTolerance
	if in.AmountPercentageTolerance != nil {
		pct = *in.AmountPercentageTolerance
	}
	abs := defaults.AmountAbsoluteTolerance
	if in.AmountAbsoluteTolerance != nil {
		abs = *in.AmountAbsoluteTolerance
	}
	days := utils.DereferencePtr(in.DateToleranceDays, defaults.DateToleranceDays)
	threshold := utils.DereferencePtr(in.FuzzyMatchThreshold, defaults.FuzzyMatchThreshold)
	return NewTolerancePolicy(pct, abs, days, threshold)
}

func (p TolerancePolicy) Validate() error {
	if p.AmountPercentageTolerance.IsNegative() || p.AmountPercentageTolerance.GreaterThan(decimal.NewFromInt(1)) {
		return NewReconError(ErrKindInvalidPolicy, fmt.Sprintf("amount_percentage_tolerance must be within [0,1], got %s", p.AmountPercentageTolerance), nil)
	}
	if p.AmountAbsoluteTolerance.IsNegative() {
		return NewReconError(ErrKindInvalidPolicy, fmt.Sprintf("amount_absolute_tolerance must not be negative, got %s", p.AmountAbsoluteTolerance), nil)
	}
	if p.DateToleranceDays < 0 {
		return NewReconError(ErrKindInvalidPolicy, fmt.Sprintf("date_tolerance must not be negative, got %d", p.DateToleranceDays), nil)
	}
	if p.FuzzyMatchThreshold < 0 || p.FuzzyMatchThreshold > MaxFuzzyMatchThreshold {
		return NewReconError(ErrKindInvalidPolicy, fmt.Sprintf("fuzzy_match_threshold must be within [0,100], got %d", p.FuzzyMatchThreshold), nil)
	}
	return nil
}

// EffectiveTolerance is max(absolute, percentage * max(|a|, |b|)).
func (p TolerancePolicy) EffectiveTolerance(a, b decimal.Decimal) decimal.Decimal {
	reference := decimal.Max(a.Abs(), b.Abs())
	relative := p.AmountPercentageTolerance.Mul(reference)
	return decimal.Max(p.AmountAbsoluteTolerance, relative)
}

func (p TolerancePolicy) AmountsMatch(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(p.EffectiveTolerance(a, b))
}

func (p TolerancePolicy) WithinDateWindow(d1, d2 time.Time) bool {
	return utils.DaysBetween(d1, d2) <= p.DateToleranceDays
}
