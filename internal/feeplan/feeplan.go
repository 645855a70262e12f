// Package feeplan computes the revenue split applied to course purchases.
//
// A purchase amount is divided into three shares: the platform's own cut,
// the course-creation fee owed to the teacher, and the grading fee pool.
// Rates are versioned by effective date so that changing them never
// retroactively alters the settlement of an already-paid purchase.
package feeplan

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidAmount = errors.New("feeplan: amount must be positive")
	ErrNoPlan        = errors.New("feeplan: no plan in force at the given time")
)

// bpsDenominator is the basis-point scale: 10000 bps == 100%.
const bpsDenominator = 10000

// Plan is one versioned set of fee rates, expressed in basis points.
type Plan struct {
	Version           int       `json:"version"`
	EffectiveFrom     time.Time `json:"effectiveFrom"`
	SystemBps         int       `json:"systemBps"`
	CourseCreationBps int       `json:"courseCreationBps"`
	GradingBps        int       `json:"gradingBps"`
}

// Shares is the result of splitting a purchase amount. All values are in
// minor currency units and sum exactly to the input amount.
type Shares struct {
	System         int64 `json:"system"`
	CourseCreation int64 `json:"courseCreation"`
	Grading        int64 `json:"grading"`
}

// Total returns the sum of the three shares.
func (s Shares) Total() int64 {
	return s.System + s.CourseCreation + s.Grading
}

// Validate checks that the plan's rates are coherent.
func (p Plan) Validate() error {
	if p.SystemBps < 0 || p.CourseCreationBps < 0 || p.GradingBps < 0 {
		return fmt.Errorf("feeplan: negative rate in plan v%d", p.Version)
	}
	if sum := p.SystemBps + p.CourseCreationBps + p.GradingBps; sum != bpsDenominator {
		return fmt.Errorf("feeplan: plan v%d rates sum to %d bps, want %d", p.Version, sum, bpsDenominator)
	}
	return nil
}

// Split divides amount (minor units) into the plan's three shares.
// Integer division can leave a remainder of at most a few minor units;
// the remainder is assigned to the system share so the three shares
// always sum exactly to the input.
func (p Plan) Split(amount int64) (Shares, error) {
	if amount <= 0 {
		return Shares{}, ErrInvalidAmount
	}

	courseCreation := amount * int64(p.CourseCreationBps) / bpsDenominator
	grading := amount * int64(p.GradingBps) / bpsDenominator
	system := amount - courseCreation - grading

	return Shares{
		System:         system,
		CourseCreation: courseCreation,
		Grading:        grading,
	}, nil
}

// Schedule holds the full history of fee plans, newest first.
type Schedule struct {
	plans []Plan // sorted by EffectiveFrom descending
}

// NewSchedule builds a schedule from the given plans.
func NewSchedule(plans ...Plan) (*Schedule, error) {
	if len(plans) == 0 {
		return nil, errors.New("feeplan: schedule needs at least one plan")
	}
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	sorted := make([]Plan, len(plans))
	copy(sorted, plans)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EffectiveFrom.After(sorted[j].EffectiveFrom)
	})

	return &Schedule{plans: sorted}, nil
}

// Default returns the schedule with the launch rates: 10% platform,
// 55% course creation, 35% grading.
func Default() *Schedule {
	s, err := NewSchedule(Plan{
		Version:           1,
		EffectiveFrom:     time.Time{}, // since forever
		SystemBps:         1000,
		CourseCreationBps: 5500,
		GradingBps:        3500,
	})
	if err != nil {
		panic("feeplan: default schedule invalid: " + err.Error())
	}
	return s
}

// At returns the plan in force at t: the newest plan whose EffectiveFrom
// is not after t. Settlement resolves the plan at the purchase's paid-at
// time, never at the time of the settlement run.
func (s *Schedule) At(t time.Time) (Plan, error) {
	for _, p := range s.plans {
		if !p.EffectiveFrom.After(t) {
			return p, nil
		}
	}
	return Plan{}, ErrNoPlan
}

// Current returns the plan in force now.
func (s *Schedule) Current() Plan {
	p, err := s.At(time.Now())
	if err != nil {
		// Unreachable for validated schedules with an epoch plan.
		return s.plans[len(s.plans)-1]
	}
	return p
}
