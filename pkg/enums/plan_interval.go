package enums

import "fmt"

// PlanInterval maps to the plan_interval enum in Postgres. Free plans never
// reach the payment processor and bill nothing; lifetime plans are bought with
// a single one-time charge and never renew.
type PlanInterval string

const (
	PlanIntervalFree     PlanInterval = "free"
	PlanIntervalMonth    PlanInterval = "month"
	PlanIntervalYear     PlanInterval = "year"
	PlanIntervalLifetime PlanInterval = "lifetime"
)

var validPlanIntervals = []PlanInterval{
	PlanIntervalFree,
	PlanIntervalMonth,
	PlanIntervalYear,
	PlanIntervalLifetime,
}

// IsValid checks whether the given interval matches the canonical enum.
func (p PlanInterval) IsValid() bool {
	for _, candidate := range validPlanIntervals {
		if candidate == p {
			return true
		}
	}
	return false
}

// Recurring reports whether plans on this interval renew through processor
// subscriptions. Lifetime plans are paid, but charge once.
func (p PlanInterval) Recurring() bool {
	return p == PlanIntervalMonth || p == PlanIntervalYear
}

// Paid reports whether plans on this interval carry a processor price.
func (p PlanInterval) Paid() bool {
	return p != PlanIntervalFree
}

// ParsePlanInterval converts raw strings into PlanInterval.
func ParsePlanInterval(value string) (PlanInterval, error) {
	for _, candidate := range validPlanIntervals {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan interval %q", value)
}
