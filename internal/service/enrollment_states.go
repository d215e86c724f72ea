package service

import "github.com/campusops/allocation-api/internal/models"

// capacityEffect is the seat delta a transition applies to the owning group.
type capacityEffect int

const (
	capacityNone    capacityEffect = 0
	capacityClaim   capacityEffect = 1
	capacityRelease capacityEffect = -1
)

// enrollmentTransitions is the full transition table. Any (from, to) pair not
// present here is rejected. APPROVED and FAILED keep the seat: occupancy for
// the term is considered consumed once the enrollment is graded.
var enrollmentTransitions = map[models.EnrollmentState]map[models.EnrollmentState]capacityEffect{
	models.EnrollmentStateEnrolled: {
		models.EnrollmentStateWithdrawn: capacityRelease,
		models.EnrollmentStateCancelled: capacityRelease,
		models.EnrollmentStateApproved:  capacityNone,
		models.EnrollmentStateFailed:    capacityNone,
	},
	models.EnrollmentStateWithdrawn: {
		models.EnrollmentStateEnrolled: capacityClaim,
	},
	models.EnrollmentStateCancelled: {
		models.EnrollmentStateEnrolled: capacityClaim,
	},
}

// transitionEffect looks up the table; ok is false for unreachable targets.
func transitionEffect(from, to models.EnrollmentState) (capacityEffect, bool) {
	targets, ok := enrollmentTransitions[from]
	if !ok {
		return capacityNone, false
	}
	effect, ok := targets[to]
	return effect, ok
}

// requiresFinalGrade reports whether the target state is grade-driven.
func requiresFinalGrade(to models.EnrollmentState) bool {
	return to == models.EnrollmentStateApproved || to == models.EnrollmentStateFailed
}
