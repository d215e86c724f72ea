package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campusops/allocation-api/internal/models"
)

func TestTransitionEffectTable(t *testing.T) {
	cases := []struct {
		from, to models.EnrollmentState
		effect   capacityEffect
	}{
		{models.EnrollmentStateEnrolled, models.EnrollmentStateWithdrawn, capacityRelease},
		{models.EnrollmentStateEnrolled, models.EnrollmentStateCancelled, capacityRelease},
		{models.EnrollmentStateEnrolled, models.EnrollmentStateApproved, capacityNone},
		{models.EnrollmentStateEnrolled, models.EnrollmentStateFailed, capacityNone},
		{models.EnrollmentStateWithdrawn, models.EnrollmentStateEnrolled, capacityClaim},
		{models.EnrollmentStateCancelled, models.EnrollmentStateEnrolled, capacityClaim},
	}
	for _, tc := range cases {
		effect, ok := transitionEffect(tc.from, tc.to)
		assert.True(t, ok, "%s -> %s should be allowed", tc.from, tc.to)
		assert.Equal(t, tc.effect, effect, "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionEffectRejectsEverythingElse(t *testing.T) {
	allowed := map[[2]models.EnrollmentState]bool{}
	for from, targets := range enrollmentTransitions {
		for to := range targets {
			allowed[[2]models.EnrollmentState{from, to}] = true
		}
	}

	states := []models.EnrollmentState{
		models.EnrollmentStateEnrolled,
		models.EnrollmentStateWithdrawn,
		models.EnrollmentStateApproved,
		models.EnrollmentStateFailed,
		models.EnrollmentStateCancelled,
	}
	for _, from := range states {
		for _, to := range states {
			if allowed[[2]models.EnrollmentState{from, to}] {
				continue
			}
			effect, ok := transitionEffect(from, to)
			assert.False(t, ok, "%s -> %s must be rejected", from, to)
			assert.Equal(t, capacityNone, effect)
		}
	}
}

func TestRequiresFinalGrade(t *testing.T) {
	assert.True(t, requiresFinalGrade(models.EnrollmentStateApproved))
	assert.True(t, requiresFinalGrade(models.EnrollmentStateFailed))
	assert.False(t, requiresFinalGrade(models.EnrollmentStateEnrolled))
	assert.False(t, requiresFinalGrade(models.EnrollmentStateWithdrawn))
	assert.False(t, requiresFinalGrade(models.EnrollmentStateCancelled))
}
