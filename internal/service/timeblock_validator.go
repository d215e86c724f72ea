package service

import (
	"fmt"

	"github.com/campusops/allocation-api/internal/models"
	"github.com/campusops/allocation-api/pkg/config"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
)

// TimeBlockValidator checks proposed block geometry against absolute bounds.
// It is pure: no side effects, no I/O.
type TimeBlockValidator struct {
	minDuration int
	maxDuration int
	dayStart    models.ClockMinutes
	dayEnd      models.ClockMinutes
}

// NewTimeBlockValidator builds a validator from configuration, falling back
// to the standard bounds (30-240 minutes, 06:00-22:00) for missing or
// unparseable values.
func NewTimeBlockValidator(cfg config.AllocationConfig) *TimeBlockValidator {
	v := &TimeBlockValidator{
		minDuration: cfg.MinBlockMinutes,
		maxDuration: cfg.MaxBlockMinutes,
		dayStart:    6 * 60,
		dayEnd:      22 * 60,
	}
	if v.minDuration <= 0 {
		v.minDuration = 30
	}
	if v.maxDuration <= 0 {
		v.maxDuration = 240
	}
	if start, err := models.ParseClock(cfg.DayStart); err == nil {
		v.dayStart = start
	}
	if end, err := models.ParseClock(cfg.DayEnd); err == nil {
		v.dayEnd = end
	}
	return v
}

// Validate rejects blocks with inverted intervals, out-of-bounds duration,
// out-of-window times or an unrecognised day.
func (v *TimeBlockValidator) Validate(day string, start, end models.ClockMinutes) error {
	if !models.ValidDay(day) {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, fmt.Sprintf("unknown day of week %q", day))
	}
	if end <= start {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, "end time must be after start time")
	}
	duration := int(end - start)
	if duration < v.minDuration {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, fmt.Sprintf("block shorter than %d minutes", v.minDuration))
	}
	if duration > v.maxDuration {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, fmt.Sprintf("block longer than %d minutes", v.maxDuration))
	}
	if start < v.dayStart {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, fmt.Sprintf("block starts before %s", v.dayStart))
	}
	if end > v.dayEnd {
		return appErrors.Clone(appErrors.ErrInvalidSchedule, fmt.Sprintf("block ends after %s", v.dayEnd))
	}
	return nil
}
