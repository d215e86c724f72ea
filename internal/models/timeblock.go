package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Recognised days of the week for weekly recurring blocks.
const (
	DayMonday    = "MONDAY"
	DayTuesday   = "TUESDAY"
	DayWednesday = "WEDNESDAY"
	DayThursday  = "THURSDAY"
	DayFriday    = "FRIDAY"
	DaySaturday  = "SATURDAY"
	DaySunday    = "SUNDAY"
)

// WeekDays lists the days in display order.
var WeekDays = []string{DayMonday, DayTuesday, DayWednesday, DayThursday, DayFriday, DaySaturday, DaySunday}

// ValidDay reports whether the token is one of the seven recognised days.
func ValidDay(day string) bool {
	for _, d := range WeekDays {
		if d == day {
			return true
		}
	}
	return false
}

// DayIndex returns the position of a day within the week, or -1.
func DayIndex(day string) int {
	for i, d := range WeekDays {
		if d == day {
			return i
		}
	}
	return -1
}

// ClockMinutes is a time of day expressed as minutes since midnight. It is
// stored as an integer and serialised as "HH:MM".
type ClockMinutes int

// ParseClock converts "HH:MM" into minutes since midnight.
func ParseClock(raw string) (ClockMinutes, error) {
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", raw, err)
	}
	return ClockMinutes(t.Hour()*60 + t.Minute()), nil
}

// String renders the minutes as "HH:MM".
func (m ClockMinutes) String() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// MarshalJSON renders the clock value as a "HH:MM" string.
func (m ClockMinutes) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a "HH:MM" string.
func (m *ClockMinutes) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseClock(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// TimeBlock is one weekly recurring interval owned by exactly one group.
// The interval is half-open: [start, end).
type TimeBlock struct {
	ID        string       `db:"id" json:"id"`
	GroupID   string       `db:"group_id" json:"group_id"`
	Day       string       `db:"day_of_week" json:"day_of_week"`
	StartMin  ClockMinutes `db:"start_min" json:"start"`
	EndMin    ClockMinutes `db:"end_min" json:"end"`
	Room      string       `db:"room" json:"room,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// DurationMinutes returns the block length in minutes.
func (b *TimeBlock) DurationMinutes() int {
	return int(b.EndMin - b.StartMin)
}

// Overlaps reports whether two half-open intervals on the same day collide.
func (b *TimeBlock) Overlaps(other *TimeBlock) bool {
	if b.Day != other.Day {
		return false
	}
	return b.StartMin < other.EndMin && other.StartMin < b.EndMin
}

// TimeBlockDetail enriches a block with its owning group's context.
type TimeBlockDetail struct {
	TimeBlock
	Term         string  `db:"term" json:"term"`
	CourseName   string  `db:"course_name" json:"course_name"`
	InstructorID *string `db:"instructor_id" json:"instructor_id,omitempty"`
}

// TimeBlockFilter describes query params for listing blocks.
type TimeBlockFilter struct {
	GroupID   string
	Term      string
	Day       string
	Room      string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Conflict scope discriminators.
const (
	ConflictScopeRoom       = "ROOM"
	ConflictScopeInstructor = "INSTRUCTOR"
)

// TimeBlockConflictError is returned when a block write collides with
// committed blocks in the room or instructor scope.
type TimeBlockConflictError struct {
	Scope   string      `json:"scope"`
	Message string      `json:"message"`
	Blocks  []TimeBlock `json:"blocks"`
}

// Error implements the error interface for conflict errors.
func (e *TimeBlockConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// TimetableEntry is one row in a group's weekly timetable view.
type TimetableEntry struct {
	Day        string       `json:"day_of_week"`
	Start      ClockMinutes `json:"start"`
	End        ClockMinutes `json:"end"`
	Room       string       `json:"room,omitempty"`
	CourseName string       `json:"course_name"`
}
