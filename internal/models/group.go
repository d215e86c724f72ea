package models

import "time"

// GroupStatus represents the lifecycle of a course offering.
type GroupStatus string

// Possible group statuses.
const (
	GroupStatusScheduled  GroupStatus = "SCHEDULED"
	GroupStatusOpen       GroupStatus = "OPEN"
	GroupStatusInProgress GroupStatus = "IN_PROGRESS"
	GroupStatusFinished   GroupStatus = "FINISHED"
	GroupStatusCancelled  GroupStatus = "CANCELLED"
)

// ValidGroupStatus reports whether the token is a recognised status.
func ValidGroupStatus(s GroupStatus) bool {
	switch s {
	case GroupStatusScheduled, GroupStatusOpen, GroupStatusInProgress, GroupStatusFinished, GroupStatusCancelled:
		return true
	}
	return false
}

// Group is a single offering of a course in one academic term. The seat
// counter pair (capacity_current, capacity_max) is only ever mutated
// through the repository's conditional updates.
type Group struct {
	ID              string      `db:"id" json:"id"`
	CourseID        string      `db:"course_id" json:"course_id"`
	InstructorID    *string     `db:"instructor_id" json:"instructor_id,omitempty"`
	Term            string      `db:"term" json:"term"`
	CapacityMax     int         `db:"capacity_max" json:"capacity_max"`
	CapacityCurrent int         `db:"capacity_current" json:"capacity_current"`
	Status          GroupStatus `db:"status" json:"status"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// AcceptsEnrollment reports whether new enrollments may target the group.
func (g *Group) AcceptsEnrollment() bool {
	return g.Status == GroupStatusScheduled || g.Status == GroupStatusOpen
}

// GroupDetail enriches Group with course and instructor info.
type GroupDetail struct {
	Group
	CourseCode     string  `db:"course_code" json:"course_code"`
	CourseName     string  `db:"course_name" json:"course_name"`
	InstructorName *string `db:"instructor_name" json:"instructor_name,omitempty"`
}

// GroupFilter provides filters for listing groups.
type GroupFilter struct {
	CourseID     string
	InstructorID string
	Term         string
	Status       GroupStatus
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
