package models

import "time"

// EnrollmentState represents the lifecycle of an enrollment.
type EnrollmentState string

// Possible enrollment states.
const (
	EnrollmentStateEnrolled  EnrollmentState = "ENROLLED"
	EnrollmentStateWithdrawn EnrollmentState = "WITHDRAWN"
	EnrollmentStateApproved  EnrollmentState = "APPROVED"
	EnrollmentStateFailed    EnrollmentState = "FAILED"
	EnrollmentStateCancelled EnrollmentState = "CANCELLED"
)

// ValidEnrollmentState reports whether the token is a recognised state.
func ValidEnrollmentState(s EnrollmentState) bool {
	switch s {
	case EnrollmentStateEnrolled, EnrollmentStateWithdrawn, EnrollmentStateApproved, EnrollmentStateFailed, EnrollmentStateCancelled:
		return true
	}
	return false
}

// Enrollment links one student to one group. At most one non-cancelled
// enrollment may exist per (student, group) pair; the storage layer backs
// this with a partial unique index.
type Enrollment struct {
	ID         string          `db:"id" json:"id"`
	StudentID  string          `db:"student_id" json:"student_id"`
	GroupID    string          `db:"group_id" json:"group_id"`
	State      EnrollmentState `db:"state" json:"state"`
	FinalGrade *float64        `db:"final_grade" json:"final_grade,omitempty"`
	EnrolledAt time.Time       `db:"enrolled_at" json:"enrolled_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with student and group info.
type EnrollmentDetail struct {
	Enrollment
	StudentName string `db:"student_name" json:"student_name"`
	StudentCode string `db:"student_code" json:"student_code"`
	CourseName  string `db:"course_name" json:"course_name"`
	Term        string `db:"term" json:"term"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	GroupID   string
	State     EnrollmentState
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
