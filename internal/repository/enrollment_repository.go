package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusops/allocation-api/internal/models"
)

// Sentinels for enrollment writes.
var (
	// ErrDuplicateEnrollment maps the partial unique index on
	// (student_id, group_id) WHERE state <> 'CANCELLED'.
	ErrDuplicateEnrollment = errors.New("active enrollment already exists for student and group")
	// ErrStaleState is returned when the expected current state no longer
	// matches; a concurrent transition won.
	ErrStaleState = errors.New("enrollment state changed concurrently")
)

const pqUniqueViolation = "23505"

// EnrollmentRepository handles persistence of enrollments. State changes and
// their capacity effects are written in a single transaction so a reader can
// never observe one without the other.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, student_id, group_id, state, final_grade, enrolled_at, updated_at`

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id
LEFT JOIN groups g ON g.id = e.group_id
LEFT JOIN courses c ON c.id = g.course_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("e.group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("e.state = $%d", len(args)+1))
		args = append(args, filter.State)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":  "e.enrolled_at",
		"student_name": "s.full_name",
		"state":        "e.state",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.group_id, e.state, e.final_grade, e.enrolled_at, e.updated_at,
        s.full_name AS student_name, s.code AS student_code, c.name AS course_name, g.term AS term
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with contextual info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.state, e.final_grade, e.enrolled_at, e.updated_at,
        s.full_name AS student_name, s.code AS student_code, c.name AS course_name, g.term AS term
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        LEFT JOIN groups g ON g.id = e.group_id
        LEFT JOIN courses c ON c.id = g.course_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsNonCancelled checks whether a non-cancelled enrollment links the
// student and group. The partial unique index is the hard guarantee; this
// pre-check exists for friendlier error reporting.
func (r *EnrollmentRepository) ExistsNonCancelled(ctx context.Context, studentID, groupID, excludeID string) (bool, error) {
	query := `SELECT 1 FROM enrollments WHERE student_id = $1 AND group_id = $2 AND state <> $3`
	args := []interface{}{studentID, groupID, models.EnrollmentStateCancelled}
	if excludeID != "" {
		query += fmt.Sprintf(" AND id <> $%d", len(args)+1)
		args = append(args, excludeID)
	}
	query += " LIMIT 1"
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check enrollment exists: %w", err)
	}
	return true, nil
}

// ListByGroup returns enrollments for a group filtered to the given state.
func (r *EnrollmentRepository) ListByGroup(ctx context.Context, groupID string, state models.EnrollmentState) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE group_id = $1`, enrollmentColumns)
	args := []interface{}{groupID}
	if state != "" {
		query += " AND state = $2"
		args = append(args, state)
	}
	query += " ORDER BY enrolled_at ASC"
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, fmt.Errorf("list group enrollments: %w", err)
	}
	return enrollments, nil
}

// CountNonCancelled returns the number of enrollments still binding students
// to the group. Group deletion is refused while this is non-zero.
func (r *EnrollmentRepository) CountNonCancelled(ctx context.Context, groupID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE group_id = $1 AND state <> $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, groupID, models.EnrollmentStateCancelled); err != nil {
		return 0, fmt.Errorf("count non-cancelled: %w", err)
	}
	return count, nil
}

// CreateEnrolled inserts a new ENROLLED row and claims the seat in one
// transaction. Returns ErrCapacityFull when the group has no free seat and
// ErrDuplicateEnrollment when the uniqueness index rejects the insert.
func (r *EnrollmentRepository) CreateEnrolled(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = now
	}
	enrollment.UpdatedAt = now
	enrollment.State = models.EnrollmentStateEnrolled

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enroll: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = incrementCapacity(ctx, tx, enrollment.GroupID); err != nil {
		return err
	}

	const query = `INSERT INTO enrollments (id, student_id, group_id, state, final_grade, enrolled_at, updated_at)
        VALUES (:id, :student_id, :group_id, :state, :final_grade, :enrolled_at, :updated_at)`
	if _, err = sqlx.NamedExecContext(ctx, tx, query, enrollment); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			err = ErrDuplicateEnrollment
			return err
		}
		err = fmt.Errorf("create enrollment: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit enroll: %w", err)
		return err
	}
	return nil
}

// Transition flips an enrollment from the expected state to the target state
// and applies the capacity delta (-1, 0 or +1) in the same transaction. The
// state UPDATE is conditional on the expected state, so two concurrent
// transitions of the same row cannot both apply a ledger effect.
func (r *EnrollmentRepository) Transition(ctx context.Context, id string, from, to models.EnrollmentState, finalGrade *float64, capacityDelta int, groupID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `UPDATE enrollments SET state = $2, final_grade = COALESCE($3, final_grade), updated_at = $4
        WHERE id = $1 AND state = $5`
	res, execErr := tx.ExecContext(ctx, query, id, to, finalGrade, time.Now().UTC(), from)
	if execErr != nil {
		// A re-enrollment flip can race a fresh insert for the same student
		// and group; the partial unique index settles it.
		var pqErr *pq.Error
		if errors.As(execErr, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			err = ErrDuplicateEnrollment
			return err
		}
		err = fmt.Errorf("transition enrollment: %w", execErr)
		return err
	}
	affected, raErr := res.RowsAffected()
	if raErr != nil {
		err = fmt.Errorf("transition result: %w", raErr)
		return err
	}
	if affected == 0 {
		err = ErrStaleState
		return err
	}

	switch {
	case capacityDelta > 0:
		err = incrementCapacity(ctx, tx, groupID)
	case capacityDelta < 0:
		err = decrementCapacity(ctx, tx, groupID)
	}
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit transition: %w", err)
		return err
	}
	return nil
}
