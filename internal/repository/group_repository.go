package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campusops/allocation-api/internal/models"
)

// Sentinel errors surfaced by capacity and enrollment writes. Services map
// them to the typed API errors.
var (
	// ErrCapacityFull is returned when an increment would exceed capacity_max.
	ErrCapacityFull = errors.New("group capacity exhausted")
	// ErrCapacityFloor is returned when a decrement would drop the counter below zero.
	ErrCapacityFloor = errors.New("group capacity already at zero")
)

// GroupRepository handles persistence of course offering groups.
type GroupRepository struct {
	db *sqlx.DB
}

// NewGroupRepository constructs the repository.
func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

const groupColumns = `id, course_id, instructor_id, term, capacity_max, capacity_current, status, created_at, updated_at`

// List returns groups filtered by the provided criteria.
func (r *GroupRepository) List(ctx context.Context, filter models.GroupFilter) ([]models.GroupDetail, int, error) {
	base := `FROM groups g
LEFT JOIN courses c ON c.id = g.course_id
LEFT JOIN instructors i ON i.id = g.instructor_id`
	var conditions []string
	var args []interface{}

	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("g.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.InstructorID != "" {
		conditions = append(conditions, fmt.Sprintf("g.instructor_id = $%d", len(args)+1))
		args = append(args, filter.InstructorID)
	}
	if filter.Term != "" {
		conditions = append(conditions, fmt.Sprintf("g.term = $%d", len(args)+1))
		args = append(args, filter.Term)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("g.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"term":        "g.term",
		"course_name": "c.name",
		"status":      "g.status",
		"created_at":  "g.created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "g.created_at"
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

	query := fmt.Sprintf(`SELECT g.id, g.course_id, g.instructor_id, g.term, g.capacity_max, g.capacity_current, g.status, g.created_at, g.updated_at,
        c.code AS course_code, c.name AS course_name, i.full_name AS instructor_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var groups []models.GroupDetail
	if err := r.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}
	return groups, total, nil
}

// FindByID returns a group by its ID.
func (r *GroupRepository) FindByID(ctx context.Context, id string) (*models.Group, error) {
	query := fmt.Sprintf(`SELECT %s FROM groups WHERE id = $1`, groupColumns)
	var group models.Group
	if err := r.db.GetContext(ctx, &group, query, id); err != nil {
		return nil, err
	}
	return &group, nil
}

// FindDetailByID returns a group with course and instructor context.
func (r *GroupRepository) FindDetailByID(ctx context.Context, id string) (*models.GroupDetail, error) {
	const query = `SELECT g.id, g.course_id, g.instructor_id, g.term, g.capacity_max, g.capacity_current, g.status, g.created_at, g.updated_at,
        c.code AS course_code, c.name AS course_name, i.full_name AS instructor_name
        FROM groups g
        LEFT JOIN courses c ON c.id = g.course_id
        LEFT JOIN instructors i ON i.id = g.instructor_id
        WHERE g.id = $1`
	var detail models.GroupDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Create persists a new group. The seat counter always starts at zero.
func (r *GroupRepository) Create(ctx context.Context, group *models.Group) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	if group.Status == "" {
		group.Status = models.GroupStatusScheduled
	}
	group.CapacityCurrent = 0
	now := time.Now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now
	const query = `INSERT INTO groups (id, course_id, instructor_id, term, capacity_max, capacity_current, status, created_at, updated_at)
        VALUES (:id, :course_id, :instructor_id, :term, :capacity_max, :capacity_current, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Update modifies group attributes. capacity_current is deliberately not
// touched here; it moves only through the conditional capacity updates.
func (r *GroupRepository) Update(ctx context.Context, group *models.Group) error {
	group.UpdatedAt = time.Now().UTC()
	const query = `UPDATE groups SET course_id = :course_id, instructor_id = :instructor_id, term = :term,
        capacity_max = :capacity_max, status = :status, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

// UpdateStatus changes only the lifecycle status.
func (r *GroupRepository) UpdateStatus(ctx context.Context, id string, status models.GroupStatus) error {
	const query = `UPDATE groups SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	return nil
}

// Delete removes a group by id.
func (r *GroupRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// TryIncrementCapacity claims one seat. The guard and the write are a single
// conditional UPDATE, so concurrent claims on the last seat resolve to
// exactly one winner.
func (r *GroupRepository) TryIncrementCapacity(ctx context.Context, groupID string) error {
	return incrementCapacity(ctx, r.db, groupID)
}

// DecrementCapacity releases one seat, refusing to drop below zero.
func (r *GroupRepository) DecrementCapacity(ctx context.Context, groupID string) error {
	return decrementCapacity(ctx, r.db, groupID)
}

func incrementCapacity(ctx context.Context, exec sqlx.ExtContext, groupID string) error {
	const query = `UPDATE groups SET capacity_current = capacity_current + 1, updated_at = $2
        WHERE id = $1 AND capacity_current < capacity_max`
	res, err := exec.ExecContext(ctx, query, groupID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment capacity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment capacity result: %w", err)
	}
	if affected == 0 {
		return ErrCapacityFull
	}
	return nil
}

func decrementCapacity(ctx context.Context, exec sqlx.ExtContext, groupID string) error {
	const query = `UPDATE groups SET capacity_current = capacity_current - 1, updated_at = $2
        WHERE id = $1 AND capacity_current > 0`
	res, err := exec.ExecContext(ctx, query, groupID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("decrement capacity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decrement capacity result: %w", err)
	}
	if affected == 0 {
		return ErrCapacityFloor
	}
	return nil
}
