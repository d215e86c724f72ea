package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campusops/allocation-api/internal/models"
)

// TimeBlockRepository provides persistence for weekly time blocks. Writes go
// through checked variants that serialize per conflict scope, so two callers
// can never both observe "no conflict" and double-book the same slot.
type TimeBlockRepository struct {
	db *sqlx.DB
}

// NewTimeBlockRepository creates a new time block repository.
func NewTimeBlockRepository(db *sqlx.DB) *TimeBlockRepository {
	return &TimeBlockRepository{db: db}
}

const timeBlockColumns = `b.id, b.group_id, b.day_of_week, b.start_min, b.end_min, b.room, b.created_at, b.updated_at`

// List returns time blocks with optional filtering and pagination.
func (r *TimeBlockRepository) List(ctx context.Context, filter models.TimeBlockFilter) ([]models.TimeBlock, int, error) {
	base := "FROM time_blocks b JOIN groups g ON g.id = b.group_id"
	var conditions []string
	var args []interface{}

	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("b.group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.Term != "" {
		conditions = append(conditions, fmt.Sprintf("g.term = $%d", len(args)+1))
		args = append(args, filter.Term)
	}
	if filter.Day != "" {
		conditions = append(conditions, fmt.Sprintf("b.day_of_week = $%d", len(args)+1))
		args = append(args, filter.Day)
	}
	if filter.Room != "" {
		conditions = append(conditions, fmt.Sprintf("b.room = $%d", len(args)+1))
		args = append(args, filter.Room)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"day_of_week": "b.day_of_week",
		"start":       "b.start_min",
		"room":        "b.room",
		"created_at":  "b.created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "b.start_min"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
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

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", timeBlockColumns, base+clause, orderBy, order, size, offset)
	var blocks []models.TimeBlock
	if err := r.db.SelectContext(ctx, &blocks, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list time blocks: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count time blocks: %w", err)
	}
	return blocks, total, nil
}

// FindByID loads a time block by id.
func (r *TimeBlockRepository) FindByID(ctx context.Context, id string) (*models.TimeBlock, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_blocks b WHERE b.id = $1`, timeBlockColumns)
	var block models.TimeBlock
	if err := r.db.GetContext(ctx, &block, query, id); err != nil {
		return nil, err
	}
	return &block, nil
}

// ListByGroup returns a group's blocks ordered by day and start time.
func (r *TimeBlockRepository) ListByGroup(ctx context.Context, groupID string) ([]models.TimeBlock, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_blocks b WHERE b.group_id = $1 ORDER BY b.day_of_week ASC, b.start_min ASC`, timeBlockColumns)
	var blocks []models.TimeBlock
	if err := r.db.SelectContext(ctx, &blocks, query, groupID); err != nil {
		return nil, fmt.Errorf("list group time blocks: %w", err)
	}
	return blocks, nil
}

// ListDetailByGroup returns a group's blocks with course context for
// timetable views.
func (r *TimeBlockRepository) ListDetailByGroup(ctx context.Context, groupID string) ([]models.TimeBlockDetail, error) {
	const query = `SELECT b.id, b.group_id, b.day_of_week, b.start_min, b.end_min, b.room, b.created_at, b.updated_at,
        g.term AS term, c.name AS course_name, g.instructor_id AS instructor_id
        FROM time_blocks b
        JOIN groups g ON g.id = b.group_id
        LEFT JOIN courses c ON c.id = g.course_id
        WHERE b.group_id = $1
        ORDER BY b.day_of_week ASC, b.start_min ASC`
	var blocks []models.TimeBlockDetail
	if err := r.db.SelectContext(ctx, &blocks, query, groupID); err != nil {
		return nil, fmt.Errorf("list group timetable: %w", err)
	}
	return blocks, nil
}

// FindRoomConflicts returns committed blocks overlapping [start, end) in the
// same room, term and day. excludeID removes a block from comparison so an
// update does not conflict with its own prior version.
func (r *TimeBlockRepository) FindRoomConflicts(ctx context.Context, room, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error) {
	return findRoomConflicts(ctx, r.db, room, term, day, start, end, excludeID)
}

// FindInstructorConflicts returns committed blocks overlapping [start, end)
// whose owning group has the same instructor in the same term and day.
func (r *TimeBlockRepository) FindInstructorConflicts(ctx context.Context, instructorID, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error) {
	return findInstructorConflicts(ctx, r.db, instructorID, term, day, start, end, excludeID)
}

func findRoomConflicts(ctx context.Context, q sqlx.ExtContext, room, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_blocks b
        JOIN groups g ON g.id = b.group_id
        WHERE b.room = $1 AND g.term = $2 AND b.day_of_week = $3
        AND b.start_min < $5 AND $4 < b.end_min`, timeBlockColumns)
	args := []interface{}{room, term, day, start, end}
	if excludeID != "" {
		query += fmt.Sprintf(" AND b.id <> $%d", len(args)+1)
		args = append(args, excludeID)
	}
	query += " ORDER BY b.start_min ASC"
	var blocks []models.TimeBlock
	if err := sqlx.SelectContext(ctx, q, &blocks, query, args...); err != nil {
		return nil, fmt.Errorf("find room conflicts: %w", err)
	}
	return blocks, nil
}

func findInstructorConflicts(ctx context.Context, q sqlx.ExtContext, instructorID, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_blocks b
        JOIN groups g ON g.id = b.group_id
        WHERE g.instructor_id = $1 AND g.term = $2 AND b.day_of_week = $3
        AND b.start_min < $5 AND $4 < b.end_min`, timeBlockColumns)
	args := []interface{}{instructorID, term, day, start, end}
	if excludeID != "" {
		query += fmt.Sprintf(" AND b.id <> $%d", len(args)+1)
		args = append(args, excludeID)
	}
	query += " ORDER BY b.start_min ASC"
	var blocks []models.TimeBlock
	if err := sqlx.SelectContext(ctx, q, &blocks, query, args...); err != nil {
		return nil, fmt.Errorf("find instructor conflicts: %w", err)
	}
	return blocks, nil
}

// CreateChecked re-runs conflict detection under per-scope advisory locks and
// inserts the block only when both scopes are clear. term and instructorID
// describe the owning group.
func (r *TimeBlockRepository) CreateChecked(ctx context.Context, block *models.TimeBlock, term string, instructorID *string) error {
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	block.CreatedAt = now
	block.UpdatedAt = now
	const insert = `INSERT INTO time_blocks (id, group_id, day_of_week, start_min, end_min, room, created_at, updated_at)
        VALUES (:id, :group_id, :day_of_week, :start_min, :end_min, :room, :created_at, :updated_at)`
	return r.writeChecked(ctx, block, term, instructorID, "", insert)
}

// UpdateChecked is CreateChecked for an existing block; the block itself is
// excluded from conflict comparison.
func (r *TimeBlockRepository) UpdateChecked(ctx context.Context, block *models.TimeBlock, term string, instructorID *string) error {
	block.UpdatedAt = time.Now().UTC()
	const update = `UPDATE time_blocks SET group_id = :group_id, day_of_week = :day_of_week, start_min = :start_min,
        end_min = :end_min, room = :room, updated_at = :updated_at WHERE id = :id`
	return r.writeChecked(ctx, block, term, instructorID, block.ID, update)
}

// writeChecked serializes writers per (room, term, day) and per
// (instructor, term, day) with transaction-scoped advisory locks, then reads
// the committed set and writes. Lock order is fixed (room first) so two
// writers touching both scopes cannot deadlock.
func (r *TimeBlockRepository) writeChecked(ctx context.Context, block *models.TimeBlock, term string, instructorID *string, excludeID, stmt string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin time block write: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if block.Room != "" {
		lockKey := fmt.Sprintf("room:%s:%s:%s", block.Room, term, block.Day)
		if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			err = fmt.Errorf("lock room scope: %w", err)
			return err
		}
	}
	if instructorID != nil {
		lockKey := fmt.Sprintf("instructor:%s:%s:%s", *instructorID, term, block.Day)
		if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			err = fmt.Errorf("lock instructor scope: %w", err)
			return err
		}
	}

	if block.Room != "" {
		var conflicts []models.TimeBlock
		conflicts, err = findRoomConflicts(ctx, tx, block.Room, term, block.Day, block.StartMin, block.EndMin, excludeID)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			err = &models.TimeBlockConflictError{Scope: models.ConflictScopeRoom, Message: "room already booked for this slot", Blocks: conflicts}
			return err
		}
	}
	if instructorID != nil {
		var conflicts []models.TimeBlock
		conflicts, err = findInstructorConflicts(ctx, tx, *instructorID, term, block.Day, block.StartMin, block.EndMin, excludeID)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			err = &models.TimeBlockConflictError{Scope: models.ConflictScopeInstructor, Message: "instructor already scheduled for this slot", Blocks: conflicts}
			return err
		}
	}

	if _, err = sqlx.NamedExecContext(ctx, tx, stmt, block); err != nil {
		err = fmt.Errorf("write time block: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit time block write: %w", err)
		return err
	}
	return nil
}

// Delete removes a time block by id.
func (r *TimeBlockRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM time_blocks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete time block: %w", err)
	}
	return nil
}
