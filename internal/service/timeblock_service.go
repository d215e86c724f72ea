package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusops/allocation-api/internal/models"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
	"github.com/campusops/allocation-api/pkg/export"
)

// timeBlockRepository is the persistence surface the service needs for blocks.
type timeBlockRepository interface {
	List(ctx context.Context, filter models.TimeBlockFilter) ([]models.TimeBlock, int, error)
	FindByID(ctx context.Context, id string) (*models.TimeBlock, error)
	ListByGroup(ctx context.Context, groupID string) ([]models.TimeBlock, error)
	ListDetailByGroup(ctx context.Context, groupID string) ([]models.TimeBlockDetail, error)
	FindRoomConflicts(ctx context.Context, room, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error)
	FindInstructorConflicts(ctx context.Context, instructorID, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error)
	CreateChecked(ctx context.Context, block *models.TimeBlock, term string, instructorID *string) error
	UpdateChecked(ctx context.Context, block *models.TimeBlock, term string, instructorID *string) error
	Delete(ctx context.Context, id string) error
}

// timeBlockGroupReader resolves the owning group of a block.
type timeBlockGroupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
	FindDetailByID(ctx context.Context, id string) (*models.GroupDetail, error)
}

// TimeBlockService manages weekly time blocks: geometry validation, conflict
// detection and the cached timetable view.
type TimeBlockService struct {
	repo      timeBlockRepository
	groups    timeBlockGroupReader
	geometry  *TimeBlockValidator
	cache     *CacheService
	metrics   *MetricsService
	pdf       *export.PDFExporter
	csv       *export.CSVExporter
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTimeBlockService constructs the service.
func NewTimeBlockService(repo timeBlockRepository, groups timeBlockGroupReader, geometry *TimeBlockValidator, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *TimeBlockService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeBlockService{
		repo:      repo,
		groups:    groups,
		geometry:  geometry,
		cache:     cache,
		metrics:   metrics,
		pdf:       export.NewPDFExporter(),
		csv:       export.NewCSVExporter(),
		validator: validate,
		logger:    logger,
	}
}

// CreateTimeBlockRequest is the payload for adding a block to a group.
type CreateTimeBlockRequest struct {
	GroupID string              `json:"group_id" validate:"required"`
	Day     string              `json:"day_of_week" validate:"required"`
	Start   models.ClockMinutes `json:"start" validate:"required"`
	End     models.ClockMinutes `json:"end" validate:"required"`
	Room    string              `json:"room"`
}

// UpdateTimeBlockRequest is the payload for moving an existing block. The
// owning group never changes; move a lecture, not its ownership.
type UpdateTimeBlockRequest struct {
	Day   string              `json:"day_of_week" validate:"required"`
	Start models.ClockMinutes `json:"start" validate:"required"`
	End   models.ClockMinutes `json:"end" validate:"required"`
	Room  string              `json:"room"`
}

// CheckTimeBlockRequest is the payload for a dry-run conflict probe.
type CheckTimeBlockRequest struct {
	GroupID   string              `json:"group_id" validate:"required"`
	Day       string              `json:"day_of_week" validate:"required"`
	Start     models.ClockMinutes `json:"start" validate:"required"`
	End       models.ClockMinutes `json:"end" validate:"required"`
	Room      string              `json:"room"`
	ExcludeID string              `json:"exclude_id"`
}

// TimeBlockCheckResult reports the outcome of a dry-run probe. The result is
// advisory: a clean probe can still lose to a concurrent write, only the
// checked create/update is authoritative.
type TimeBlockCheckResult struct {
	Clear               bool               `json:"clear"`
	RoomConflicts       []models.TimeBlock `json:"room_conflicts,omitempty"`
	InstructorConflicts []models.TimeBlock `json:"instructor_conflicts,omitempty"`
}

// List returns blocks matching the filter.
func (s *TimeBlockService) List(ctx context.Context, filter models.TimeBlockFilter) ([]models.TimeBlock, int, error) {
	return s.repo.List(ctx, filter)
}

// Get loads a single block.
func (s *TimeBlockService) Get(ctx context.Context, id string) (*models.TimeBlock, error) {
	block, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "time block not found")
		}
		return nil, fmt.Errorf("load time block: %w", err)
	}
	return block, nil
}

// Create validates geometry, resolves the owning group and writes the block
// under conflict checks.
func (s *TimeBlockService) Create(ctx context.Context, req CreateTimeBlockRequest) (*models.TimeBlock, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	day := strings.ToUpper(req.Day)
	if err := s.geometry.Validate(day, req.Start, req.End); err != nil {
		return nil, err
	}

	group, err := s.loadGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	block := &models.TimeBlock{
		GroupID:  group.ID,
		Day:      day,
		StartMin: req.Start,
		EndMin:   req.End,
		Room:     req.Room,
	}
	if err := s.repo.CreateChecked(ctx, block, group.Term, group.InstructorID); err != nil {
		return nil, s.mapWriteError(err)
	}

	s.cache.InvalidateGroup(ctx, group.ID)
	s.logger.Info("time block created",
		zap.String("block_id", block.ID),
		zap.String("group_id", group.ID),
		zap.String("day", block.Day))
	return block, nil
}

// Update moves a block to a new slot under the same conflict checks, with the
// block itself excluded so re-validating an unchanged slot is idempotent.
func (s *TimeBlockService) Update(ctx context.Context, id string, req UpdateTimeBlockRequest) (*models.TimeBlock, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	day := strings.ToUpper(req.Day)
	if err := s.geometry.Validate(day, req.Start, req.End); err != nil {
		return nil, err
	}

	block, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	group, err := s.loadGroup(ctx, block.GroupID)
	if err != nil {
		return nil, err
	}

	block.Day = day
	block.StartMin = req.Start
	block.EndMin = req.End
	block.Room = req.Room
	if err := s.repo.UpdateChecked(ctx, block, group.Term, group.InstructorID); err != nil {
		return nil, s.mapWriteError(err)
	}

	s.cache.InvalidateGroup(ctx, group.ID)
	return block, nil
}

// Delete removes a block and drops the cached timetable of its group.
func (s *TimeBlockService) Delete(ctx context.Context, id string) error {
	block, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete time block: %w", err)
	}
	s.cache.InvalidateGroup(ctx, block.GroupID)
	return nil
}

// CheckConflicts runs geometry validation and conflict detection without
// writing anything.
func (s *TimeBlockService) CheckConflicts(ctx context.Context, req CheckTimeBlockRequest) (*TimeBlockCheckResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	day := strings.ToUpper(req.Day)
	if err := s.geometry.Validate(day, req.Start, req.End); err != nil {
		return nil, err
	}

	group, err := s.loadGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	result := &TimeBlockCheckResult{}
	if req.Room != "" {
		result.RoomConflicts, err = s.repo.FindRoomConflicts(ctx, req.Room, group.Term, day, req.Start, req.End, req.ExcludeID)
		if err != nil {
			return nil, err
		}
	}
	if group.InstructorID != nil {
		result.InstructorConflicts, err = s.repo.FindInstructorConflicts(ctx, *group.InstructorID, group.Term, day, req.Start, req.End, req.ExcludeID)
		if err != nil {
			return nil, err
		}
	}
	result.Clear = len(result.RoomConflicts) == 0 && len(result.InstructorConflicts) == 0
	return result, nil
}

// Timetable returns a group's weekly view ordered by day then start time,
// served from cache when possible.
func (s *TimeBlockService) Timetable(ctx context.Context, groupID string) ([]models.TimetableEntry, error) {
	key := TimetableKey(groupID)
	var cached []models.TimetableEntry
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return cached, nil
	}

	if _, err := s.loadGroup(ctx, groupID); err != nil {
		return nil, err
	}
	details, err := s.repo.ListDetailByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	entries := make([]models.TimetableEntry, 0, len(details))
	for _, d := range details {
		entries = append(entries, models.TimetableEntry{
			Day:        d.Day,
			Start:      d.StartMin,
			End:        d.EndMin,
			Room:       d.Room,
			CourseName: d.CourseName,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := models.DayIndex(entries[i].Day), models.DayIndex(entries[j].Day)
		if di != dj {
			return di < dj
		}
		return entries[i].Start < entries[j].Start
	})

	if err := s.cache.Set(ctx, key, entries, 0); err != nil {
		s.logger.Warn("timetable cache store failed", zap.String("group_id", groupID), zap.Error(err))
	}
	return entries, nil
}

// ExportTimetable renders a group's timetable as PDF or CSV and returns the
// payload with a suggested filename.
func (s *TimeBlockService) ExportTimetable(ctx context.Context, groupID, format string) ([]byte, string, error) {
	entries, err := s.Timetable(ctx, groupID)
	if err != nil {
		return nil, "", err
	}
	detail, err := s.groups.FindDetailByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, "", fmt.Errorf("load group detail: %w", err)
	}

	rows := make([]export.TimetableRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, export.TimetableRow{
			Day:   e.Day,
			Start: e.Start.String(),
			End:   e.End.String(),
			Room:  e.Room,
			Label: e.CourseName,
		})
	}

	switch strings.ToLower(format) {
	case "pdf":
		title := fmt.Sprintf("%s - %s", detail.CourseName, detail.Term)
		data, err := s.pdf.RenderTimetable(title, rows)
		if err != nil {
			return nil, "", fmt.Errorf("export timetable pdf: %w", err)
		}
		return data, fmt.Sprintf("timetable-%s.pdf", groupID), nil
	case "csv":
		data, err := s.csv.RenderTimetable(rows)
		if err != nil {
			return nil, "", fmt.Errorf("export timetable csv: %w", err)
		}
		return data, fmt.Sprintf("timetable-%s.csv", groupID), nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

func (s *TimeBlockService) loadGroup(ctx context.Context, id string) (*models.Group, error) {
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, fmt.Errorf("load group: %w", err)
	}
	return group, nil
}

// mapWriteError translates repository conflict errors into the scoped API
// errors and counts them. The conflict stays wrapped so callers can recover
// the colliding blocks with errors.As, and the block list rides along in the
// response payload.
func (s *TimeBlockService) mapWriteError(err error) error {
	var conflict *models.TimeBlockConflictError
	if errors.As(err, &conflict) {
		if s.metrics != nil {
			s.metrics.RecordScheduleConflict(conflict.Scope)
		}
		base := appErrors.ErrRoomConflict
		if conflict.Scope == models.ConflictScopeInstructor {
			base = appErrors.ErrInstructorConflict
		}
		apiErr := appErrors.Clone(base, conflict.Message)
		apiErr.Err = conflict
		apiErr.Details = conflict.Blocks
		return apiErr
	}
	return err
}
