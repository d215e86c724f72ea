package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusops/allocation-api/internal/models"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
)

// groupRepository is the persistence surface the service needs for groups.
type groupRepository interface {
	List(ctx context.Context, filter models.GroupFilter) ([]models.GroupDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Group, error)
	FindDetailByID(ctx context.Context, id string) (*models.GroupDetail, error)
	Create(ctx context.Context, group *models.Group) error
	Update(ctx context.Context, group *models.Group) error
	UpdateStatus(ctx context.Context, id string, status models.GroupStatus) error
	Delete(ctx context.Context, id string) error
}

// groupCourseReader resolves catalogue courses.
type groupCourseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

// groupInstructorReader resolves instructors.
type groupInstructorReader interface {
	FindByID(ctx context.Context, id string) (*models.Instructor, error)
}

// groupEnrollmentCounter answers how many enrollments still bind a group.
type groupEnrollmentCounter interface {
	CountNonCancelled(ctx context.Context, groupID string) (int, error)
}

// GroupService manages course offering groups.
type GroupService struct {
	repo        groupRepository
	courses     groupCourseReader
	instructors groupInstructorReader
	enrollments groupEnrollmentCounter
	cache       *CacheService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewGroupService constructs the service.
func NewGroupService(repo groupRepository, courses groupCourseReader, instructors groupInstructorReader, enrollments groupEnrollmentCounter, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *GroupService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupService{
		repo:        repo,
		courses:     courses,
		instructors: instructors,
		enrollments: enrollments,
		cache:       cache,
		validator:   validate,
		logger:      logger,
	}
}

// CreateGroupRequest is the payload for opening a new offering.
type CreateGroupRequest struct {
	CourseID     string  `json:"course_id" validate:"required"`
	InstructorID *string `json:"instructor_id"`
	Term         string  `json:"term" validate:"required"`
	CapacityMax  int     `json:"capacity_max" validate:"required,min=1"`
	Status       string  `json:"status"`
}

// UpdateGroupRequest is the payload for editing an offering.
type UpdateGroupRequest struct {
	InstructorID *string `json:"instructor_id"`
	Term         string  `json:"term" validate:"required"`
	CapacityMax  int     `json:"capacity_max" validate:"required,min=1"`
	Status       string  `json:"status" validate:"required"`
}

// List returns groups matching the filter.
func (s *GroupService) List(ctx context.Context, filter models.GroupFilter) ([]models.GroupDetail, int, error) {
	return s.repo.List(ctx, filter)
}

// Get loads a group with course and instructor context.
func (s *GroupService) Get(ctx context.Context, id string) (*models.GroupDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, fmt.Errorf("load group: %w", err)
	}
	return detail, nil
}

// Create opens a new group after resolving its course and instructor.
func (s *GroupService) Create(ctx context.Context, req CreateGroupRequest) (*models.Group, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	status := models.GroupStatusScheduled
	if req.Status != "" {
		status = models.GroupStatus(strings.ToUpper(req.Status))
		if !models.ValidGroupStatus(status) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown group status %q", req.Status))
		}
	}

	if _, err := s.courses.FindByID(ctx, req.CourseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, fmt.Errorf("load course: %w", err)
	}
	if err := s.checkInstructor(ctx, req.InstructorID); err != nil {
		return nil, err
	}

	group := &models.Group{
		CourseID:     req.CourseID,
		InstructorID: req.InstructorID,
		Term:         req.Term,
		CapacityMax:  req.CapacityMax,
		Status:       status,
	}
	if err := s.repo.Create(ctx, group); err != nil {
		return nil, err
	}
	s.logger.Info("group created",
		zap.String("group_id", group.ID),
		zap.String("course_id", group.CourseID),
		zap.String("term", group.Term))
	return group, nil
}

// Update edits an offering. The seat ceiling can never drop below seats
// already taken, and capacity_current is never written here.
func (s *GroupService) Update(ctx context.Context, id string, req UpdateGroupRequest) (*models.Group, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	status := models.GroupStatus(strings.ToUpper(req.Status))
	if !models.ValidGroupStatus(status) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown group status %q", req.Status))
	}

	group, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, fmt.Errorf("load group: %w", err)
	}
	if req.CapacityMax < group.CapacityCurrent {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed,
			fmt.Sprintf("capacity_max %d is below the %d seats already taken", req.CapacityMax, group.CapacityCurrent))
	}
	if err := s.checkInstructor(ctx, req.InstructorID); err != nil {
		return nil, err
	}

	group.InstructorID = req.InstructorID
	group.Term = req.Term
	group.CapacityMax = req.CapacityMax
	group.Status = status
	if err := s.repo.Update(ctx, group); err != nil {
		return nil, err
	}
	s.cache.InvalidateGroup(ctx, group.ID)
	return group, nil
}

// UpdateStatus changes only the lifecycle status.
func (s *GroupService) UpdateStatus(ctx context.Context, id string, status models.GroupStatus) error {
	if !models.ValidGroupStatus(status) {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown group status %q", status))
	}
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return fmt.Errorf("load group: %w", err)
	}
	return s.repo.UpdateStatus(ctx, id, status)
}

// Delete removes a group. Refused while non-cancelled enrollments reference
// it unless force is set.
func (s *GroupService) Delete(ctx context.Context, id string, force bool) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return fmt.Errorf("load group: %w", err)
	}
	if !force {
		count, err := s.enrollments.CountNonCancelled(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return appErrors.Clone(appErrors.ErrPreconditionFailed,
				fmt.Sprintf("group still has %d active enrollments", count))
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.InvalidateGroup(ctx, id)
	s.logger.Info("group deleted", zap.String("group_id", id), zap.Bool("force", force))
	return nil
}

func (s *GroupService) checkInstructor(ctx context.Context, instructorID *string) error {
	if instructorID == nil {
		return nil
	}
	instructor, err := s.instructors.FindByID(ctx, *instructorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "instructor not found")
		}
		return fmt.Errorf("load instructor: %w", err)
	}
	if !instructor.Active {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "instructor is inactive")
	}
	return nil
}
