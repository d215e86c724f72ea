package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusops/allocation-api/internal/models"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
)

type instructorRepository interface {
	List(ctx context.Context, filter models.InstructorFilter) ([]models.Instructor, int, error)
	FindByID(ctx context.Context, id string) (*models.Instructor, error)
	Create(ctx context.Context, instructor *models.Instructor) error
	Update(ctx context.Context, instructor *models.Instructor) error
	Deactivate(ctx context.Context, id string) error
}

// InstructorService manages the instructor registry.
type InstructorService struct {
	repo      instructorRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewInstructorService constructs the service.
func NewInstructorService(repo instructorRepository, validate *validator.Validate, logger *zap.Logger) *InstructorService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstructorService{repo: repo, validator: validate, logger: logger}
}

// InstructorRequest is the payload for creating or updating an instructor.
type InstructorRequest struct {
	FullName string `json:"full_name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Active   *bool  `json:"active"`
}

// List returns instructors matching the filter.
func (s *InstructorService) List(ctx context.Context, filter models.InstructorFilter) ([]models.Instructor, int, error) {
	return s.repo.List(ctx, filter)
}

// Get loads an instructor by id.
func (s *InstructorService) Get(ctx context.Context, id string) (*models.Instructor, error) {
	instructor, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "instructor not found")
		}
		return nil, fmt.Errorf("load instructor: %w", err)
	}
	return instructor, nil
}

// Create registers a new instructor, active by default.
func (s *InstructorService) Create(ctx context.Context, req InstructorRequest) (*models.Instructor, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	instructor := &models.Instructor{
		FullName: req.FullName,
		Email:    req.Email,
		Active:   true,
	}
	if req.Active != nil {
		instructor.Active = *req.Active
	}
	if err := s.repo.Create(ctx, instructor); err != nil {
		return nil, err
	}
	s.logger.Info("instructor created", zap.String("instructor_id", instructor.ID))
	return instructor, nil
}

// Update edits an instructor record.
func (s *InstructorService) Update(ctx context.Context, id string, req InstructorRequest) (*models.Instructor, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	instructor, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	instructor.FullName = req.FullName
	instructor.Email = req.Email
	if req.Active != nil {
		instructor.Active = *req.Active
	}
	if err := s.repo.Update(ctx, instructor); err != nil {
		return nil, err
	}
	return instructor, nil
}

// Deactivate marks an instructor inactive. Existing group assignments keep
// their reference; new assignments are refused by the group service.
func (s *InstructorService) Deactivate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.Deactivate(ctx, id)
}
