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
	"github.com/campusops/allocation-api/internal/repository"
	"github.com/campusops/allocation-api/pkg/config"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
)

// enrollmentRepository is the persistence surface the service needs.
type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ExistsNonCancelled(ctx context.Context, studentID, groupID, excludeID string) (bool, error)
	ListByGroup(ctx context.Context, groupID string, state models.EnrollmentState) ([]models.Enrollment, error)
	CreateEnrolled(ctx context.Context, enrollment *models.Enrollment) error
	Transition(ctx context.Context, id string, from, to models.EnrollmentState, finalGrade *float64, capacityDelta int, groupID string) error
}

// enrollmentGroupReader resolves target groups.
type enrollmentGroupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
}

// enrollmentStudentReader resolves enrolling students.
type enrollmentStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

// EnrollmentService coordinates seat allocation: it validates preconditions,
// drives the state machine and maps storage outcomes to API errors. The
// atomicity of seat-plus-state changes lives in the repository; the service
// decides which changes are allowed at all.
type EnrollmentService struct {
	repo         enrollmentRepository
	groups       enrollmentGroupReader
	students     enrollmentStudentReader
	metrics      *MetricsService
	passingGrade float64
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewEnrollmentService constructs the service.
func NewEnrollmentService(repo enrollmentRepository, groups enrollmentGroupReader, students enrollmentStudentReader, metrics *MetricsService, cfg config.AllocationConfig, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	passing := cfg.PassingGrade
	if passing <= 0 {
		passing = 3.0
	}
	return &EnrollmentService{
		repo:         repo,
		groups:       groups,
		students:     students,
		metrics:      metrics,
		passingGrade: passing,
		validator:    validate,
		logger:       logger,
	}
}

// EnrollStudentRequest is the payload for claiming a seat.
type EnrollStudentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	GroupID   string `json:"group_id" validate:"required"`
}

// TransitionEnrollmentRequest moves an enrollment to a target state. When the
// target is omitted but a final grade is present, the grade against the
// passing threshold decides between APPROVED and FAILED.
type TransitionEnrollmentRequest struct {
	TargetState string   `json:"target_state"`
	FinalGrade  *float64 `json:"final_grade" validate:"omitempty,gte=0,lte=5"`
}

// List returns enrollments matching the filter.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	return s.repo.List(ctx, filter)
}

// Get loads a single enrollment with context.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	return detail, nil
}

// Roster lists a group's enrollments, optionally filtered to one state.
func (s *EnrollmentService) Roster(ctx context.Context, groupID string, state models.EnrollmentState) ([]models.Enrollment, error) {
	if state != "" && !models.ValidEnrollmentState(state) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown enrollment state %q", state))
	}
	if _, err := s.loadGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.repo.ListByGroup(ctx, groupID, state)
}

// Enroll claims a seat for a student. The pre-checks give friendly errors;
// the seat claim and the uniqueness index inside the repository are the
// guarantees that hold under concurrency.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollStudentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, fmt.Errorf("load student: %w", err)
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student is inactive")
	}

	group, err := s.loadGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if !group.AcceptsEnrollment() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("group does not accept enrollments in status %s", group.Status))
	}
	if group.InstructorID == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "group has no assigned instructor")
	}

	exists, err := s.repo.ExistsNonCancelled(ctx, req.StudentID, req.GroupID, "")
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "student already has an active enrollment in this group")
	}

	enrollment := &models.Enrollment{StudentID: req.StudentID, GroupID: req.GroupID}
	if err := s.repo.CreateEnrolled(ctx, enrollment); err != nil {
		switch {
		case errors.Is(err, repository.ErrCapacityFull):
			if s.metrics != nil {
				s.metrics.RecordCapacityDenied()
			}
			return nil, appErrors.Clone(appErrors.ErrCapacityExceeded, "")
		case errors.Is(err, repository.ErrDuplicateEnrollment):
			return nil, appErrors.Clone(appErrors.ErrConflict, "student already has an active enrollment in this group")
		default:
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.RecordEnrollmentTransition(string(models.EnrollmentStateEnrolled))
	}
	s.logger.Info("student enrolled",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_id", req.StudentID),
		zap.String("group_id", req.GroupID))
	return enrollment, nil
}

// Transition applies one step of the state machine to an enrollment.
func (s *EnrollmentService) Transition(ctx context.Context, id string, req TransitionEnrollmentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, fmt.Errorf("load enrollment: %w", err)
	}

	target, err := s.resolveTarget(req)
	if err != nil {
		return nil, err
	}

	effect, ok := transitionEffect(enrollment.State, target)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move enrollment from %s to %s", enrollment.State, target))
	}

	grade, err := s.resolveGrade(enrollment, target, req.FinalGrade)
	if err != nil {
		return nil, err
	}

	if effect == capacityClaim {
		// Re-enrollment claims a fresh seat, so the group must accept it
		// again and the student must not hold another active enrollment.
		group, err := s.loadGroup(ctx, enrollment.GroupID)
		if err != nil {
			return nil, err
		}
		if !group.AcceptsEnrollment() {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("group does not accept enrollments in status %s", group.Status))
		}
		exists, err := s.repo.ExistsNonCancelled(ctx, enrollment.StudentID, enrollment.GroupID, enrollment.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, appErrors.Clone(appErrors.ErrConflict, "student already has an active enrollment in this group")
		}
	}

	if err := s.repo.Transition(ctx, enrollment.ID, enrollment.State, target, grade, int(effect), enrollment.GroupID); err != nil {
		switch {
		case errors.Is(err, repository.ErrStaleState):
			return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment was modified concurrently")
		case errors.Is(err, repository.ErrDuplicateEnrollment):
			return nil, appErrors.Clone(appErrors.ErrConflict, "student already has an active enrollment in this group")
		case errors.Is(err, repository.ErrCapacityFull):
			if s.metrics != nil {
				s.metrics.RecordCapacityDenied()
			}
			return nil, appErrors.Clone(appErrors.ErrCapacityExceeded, "")
		default:
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.RecordEnrollmentTransition(string(target))
	}
	s.logger.Info("enrollment transitioned",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("from", string(enrollment.State)),
		zap.String("to", string(target)))

	updated, err := s.repo.FindByID(ctx, enrollment.ID)
	if err != nil {
		return nil, fmt.Errorf("reload enrollment: %w", err)
	}
	return updated, nil
}

// resolveTarget decides the target state. When the request names none, the
// final grade against the passing threshold picks APPROVED or FAILED.
func (s *EnrollmentService) resolveTarget(req TransitionEnrollmentRequest) (models.EnrollmentState, error) {
	raw := strings.ToUpper(strings.TrimSpace(req.TargetState))
	if raw == "" {
		if req.FinalGrade == nil {
			return "", appErrors.Clone(appErrors.ErrValidation, "target_state or final_grade is required")
		}
		if *req.FinalGrade >= s.passingGrade {
			return models.EnrollmentStateApproved, nil
		}
		return models.EnrollmentStateFailed, nil
	}

	target := models.EnrollmentState(raw)
	if !models.ValidEnrollmentState(target) {
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown enrollment state %q", raw))
	}
	return target, nil
}

// resolveGrade returns the grade to persist. Grade-driven targets must carry
// one and agree with the passing threshold.
func (s *EnrollmentService) resolveGrade(enrollment *models.Enrollment, target models.EnrollmentState, requested *float64) (*float64, error) {
	if !requiresFinalGrade(target) {
		return nil, nil
	}
	grade := requested
	if grade == nil {
		grade = enrollment.FinalGrade
	}
	if grade == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("final grade is required to mark an enrollment %s", target))
	}
	passed := *grade >= s.passingGrade
	if target == models.EnrollmentStateApproved && !passed {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("grade %.2f is below the passing threshold %.2f", *grade, s.passingGrade))
	}
	if target == models.EnrollmentStateFailed && passed {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("grade %.2f meets the passing threshold %.2f", *grade, s.passingGrade))
	}
	return grade, nil
}

func (s *EnrollmentService) loadGroup(ctx context.Context, id string) (*models.Group, error) {
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, fmt.Errorf("load group: %w", err)
	}
	return group, nil
}
