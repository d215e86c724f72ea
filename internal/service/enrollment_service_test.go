package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusops/allocation-api/internal/models"
	"github.com/campusops/allocation-api/internal/repository"
	"github.com/campusops/allocation-api/pkg/config"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
)

// allocStore backs the enrollment mocks with the same guarantees the real
// repository provides: seat claims and state flips are serialized, and a
// claim on a full group fails.
type allocStore struct {
	mu          sync.Mutex
	groups      map[string]*models.Group
	students    map[string]*models.Student
	enrollments map[string]models.Enrollment
	seq         int
}

func newAllocStore() *allocStore {
	return &allocStore{
		groups:      make(map[string]*models.Group),
		students:    make(map[string]*models.Student),
		enrollments: make(map[string]models.Enrollment),
	}
}

func (s *allocStore) addGroup(id string, capacityMax int, status models.GroupStatus) {
	instructor := "prof-1"
	s.groups[id] = &models.Group{ID: id, CourseID: "course-1", InstructorID: &instructor, Term: "2025-1", CapacityMax: capacityMax, Status: status}
}

func (s *allocStore) addStudent(id string, active bool) {
	s.students[id] = &models.Student{ID: id, Code: id, FullName: id, Active: active}
}

type mockEnrollmentRepo struct{ store *allocStore }

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	return nil, 0, nil
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if e, ok := m.store.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if e, ok := m.store.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) ExistsNonCancelled(ctx context.Context, studentID, groupID, excludeID string) (bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	for _, e := range m.store.enrollments {
		if e.StudentID == studentID && e.GroupID == groupID && e.State != models.EnrollmentStateCancelled && e.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEnrollmentRepo) ListByGroup(ctx context.Context, groupID string, state models.EnrollmentState) ([]models.Enrollment, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var list []models.Enrollment
	for _, e := range m.store.enrollments {
		if e.GroupID == groupID && (state == "" || e.State == state) {
			list = append(list, e)
		}
	}
	return list, nil
}

func (m *mockEnrollmentRepo) CreateEnrolled(ctx context.Context, enrollment *models.Enrollment) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	group := m.store.groups[enrollment.GroupID]
	if group.CapacityCurrent >= group.CapacityMax {
		return repository.ErrCapacityFull
	}
	for _, e := range m.store.enrollments {
		if e.StudentID == enrollment.StudentID && e.GroupID == enrollment.GroupID && e.State != models.EnrollmentStateCancelled {
			return repository.ErrDuplicateEnrollment
		}
	}
	group.CapacityCurrent++
	m.store.seq++
	enrollment.ID = fmt.Sprintf("enr-%d", m.store.seq)
	enrollment.State = models.EnrollmentStateEnrolled
	m.store.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (m *mockEnrollmentRepo) Transition(ctx context.Context, id string, from, to models.EnrollmentState, finalGrade *float64, capacityDelta int, groupID string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	e, ok := m.store.enrollments[id]
	if !ok || e.State != from {
		return repository.ErrStaleState
	}
	group := m.store.groups[groupID]
	if capacityDelta > 0 {
		if group.CapacityCurrent >= group.CapacityMax {
			return repository.ErrCapacityFull
		}
		group.CapacityCurrent++
	}
	if capacityDelta < 0 && group.CapacityCurrent > 0 {
		group.CapacityCurrent--
	}
	e.State = to
	if finalGrade != nil {
		e.FinalGrade = finalGrade
	}
	m.store.enrollments[id] = e
	return nil
}

type mockGroupReader struct{ store *allocStore }

func (m *mockGroupReader) FindByID(ctx context.Context, id string) (*models.Group, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if g, ok := m.store.groups[id]; ok {
		copied := *g
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

type mockStudentReader struct{ store *allocStore }

func (m *mockStudentReader) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := m.store.students[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func newEnrollmentService(store *allocStore) *EnrollmentService {
	return NewEnrollmentService(
		&mockEnrollmentRepo{store: store},
		&mockGroupReader{store: store},
		&mockStudentReader{store: store},
		nil,
		config.AllocationConfig{PassingGrade: 3.0},
		nil,
		nil,
	)
}

func requireAppError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr), "expected typed error, got %v", err)
	assert.Equal(t, code, appErr.Code)
}

func TestEnrollClaimsSeat(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 2, models.GroupStatusOpen)
	store.addStudent("stu-a", true)
	svc := newEnrollmentService(store)

	enrollment, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateEnrolled, enrollment.State)
	assert.Equal(t, 1, store.groups["grp-1"].CapacityCurrent)
}

func TestEnrollPreconditions(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-open", 2, models.GroupStatusOpen)
	store.addGroup("grp-done", 2, models.GroupStatusFinished)
	store.addStudent("stu-a", true)
	store.addStudent("stu-idle", false)
	svc := newEnrollmentService(store)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "ghost", GroupID: "grp-open"})
	requireAppError(t, err, appErrors.ErrNotFound.Code)

	_, err = svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "ghost"})
	requireAppError(t, err, appErrors.ErrNotFound.Code)

	_, err = svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-idle", GroupID: "grp-open"})
	requireAppError(t, err, appErrors.ErrPreconditionFailed.Code)

	_, err = svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-done"})
	requireAppError(t, err, appErrors.ErrPreconditionFailed.Code)
}

func TestEnrollRequiresAssignedInstructor(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 2, models.GroupStatusOpen)
	store.groups["grp-1"].InstructorID = nil
	store.addStudent("stu-a", true)
	svc := newEnrollmentService(store)

	_, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	requireAppError(t, err, appErrors.ErrPreconditionFailed.Code)
	assert.Equal(t, 0, store.groups["grp-1"].CapacityCurrent, "rejected enrollment must not claim a seat")
}

func TestEnrollRejectsDuplicate(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 5, models.GroupStatusOpen)
	store.addStudent("stu-a", true)
	svc := newEnrollmentService(store)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	requireAppError(t, err, appErrors.ErrConflict.Code)
}

func TestCapacityLifecycle(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 2, models.GroupStatusOpen)
	store.addStudent("stu-a", true)
	store.addStudent("stu-b", true)
	store.addStudent("stu-c", true)
	svc := newEnrollmentService(store)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	require.NoError(t, err)
	enrB, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-b", GroupID: "grp-1"})
	require.NoError(t, err)

	// Third student bounces off the full group.
	_, err = svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-c", GroupID: "grp-1"})
	requireAppError(t, err, appErrors.ErrCapacityExceeded.Code)

	// A withdrawal releases the seat.
	updated, err := svc.Transition(ctx, enrB.ID, TransitionEnrollmentRequest{TargetState: "WITHDRAWN"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateWithdrawn, updated.State)
	assert.Equal(t, 1, store.groups["grp-1"].CapacityCurrent)

	// The freed seat goes to the third student.
	_, err = svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-c", GroupID: "grp-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, store.groups["grp-1"].CapacityCurrent)

	// Re-enrolling the withdrawn student needs a seat that no longer exists.
	_, err = svc.Transition(ctx, enrB.ID, TransitionEnrollmentRequest{TargetState: "ENROLLED"})
	requireAppError(t, err, appErrors.ErrCapacityExceeded.Code)
}

func TestConcurrentEnrollExactlyOneWinner(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 1, models.GroupStatusOpen)
	store.addStudent("stu-a", true)
	store.addStudent("stu-b", true)
	svc := newEnrollmentService(store)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, student := range []string{"stu-a", "stu-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: id, GroupID: "grp-1"})
			results <- err
		}(student)
	}
	wg.Wait()
	close(results)

	var wins, full int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var appErr *appErrors.Error
		require.True(t, errors.As(err, &appErr))
		require.Equal(t, appErrors.ErrCapacityExceeded.Code, appErr.Code)
		full++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, store.groups["grp-1"].CapacityCurrent)
}

func TestTransitionRejectsUnlistedPairs(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 2, models.GroupStatusOpen)
	store.addStudent("stu-a", true)
	svc := newEnrollmentService(store)
	ctx := context.Background()

	grade := 4.0
	enr, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, enr.ID, TransitionEnrollmentRequest{TargetState: "APPROVED", FinalGrade: &grade})
	require.NoError(t, err)

	// Approved is terminal.
	for _, target := range []string{"ENROLLED", "WITHDRAWN", "FAILED", "CANCELLED"} {
		_, err := svc.Transition(ctx, enr.ID, TransitionEnrollmentRequest{TargetState: target, FinalGrade: &grade})
		requireAppError(t, err, appErrors.ErrInvalidTransition.Code)
	}

	// Graded enrollments keep their seat.
	assert.Equal(t, 1, store.groups["grp-1"].CapacityCurrent)
}

func TestTransitionGradeThreshold(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 5, models.GroupStatusOpen)
	store.addStudent("stu-a", true)
	store.addStudent("stu-b", true)
	svc := newEnrollmentService(store)
	ctx := context.Background()

	enrA, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	require.NoError(t, err)
	enrB, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-b", GroupID: "grp-1"})
	require.NoError(t, err)

	// With no explicit target, the grade decides.
	passing := 4.2
	updated, err := svc.Transition(ctx, enrA.ID, TransitionEnrollmentRequest{FinalGrade: &passing})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateApproved, updated.State)
	require.NotNil(t, updated.FinalGrade)
	assert.InDelta(t, passing, *updated.FinalGrade, 0.001)

	// An explicit target must agree with the threshold.
	failing := 2.1
	_, err = svc.Transition(ctx, enrB.ID, TransitionEnrollmentRequest{TargetState: "APPROVED", FinalGrade: &failing})
	requireAppError(t, err, appErrors.ErrPreconditionFailed.Code)

	_, err = svc.Transition(ctx, enrB.ID, TransitionEnrollmentRequest{TargetState: "FAILED"})
	requireAppError(t, err, appErrors.ErrPreconditionFailed.Code)

	updated, err = svc.Transition(ctx, enrB.ID, TransitionEnrollmentRequest{TargetState: "FAILED", FinalGrade: &failing})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateFailed, updated.State)
}

func TestReEnrollFromCancelled(t *testing.T) {
	store := newAllocStore()
	store.addGroup("grp-1", 2, models.GroupStatusOpen)
	store.addStudent("stu-a", true)
	svc := newEnrollmentService(store)
	ctx := context.Background()

	enr, err := svc.Enroll(ctx, EnrollStudentRequest{StudentID: "stu-a", GroupID: "grp-1"})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, enr.ID, TransitionEnrollmentRequest{TargetState: "CANCELLED"})
	require.NoError(t, err)
	assert.Equal(t, 0, store.groups["grp-1"].CapacityCurrent)

	updated, err := svc.Transition(ctx, enr.ID, TransitionEnrollmentRequest{TargetState: "ENROLLED"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateEnrolled, updated.State)
	assert.Equal(t, 1, store.groups["grp-1"].CapacityCurrent)
}
