package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusops/allocation-api/internal/models"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
)

// mockScheduleRepo keeps blocks in memory and applies the same half-open
// overlap predicate the SQL queries use.
type mockScheduleRepo struct {
	blocks      map[string]models.TimeBlock
	terms       map[string]string
	instructors map[string]*string
	courseNames map[string]string
	seq         int
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{
		blocks:      make(map[string]models.TimeBlock),
		terms:       make(map[string]string),
		instructors: make(map[string]*string),
		courseNames: make(map[string]string),
	}
}

func (m *mockScheduleRepo) List(ctx context.Context, filter models.TimeBlockFilter) ([]models.TimeBlock, int, error) {
	var list []models.TimeBlock
	for _, b := range m.blocks {
		list = append(list, b)
	}
	return list, len(list), nil
}

func (m *mockScheduleRepo) FindByID(ctx context.Context, id string) (*models.TimeBlock, error) {
	if b, ok := m.blocks[id]; ok {
		return &b, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockScheduleRepo) ListByGroup(ctx context.Context, groupID string) ([]models.TimeBlock, error) {
	var list []models.TimeBlock
	for _, b := range m.blocks {
		if b.GroupID == groupID {
			list = append(list, b)
		}
	}
	return list, nil
}

func (m *mockScheduleRepo) ListDetailByGroup(ctx context.Context, groupID string) ([]models.TimeBlockDetail, error) {
	var list []models.TimeBlockDetail
	for _, b := range m.blocks {
		if b.GroupID == groupID {
			list = append(list, models.TimeBlockDetail{
				TimeBlock:  b,
				Term:       m.terms[b.ID],
				CourseName: m.courseNames[b.GroupID],
			})
		}
	}
	return list, nil
}

func (m *mockScheduleRepo) FindRoomConflicts(ctx context.Context, room, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error) {
	var conflicts []models.TimeBlock
	for _, b := range m.blocks {
		if b.ID == excludeID || b.Room != room || b.Day != day || m.terms[b.ID] != term {
			continue
		}
		if b.StartMin < end && start < b.EndMin {
			conflicts = append(conflicts, b)
		}
	}
	return conflicts, nil
}

func (m *mockScheduleRepo) FindInstructorConflicts(ctx context.Context, instructorID, term, day string, start, end models.ClockMinutes, excludeID string) ([]models.TimeBlock, error) {
	var conflicts []models.TimeBlock
	for _, b := range m.blocks {
		owner := m.instructors[b.ID]
		if b.ID == excludeID || owner == nil || *owner != instructorID || b.Day != day || m.terms[b.ID] != term {
			continue
		}
		if b.StartMin < end && start < b.EndMin {
			conflicts = append(conflicts, b)
		}
	}
	return conflicts, nil
}

func (m *mockScheduleRepo) write(ctx context.Context, block *models.TimeBlock, term string, instructorID *string, excludeID string) error {
	if block.Room != "" {
		conflicts, _ := m.FindRoomConflicts(ctx, block.Room, term, block.Day, block.StartMin, block.EndMin, excludeID)
		if len(conflicts) > 0 {
			return &models.TimeBlockConflictError{Scope: models.ConflictScopeRoom, Message: "room already booked for this slot", Blocks: conflicts}
		}
	}
	if instructorID != nil {
		conflicts, _ := m.FindInstructorConflicts(ctx, *instructorID, term, block.Day, block.StartMin, block.EndMin, excludeID)
		if len(conflicts) > 0 {
			return &models.TimeBlockConflictError{Scope: models.ConflictScopeInstructor, Message: "instructor already scheduled for this slot", Blocks: conflicts}
		}
	}
	if block.ID == "" {
		m.seq++
		block.ID = fmt.Sprintf("blk-%d", m.seq)
	}
	m.blocks[block.ID] = *block
	m.terms[block.ID] = term
	m.instructors[block.ID] = instructorID
	return nil
}

func (m *mockScheduleRepo) CreateChecked(ctx context.Context, block *models.TimeBlock, term string, instructorID *string) error {
	return m.write(ctx, block, term, instructorID, "")
}

func (m *mockScheduleRepo) UpdateChecked(ctx context.Context, block *models.TimeBlock, term string, instructorID *string) error {
	return m.write(ctx, block, term, instructorID, block.ID)
}

func (m *mockScheduleRepo) Delete(ctx context.Context, id string) error {
	delete(m.blocks, id)
	return nil
}

type mockScheduleGroups struct {
	groups map[string]*models.Group
	names  map[string]string
}

func (m *mockScheduleGroups) FindByID(ctx context.Context, id string) (*models.Group, error) {
	if g, ok := m.groups[id]; ok {
		copied := *g
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockScheduleGroups) FindDetailByID(ctx context.Context, id string) (*models.GroupDetail, error) {
	g, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.GroupDetail{Group: *g, CourseName: m.names[id]}, nil
}

func newScheduleFixture() (*mockScheduleRepo, *mockScheduleGroups, *TimeBlockService) {
	repo := newMockScheduleRepo()
	prof := "prof-1"
	groups := &mockScheduleGroups{
		groups: map[string]*models.Group{
			"grp-1": {ID: "grp-1", CourseID: "crs-1", InstructorID: &prof, Term: "2025-1", CapacityMax: 30, Status: models.GroupStatusOpen},
			"grp-2": {ID: "grp-2", CourseID: "crs-2", InstructorID: &prof, Term: "2025-1", CapacityMax: 30, Status: models.GroupStatusOpen},
			"grp-3": {ID: "grp-3", CourseID: "crs-3", Term: "2024-2", CapacityMax: 30, Status: models.GroupStatusOpen},
		},
		names: map[string]string{"grp-1": "Algorithms", "grp-2": "Databases", "grp-3": "Calculus"},
	}
	repo.courseNames = groups.names
	svc := NewTimeBlockService(repo, groups, defaultGeometry(), nil, nil, nil, nil)
	return repo, groups, svc
}

func TestTimeBlockCreateAndRoomConflict(t *testing.T) {
	_, _, svc := newScheduleFixture()
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-1", Day: "MONDAY", Start: clock(t, "08:00"), End: clock(t, "10:00"), Room: "R-101",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	// Overlapping slot in the same room loses regardless of which side of
	// the overlap it sits on.
	_, err = svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-3", Day: "MONDAY", Start: clock(t, "09:00"), End: clock(t, "11:00"), Room: "R-101",
	})
	require.NoError(t, err, "different term must not conflict")

	_, err = svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-2", Day: "MONDAY", Start: clock(t, "09:00"), End: clock(t, "11:00"), Room: "R-101",
	})
	requireAppError(t, err, appErrors.ErrRoomConflict.Code)

	_, err = svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-2", Day: "MONDAY", Start: clock(t, "07:00"), End: clock(t, "08:30"), Room: "R-101",
	})
	requireAppError(t, err, appErrors.ErrRoomConflict.Code)
}

func TestTimeBlockConflictNamesCollidingBlocks(t *testing.T) {
	_, _, svc := newScheduleFixture()
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-1", Day: "MONDAY", Start: clock(t, "08:00"), End: clock(t, "10:00"), Room: "R-101",
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-2", Day: "MONDAY", Start: clock(t, "09:00"), End: clock(t, "11:00"), Room: "R-101",
	})
	requireAppError(t, err, appErrors.ErrRoomConflict.Code)

	// The rejection identifies exactly which committed block is in the way.
	var conflict *models.TimeBlockConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, models.ConflictScopeRoom, conflict.Scope)
	require.Len(t, conflict.Blocks, 1)
	assert.Equal(t, first.ID, conflict.Blocks[0].ID)

	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	blocks, ok := appErr.Details.([]models.TimeBlock)
	require.True(t, ok, "details must carry the colliding blocks")
	require.Len(t, blocks, 1)
	assert.Equal(t, first.ID, blocks[0].ID)
}

func TestTimeBlockTouchingIntervalsDoNotConflict(t *testing.T) {
	_, groups, svc := newScheduleFixture()
	ctx := context.Background()

	// Separate instructors so only the room scope is in play.
	other := "prof-2"
	groups.groups["grp-2"].InstructorID = &other

	_, err := svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-1", Day: "MONDAY", Start: clock(t, "08:00"), End: clock(t, "10:00"), Room: "R-101",
	})
	require.NoError(t, err)

	// [08:00,10:00) and [10:00,12:00) share only the boundary instant.
	_, err = svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-2", Day: "MONDAY", Start: clock(t, "10:00"), End: clock(t, "12:00"), Room: "R-101",
	})
	assert.NoError(t, err)
}

func TestTimeBlockInstructorConflictAcrossRooms(t *testing.T) {
	_, _, svc := newScheduleFixture()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-1", Day: "TUESDAY", Start: clock(t, "08:00"), End: clock(t, "10:00"), Room: "R-101",
	})
	require.NoError(t, err)

	// grp-1 and grp-2 share prof-1; a different room does not help.
	_, err = svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-2", Day: "TUESDAY", Start: clock(t, "09:00"), End: clock(t, "11:00"), Room: "R-202",
	})
	requireAppError(t, err, appErrors.ErrInstructorConflict.Code)
}

func TestTimeBlockUpdateIsIdempotentAgainstItself(t *testing.T) {
	_, _, svc := newScheduleFixture()
	ctx := context.Background()

	block, err := svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-1", Day: "MONDAY", Start: clock(t, "08:00"), End: clock(t, "10:00"), Room: "R-101",
	})
	require.NoError(t, err)

	// Re-validating the unchanged slot must not collide with itself.
	updated, err := svc.Update(ctx, block.ID, UpdateTimeBlockRequest{
		Day: "MONDAY", Start: clock(t, "08:00"), End: clock(t, "10:00"), Room: "R-101",
	})
	require.NoError(t, err)
	assert.Equal(t, block.ID, updated.ID)

	// Moving within the same room still works.
	updated, err = svc.Update(ctx, block.ID, UpdateTimeBlockRequest{
		Day: "MONDAY", Start: clock(t, "09:00"), End: clock(t, "11:00"), Room: "R-101",
	})
	require.NoError(t, err)
	assert.Equal(t, clock(t, "09:00"), updated.StartMin)
}

func TestTimeBlockGeometryRejectedBeforePersistence(t *testing.T) {
	repo, _, svc := newScheduleFixture()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-1", Day: "MONDAY", Start: clock(t, "10:00"), End: clock(t, "09:00"), Room: "R-101",
	})
	requireAppError(t, err, appErrors.ErrInvalidSchedule.Code)
	assert.Empty(t, repo.blocks)
}

func TestTimeBlockCheckConflictsIsDryRun(t *testing.T) {
	repo, _, svc := newScheduleFixture()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateTimeBlockRequest{
		GroupID: "grp-1", Day: "MONDAY", Start: clock(t, "08:00"), End: clock(t, "10:00"), Room: "R-101",
	})
	require.NoError(t, err)
	require.Len(t, repo.blocks, 1)

	result, err := svc.CheckConflicts(ctx, CheckTimeBlockRequest{
		GroupID: "grp-2", Day: "MONDAY", Start: clock(t, "09:00"), End: clock(t, "11:00"), Room: "R-101",
	})
	require.NoError(t, err)
	assert.False(t, result.Clear)
	assert.Len(t, result.RoomConflicts, 1)
	assert.Len(t, result.InstructorConflicts, 1)
	assert.Len(t, repo.blocks, 1, "probe must not persist anything")

	clear, err := svc.CheckConflicts(ctx, CheckTimeBlockRequest{
		GroupID: "grp-2", Day: "FRIDAY", Start: clock(t, "09:00"), End: clock(t, "11:00"), Room: "R-101",
	})
	require.NoError(t, err)
	assert.True(t, clear.Clear)
}

func TestTimetableOrderedByDayThenStart(t *testing.T) {
	_, _, svc := newScheduleFixture()
	ctx := context.Background()

	slots := []struct {
		day        string
		start, end string
	}{
		{"WEDNESDAY", "08:00", "10:00"},
		{"MONDAY", "14:00", "16:00"},
		{"MONDAY", "08:00", "10:00"},
	}
	for _, s := range slots {
		_, err := svc.Create(ctx, CreateTimeBlockRequest{
			GroupID: "grp-1", Day: s.day, Start: clock(t, s.start), End: clock(t, s.end),
		})
		require.NoError(t, err)
	}

	entries, err := svc.Timetable(ctx, "grp-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.DayMonday, entries[0].Day)
	assert.Equal(t, clock(t, "08:00"), entries[0].Start)
	assert.Equal(t, models.DayMonday, entries[1].Day)
	assert.Equal(t, clock(t, "14:00"), entries[1].Start)
	assert.Equal(t, models.DayWednesday, entries[2].Day)
	assert.Equal(t, "Algorithms", entries[2].CourseName)
}
