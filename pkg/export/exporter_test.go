package export

import (
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() []TimetableRow {
	return []TimetableRow{
		{Day: "MONDAY", Start: "08:00", End: "10:00", Room: "R-101", Label: "Algorithms"},
		{Day: "WEDNESDAY", Start: "10:00", End: "12:00", Label: "Algorithms"},
	}
}

func TestCSVExporterRenderTimetable(t *testing.T) {
	data, err := NewCSVExporter().RenderTimetable(sampleRows())
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"Day", "Start", "End", "Room", "Course"}, records[0])
	assert.Equal(t, []string{"MONDAY", "08:00", "10:00", "R-101", "Algorithms"}, records[1])
	assert.Equal(t, "", records[2][3])
}

func TestPDFExporterRenderTimetable(t *testing.T) {
	data, err := NewPDFExporter().RenderTimetable("Algorithms - 2025-1", sampleRows())
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
}
