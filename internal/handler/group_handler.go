package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campusops/allocation-api/internal/models"
	"github.com/campusops/allocation-api/internal/service"
	appErrors "github.com/campusops/allocation-api/pkg/errors"
	"github.com/campusops/allocation-api/pkg/response"
)

// GroupHandler exposes group endpoints, including the timetable view.
type GroupHandler struct {
	groups      *service.GroupService
	timeblocks  *service.TimeBlockService
	enrollments *service.EnrollmentService
}

// NewGroupHandler constructs GroupHandler.
func NewGroupHandler(groups *service.GroupService, timeblocks *service.TimeBlockService, enrollments *service.EnrollmentService) *GroupHandler {
	return &GroupHandler{groups: groups, timeblocks: timeblocks, enrollments: enrollments}
}

// List godoc
// @Summary List groups
// @Tags Groups
// @Produce json
// @Param courseId query string false "Filter by course"
// @Param instructorId query string false "Filter by instructor"
// @Param term query string false "Filter by term"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /groups [get]
func (h *GroupHandler) List(c *gin.Context) {
	var filter models.GroupFilter
	filter.CourseID = c.Query("courseId")
	filter.InstructorID = c.Query("instructorId")
	filter.Term = c.Query("term")
	filter.Status = models.GroupStatus(strings.ToUpper(c.Query("status")))
	filter.Page, filter.PageSize, filter.SortBy, filter.SortOrder = parsePaging(c)

	groups, total, err := h.groups.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, groups, paginationFor(filter.Page, filter.PageSize, total))
}

// Get godoc
// @Summary Get group by ID
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Router /groups/{id} [get]
func (h *GroupHandler) Get(c *gin.Context) {
	group, err := h.groups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, group, nil)
}

// Create godoc
// @Summary Create group
// @Tags Groups
// @Accept json
// @Produce json
// @Param payload body service.CreateGroupRequest true "Group payload"
// @Success 201 {object} response.Envelope
// @Router /groups [post]
func (h *GroupHandler) Create(c *gin.Context) {
	var req service.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	group, err := h.groups.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, group)
}

// Update godoc
// @Summary Update group
// @Tags Groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param payload body service.UpdateGroupRequest true "Group payload"
// @Success 200 {object} response.Envelope
// @Router /groups/{id} [put]
func (h *GroupHandler) Update(c *gin.Context) {
	var req service.UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	group, err := h.groups.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, group, nil)
}

// UpdateStatus godoc
// @Summary Update group status
// @Tags Groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param payload body handler.GroupStatusRequest true "Status payload"
// @Success 204 "No Content"
// @Router /groups/{id}/status [put]
func (h *GroupHandler) UpdateStatus(c *gin.Context) {
	var req GroupStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	status := models.GroupStatus(strings.ToUpper(req.Status))
	if err := h.groups.UpdateStatus(c.Request.Context(), c.Param("id"), status); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// GroupStatusRequest carries a status change.
type GroupStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// Delete godoc
// @Summary Delete group
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Param force query bool false "Delete even with active enrollments"
// @Success 204 "No Content"
// @Router /groups/{id} [delete]
func (h *GroupHandler) Delete(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := h.groups.Delete(c.Request.Context(), c.Param("id"), force); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Timetable godoc
// @Summary Weekly timetable for a group
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Router /groups/{id}/timetable [get]
func (h *GroupHandler) Timetable(c *gin.Context) {
	entries, err := h.timeblocks.Timetable(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// ExportTimetable godoc
// @Summary Export a group's timetable
// @Tags Groups
// @Produce application/pdf
// @Param id path string true "Group ID"
// @Param format query string false "pdf or csv" default(pdf)
// @Success 200 {file} binary
// @Router /groups/{id}/timetable/export [get]
func (h *GroupHandler) ExportTimetable(c *gin.Context) {
	format := c.DefaultQuery("format", "pdf")
	data, filename, err := h.timeblocks.ExportTimetable(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	contentType := "application/pdf"
	if strings.HasSuffix(filename, ".csv") {
		contentType = "text/csv"
	}
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, contentType, data)
}

// Roster godoc
// @Summary List a group's enrollments
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Param state query string false "Filter by state"
// @Success 200 {object} response.Envelope
// @Router /groups/{id}/enrollments [get]
func (h *GroupHandler) Roster(c *gin.Context) {
	state := models.EnrollmentState(strings.ToUpper(c.Query("state")))
	enrollments, err := h.enrollments.Roster(c.Request.Context(), c.Param("id"), state)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, nil)
}
