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

// TimeBlockHandler exposes weekly time block endpoints.
type TimeBlockHandler struct {
	timeblocks *service.TimeBlockService
}

// NewTimeBlockHandler constructs TimeBlockHandler.
func NewTimeBlockHandler(timeblocks *service.TimeBlockService) *TimeBlockHandler {
	return &TimeBlockHandler{timeblocks: timeblocks}
}

// List godoc
// @Summary List time blocks
// @Tags TimeBlocks
// @Produce json
// @Param groupId query string false "Filter by group"
// @Param term query string false "Filter by term"
// @Param day query string false "Filter by day of week"
// @Param room query string false "Filter by room"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /timeblocks [get]
func (h *TimeBlockHandler) List(c *gin.Context) {
	var filter models.TimeBlockFilter
	filter.GroupID = c.Query("groupId")
	filter.Term = c.Query("term")
	filter.Day = strings.ToUpper(c.Query("day"))
	filter.Room = c.Query("room")
	filter.Page, filter.PageSize, filter.SortBy, filter.SortOrder = parsePaging(c)

	blocks, total, err := h.timeblocks.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, blocks, paginationFor(filter.Page, filter.PageSize, total))
}

// Get godoc
// @Summary Get time block by ID
// @Tags TimeBlocks
// @Produce json
// @Param id path string true "Time block ID"
// @Success 200 {object} response.Envelope
// @Router /timeblocks/{id} [get]
func (h *TimeBlockHandler) Get(c *gin.Context) {
	block, err := h.timeblocks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, block, nil)
}

// Create godoc
// @Summary Create time block
// @Tags TimeBlocks
// @Accept json
// @Produce json
// @Param payload body service.CreateTimeBlockRequest true "Time block payload"
// @Success 201 {object} response.Envelope
// @Router /timeblocks [post]
func (h *TimeBlockHandler) Create(c *gin.Context) {
	var req service.CreateTimeBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	block, err := h.timeblocks.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, block)
}

// Update godoc
// @Summary Update time block
// @Tags TimeBlocks
// @Accept json
// @Produce json
// @Param id path string true "Time block ID"
// @Param payload body service.UpdateTimeBlockRequest true "Time block payload"
// @Success 200 {object} response.Envelope
// @Router /timeblocks/{id} [put]
func (h *TimeBlockHandler) Update(c *gin.Context) {
	var req service.UpdateTimeBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	block, err := h.timeblocks.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, block, nil)
}

// Delete godoc
// @Summary Delete time block
// @Tags TimeBlocks
// @Produce json
// @Param id path string true "Time block ID"
// @Success 204 "No Content"
// @Router /timeblocks/{id} [delete]
func (h *TimeBlockHandler) Delete(c *gin.Context) {
	if err := h.timeblocks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Check godoc
// @Summary Dry-run conflict probe for a proposed slot
// @Tags TimeBlocks
// @Accept json
// @Produce json
// @Param payload body service.CheckTimeBlockRequest true "Proposed slot"
// @Success 200 {object} response.Envelope
// @Router /timeblocks/check [post]
func (h *TimeBlockHandler) Check(c *gin.Context) {
	var req service.CheckTimeBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.timeblocks.CheckConflicts(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
