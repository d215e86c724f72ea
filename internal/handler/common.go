package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campusops/allocation-api/internal/models"
)

// parsePaging reads the shared page/limit/sort query params.
func parsePaging(c *gin.Context) (page, size int, sortBy, sortOrder string) {
	page = 1
	size = 20
	if v, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		page = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		size = v
	}
	return page, size, c.Query("sort"), c.Query("order")
}

// paginationFor mirrors the repository's clamping so the metadata matches
// the rows actually returned.
func paginationFor(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}
