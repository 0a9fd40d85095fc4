package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
	"github.com/tbourn/go-delivery-alerts/internal/http/middleware"
	"github.com/tbourn/go-delivery-alerts/internal/pipeline"
	"github.com/tbourn/go-delivery-alerts/internal/repo"
	"github.com/tbourn/go-delivery-alerts/internal/utils"
)

// Trigger starts runs on demand. *pipeline.Scheduler satisfies it.
type Trigger interface {
	// Trigger starts a background run bound to ctx and returns its id, or
	// pipeline.ErrBusy when a run is already active.
	Trigger(ctx context.Context) (string, error)
	Busy() bool
}

// Handlers serves the runs API.
type Handlers struct {
	db      *gorm.DB
	trigger Trigger
	// base outlives requests; triggered runs are bound to it so they keep
	// going after the 202 is written.
	base context.Context
}

// New returns Handlers reading run history from db and starting runs through
// trigger under base.
func New(db *gorm.DB, trigger Trigger, base context.Context) *Handlers {
	if base == nil {
		base = context.Background()
	}
	return &Handlers{db: db, trigger: trigger, base: base}
}

// Pagination describes the page returned by a list endpoint.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRunsResponse is a page of runs, newest first.
type ListRunsResponse struct {
	Runs       []domain.Run `json:"runs"`
	Running    bool         `json:"running"`
	Pagination Pagination   `json:"pagination"`
}

// TriggerRunResponse acknowledges an accepted run.
type TriggerRunResponse struct {
	ID string `json:"id"`
}

// ListRuns handles GET /runs?page=&page_size=. A weak ETag derived from the
// run count and latest update lets pollers revalidate with If-None-Match.
func (h *Handlers) ListRuns(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	if count, maxTS, err := repo.RunsStats(ctx, h.db); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"runs:%d:%d:%d:%d"`, count, ts, page, size)
		c.Header("ETag", etag)
		if c.GetHeader("If-None-Match") == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	total, err := repo.CountRuns(ctx, h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	runs, err := repo.ListRunsPage(ctx, h.db, (page-1)*size, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}

	pages := utils.TotalPages(total, size)
	ok(c, http.StatusOK, ListRunsResponse{
		Runs:    runs,
		Running: h.trigger != nil && h.trigger.Busy(),
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: pages,
			HasNext:    page < pages,
		},
	})
}

// GetRun handles GET /runs/:id.
func (h *Handlers) GetRun(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "run id must be a UUID")
		return
	}
	run, err := repo.GetRun(c.Request.Context(), h.db, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "run not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, run)
	}
}

// TriggerRun handles POST /runs. It answers 202 with the new run id, or 409
// while another run is active.
func (h *Handlers) TriggerRun(c *gin.Context) {
	if h.trigger == nil {
		fail(c, http.StatusInternalServerError, ErrCodeTriggerFailed, "runs cannot be triggered on this server")
		return
	}
	id, err := h.trigger.Trigger(h.base)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		fail(c, http.StatusConflict, ErrCodeRunInProgress, "a run is already in progress")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeTriggerFailed, err.Error())
	default:
		middleware.LoggerFrom(c).Info().Str("run_id", id).Msg("run triggered")
		c.Header("Location", c.FullPath()+"/"+id)
		ok(c, http.StatusAccepted, TriggerRunResponse{ID: id})
	}
}
