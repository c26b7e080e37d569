package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectsync/internal/admin"
	"projectsync/internal/cache"
	"projectsync/internal/identity"
	"projectsync/internal/view"
	"projectsync/pkg/rbac"
)

// ViewHandler renders the caller's role view from the entity cache, once
// or as a server-sent event stream.
type ViewHandler struct {
	cache     *cache.Cache
	stale     func() bool
	records   *admin.Records
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewViewHandler builds the handler. stale reports whether any live query
// is disconnected; records may be nil when admin records are disabled.
func NewViewHandler(c *cache.Cache, stale func() bool, records *admin.Records, heartbeat time.Duration, logger *zap.Logger) *ViewHandler {
	if stale == nil {
		stale = func() bool { return false }
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &ViewHandler{cache: c, stale: stale, records: records, heartbeat: heartbeat, logger: logger}
}

func (h *ViewHandler) session(c *gin.Context) (*view.Session, bool) {
	id, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return nil, false
	}
	s, err := view.NewSession(id)
	if err != nil {
		RespondError(c, err)
		return nil, false
	}
	return s, true
}

func (h *ViewHandler) input(ctx context.Context, s *view.Session) view.Input {
	in := view.Input{Stale: h.stale()}
	if h.records != nil && s.Can(rbac.PermissionAdminRecords) {
		st, err := h.records.Stats(ctx)
		if err != nil {
			h.logger.Warn("Failed to load admin stats", zap.Error(err))
		} else {
			in.Records = &st
		}
	}
	return in
}

// Get handles GET /api/view
func (h *ViewHandler) Get(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Render(h.cache.Read(), h.input(c.Request.Context(), s)))
}

// Stream handles GET /api/view/stream. A "view" event is sent whenever the
// rendered view differs from the last one sent. Between changes a comment
// line keeps the connection open and lets the stale flag be rechecked.
func (h *ViewHandler) Stream(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var last []byte
	for {
		r := h.cache.Read()
		v := s.Render(r, h.input(ctx, s))
		body, err := json.Marshal(v)
		if err != nil {
			h.logger.Error("Failed to encode view", zap.Error(err))
			return
		}
		if bytes.Equal(body, last) {
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
		} else {
			c.SSEvent("view", json.RawMessage(body))
			last = body
		}
		c.Writer.Flush()

		wctx, cancel := context.WithTimeout(ctx, h.heartbeat)
		err = r.Wait(wctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("View stream wait failed", zap.Error(err))
			return
		}
	}
}
