package tpc

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dynamic-entropy/xrdtpc/internal/tpc"
	"github.com/dynamic-entropy/xrdtpc/internal/transfer"
	"github.com/dynamic-entropy/xrdtpc/pkg/logger"
)

// statusWaitTimeout bounds how long a GET on a request blocks hoping for
// completion before falling back to reporting whatever status is current.
const statusWaitTimeout = 25 * time.Second

// TPCHandler exposes the request manager over HTTP: submitting new
// transfers, polling or awaiting their outcome, and cancelling them.
// Follows constructor injection pattern - no global state.
type TPCHandler struct {
	manager *tpc.Manager
	engine  transfer.Engine
	store   *requestStore
}

// NewTPCHandler creates a new TPCHandler bound to manager, using engine to
// translate submitted transfer descriptions into transfer.Handle values.
func NewTPCHandler(manager *tpc.Manager, engine transfer.Engine) *TPCHandler {
	return &TPCHandler{
		manager: manager,
		engine:  engine,
		store:   newRequestStore(),
	}
}

type submitRequest struct {
	Label      string `json:"label"`
	Scitag     int    `json:"scitag"`
	SourceURL  string `json:"source_url"`
	DestURL    string `json:"dest_url"`
	HeaderFile string `json:"header_file,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// HandleSubmit handles POST /tpc/requests: constructs a transfer.Handle
// for the requested copy, registers it with the manager, and returns the
// request ID the caller polls or cancels with.
func (h *TPCHandler) HandleSubmit(c echo.Context) error {
	var body submitRequest
	if err := c.Bind(&body); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if body.Label == "" || body.SourceURL == "" || body.DestURL == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "label, source_url and dest_url are required"})
	}

	handle := h.engine.NewHandle(body.SourceURL, body.DestURL, body.HeaderFile)
	req := tpc.NewRequest(body.Label, body.Scitag, handle)

	if !h.manager.Produce(req) {
		logger.Warn("tpc: rejecting submission for label=%s (backpressure)", body.Label)
		return c.NoContent(http.StatusServiceUnavailable)
	}

	id := h.store.put(req)
	return c.JSON(http.StatusAccepted, submitResponse{ID: id})
}

type statusResponse struct {
	Status   int    `json:"status"`
	Message  string `json:"message,omitempty"`
	Progress int64  `json:"progress_offset"`
	Active   bool   `json:"active"`
}

// HandleStatus handles GET /tpc/requests/:id. It blocks briefly hoping the
// transfer completes before returning, same as the original poller's
// short-poll pattern, but never longer than statusWaitTimeout.
func (h *TPCHandler) HandleStatus(c echo.Context) error {
	req, ok := h.store.get(c.Param("id"))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}

	status := req.WaitFor(statusWaitTimeout)
	return c.JSON(http.StatusOK, statusResponse{
		Status:   status,
		Message:  req.GetMessage(),
		Progress: req.GetProgress(),
		Active:   req.IsActive(),
	})
}

// HandleCancel handles DELETE /tpc/requests/:id: requests cooperative
// cancellation of an in-flight or still-queued transfer.
func (h *TPCHandler) HandleCancel(c echo.Context) error {
	req, ok := h.store.get(c.Param("id"))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	req.Cancel()
	return c.NoContent(http.StatusAccepted)
}

type labelStats struct {
	Label        string `json:"label"`
	PendingDepth int    `json:"pending_depth"`
	WorkerCount  int    `json:"worker_count"`
}

type statsResponse struct {
	GlobalThreadCount int64        `json:"global_thread_count"`
	MaxGlobalThreads  int          `json:"max_global_threads"`
	Labels            []labelStats `json:"labels"`
}

// HandleStats handles GET /tpc/stats: a point-in-time snapshot of every
// label's queue depth and worker count, for operator visibility
// alongside the Prometheus series under the xrdtpc namespace.
func (h *TPCHandler) HandleStats(c echo.Context) error {
	snap := h.manager.Stats()
	labels := make([]labelStats, 0, len(snap))
	for _, s := range snap {
		labels = append(labels, labelStats{
			Label:        s.Label,
			PendingDepth: s.PendingDepth,
			WorkerCount:  s.WorkerCount,
		})
	}

	return c.JSON(http.StatusOK, statsResponse{
		GlobalThreadCount: h.manager.GetGlobalThreadCount(),
		MaxGlobalThreads:  h.manager.GetMaxGlobalThreads(),
		Labels:            labels,
	})
}
