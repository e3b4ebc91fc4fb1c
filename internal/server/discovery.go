package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/plexushq/weave/internal/discovery"
	"github.com/plexushq/weave/internal/engine"
	"github.com/plexushq/weave/internal/queue/streams"
	"github.com/plexushq/weave/internal/store"
)

// HTTPError is the JSON error body produced by the unified error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type discoveryStore interface {
	GetPlexus(ctx context.Context, id string) (store.Plexus, error)
	CreateDiscoveryRun(ctx context.Context, plexusID string) (string, error)
	GetDiscoveryRun(ctx context.Context, runID string) (store.DiscoveryRun, error)
	LatestDiscoveryRun(ctx context.Context, plexusID string) (store.DiscoveryRun, error)
	ActiveDiscoveryRun(ctx context.Context, plexusID string) (store.DiscoveryRun, bool, error)
	ListDiscoveryRuns(ctx context.Context, plexusID string) ([]store.DiscoveryRun, error)
	ListWeaves(ctx context.Context, plexusID, runID string) ([]store.Weave, error)
}

type enqueuer interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

type progressStreamer interface {
	Subscribe(ctx context.Context, plexusID string) <-chan discovery.Snapshot
}

// DiscoveryHandler exposes run submission, status, weave listing, progress
// streaming and cancellation.
type DiscoveryHandler struct {
	store    discoveryStore
	queue    enqueuer
	streamer progressStreamer
	cancel   func(ctx context.Context, req discovery.CancelRequest) error
	interval time.Duration
	logger   *log.Logger
}

func NewDiscoveryHandler(st discoveryStore, queue enqueuer, streamer progressStreamer, cancel func(context.Context, discovery.CancelRequest) error, streamInterval time.Duration) *DiscoveryHandler {
	if streamInterval <= 0 {
		streamInterval = 2 * time.Second
	}
	return &DiscoveryHandler{
		store:    st,
		queue:    queue,
		streamer: streamer,
		cancel:   cancel,
		interval: streamInterval,
		logger:   log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags),
	}
}

// Register wires the handler under /api. Plexus-scoped routes live under
// /plexuses, run-scoped ones under /runs.
func (h *DiscoveryHandler) Register(api *echo.Group) {
	plexuses := api.Group("/plexuses")
	plexuses.POST("/:plexus_id/discovery", h.submit)
	plexuses.GET("/:plexus_id/discovery", h.status)
	plexuses.GET("/:plexus_id/discovery/stream", h.stream)
	plexuses.GET("/:plexus_id/runs", h.listRuns)
	plexuses.GET("/:plexus_id/weaves", h.listWeaves)

	runs := api.Group("/runs")
	runs.GET("/:run_id", h.getRun)
	runs.POST("/:run_id/cancel", h.cancelRun)
}

type runResponse struct {
	ID               string   `json:"id"`
	PlexusID         string   `json:"plexus_id"`
	Status           string   `json:"status"`
	StartedAt        string   `json:"started_at"`
	CompletedAt      string   `json:"completed_at,omitempty"`
	RepoPairsTotal   int      `json:"repo_pairs_total"`
	RepoPairsChecked int      `json:"repo_pairs_checked"`
	WeavesFound      int      `json:"weaves_found"`
	PairsSkipped     int      `json:"pairs_skipped"`
	ProgressPercent  float64  `json:"progress_percent"`
	Error            string   `json:"error,omitempty"`
	RepoIDs          []string `json:"repo_ids,omitempty"`
}

type weaveResponse struct {
	ID             string  `json:"id"`
	PlexusID       string  `json:"plexus_id"`
	DiscoveryRunID string  `json:"discovery_run_id"`
	SourceRepoID   string  `json:"source_repo_id"`
	TargetRepoID   string  `json:"target_repo_id"`
	Type           string  `json:"type"`
	Score          float64 `json:"score"`
}

func newRunResponse(run store.DiscoveryRun) runResponse {
	resp := runResponse{
		ID:               run.ID,
		PlexusID:         run.PlexusID,
		Status:           run.Status,
		StartedAt:        run.StartedAt.UTC().Format(time.RFC3339),
		RepoPairsTotal:   run.RepoPairsTotal,
		RepoPairsChecked: run.RepoPairsChecked,
		WeavesFound:      run.WeavesFound,
		PairsSkipped:     run.PairsSkipped,
		RepoIDs:          run.RepoIDs,
	}
	if run.CompletedAt != nil {
		resp.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	if run.Error != nil {
		resp.Error = *run.Error
	}
	divisor := run.RepoPairsTotal
	if divisor < 1 {
		divisor = 1
	}
	resp.ProgressPercent = 100 * float64(run.RepoPairsChecked) / float64(divisor)
	return resp
}

func newWeaveResponse(w store.Weave) weaveResponse {
	return weaveResponse{
		ID:             w.ID,
		PlexusID:       w.PlexusID,
		DiscoveryRunID: w.DiscoveryRunID,
		SourceRepoID:   w.SourceRepoID,
		TargetRepoID:   w.TargetRepoID,
		Type:           w.Type,
		Score:          w.Score,
	}
}

// Submit a discovery run
//
//	@Summary	Submit discovery
//	@Tags		discovery
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Produce	json
//	@Success	202	{object}	runResponse	"Run accepted"
//	@Success	409	{object}	runResponse	"Active run already exists"
//	@Failure	404	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/discovery [post]
func (h *DiscoveryHandler) submit(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// At most one discovery run per plexus at a time. A repeat submission
	// coalesces onto the run already in flight.
	if active, ok, err := h.store.ActiveDiscoveryRun(ctx, plexusID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if ok {
		return c.JSON(http.StatusConflict, newRunResponse(active))
	}

	runID, err := h.store.CreateDiscoveryRun(ctx, plexusID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	payload := engine.EnqueuedPayload{
		RunID:       runID,
		PlexusID:    plexusID,
		Trigger:     "manual",
		RequestedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := h.queue.PublishRaw(ctx, engine.StreamDiscoveryEnqueued, engine.StreamDiscoveryEnqueued, "v1", payload); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Printf("run %s enqueued for plexus %s", runID, plexusID)

	run, err := h.store.GetDiscoveryRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusAccepted, IDResponse{ID: runID})
	}
	return c.JSON(http.StatusAccepted, newRunResponse(run))
}

// Latest discovery status for a plexus
//
//	@Summary	Discovery status
//	@Tags		discovery
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Produce	json
//	@Success	200	{object}	runResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/discovery [get]
func (h *DiscoveryHandler) status(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	run, err := h.store.LatestDiscoveryRun(ctx, plexusID)
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "no discovery runs")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newRunResponse(run))
}

// List discovery runs for a plexus
//
//	@Summary	List runs
//	@Tags		discovery
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Produce	json
//	@Success	200	{array}	runResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/runs [get]
func (h *DiscoveryHandler) listRuns(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	runs, err := h.store.ListDiscoveryRuns(ctx, plexusID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunResponse(run))
	}
	return c.JSON(http.StatusOK, out)
}

// Get a discovery run by id
//
//	@Summary	Run by ID
//	@Tags		discovery
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	runResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{run_id} [get]
func (h *DiscoveryHandler) getRun(c echo.Context) error {
	run, err := h.store.GetDiscoveryRun(c.Request().Context(), c.Param("run_id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newRunResponse(run))
}

// List weaves for a plexus (optionally scoped to one run)
//
//	@Summary	List weaves
//	@Tags		discovery
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Param		run_id		query	string	false	"Restrict to one run"
//	@Produce	json
//	@Success	200	{array}	weaveResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/weaves [get]
func (h *DiscoveryHandler) listWeaves(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	weaves, err := h.store.ListWeaves(ctx, plexusID, strings.TrimSpace(c.QueryParam("run_id")))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]weaveResponse, 0, len(weaves))
	for _, w := range weaves {
		out = append(out, newWeaveResponse(w))
	}
	return c.JSON(http.StatusOK, out)
}

// Cancel a discovery run
//
//	@Summary	Cancel run
//	@Tags		discovery
//	@Param		run_id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	202	{object}	runResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/runs/{run_id}/cancel [post]
func (h *DiscoveryHandler) cancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	run, err := h.store.GetDiscoveryRun(ctx, runID)
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if run.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "run already "+run.Status)
	}

	var reason struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = c.Bind(&reason)

	if h.cancel != nil {
		if err := h.cancel(ctx, discovery.CancelRequest{RunID: runID, Reason: reason.Reason}); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, newRunResponse(run))
}

// Stream discovery progress via Server-Sent Events
//
//	@Summary	Discovery progress stream
//	@Tags		discovery
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	404	{object}	HTTPError
//	@Failure	503	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/discovery/stream [get]
func (h *DiscoveryHandler) stream(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.streamer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "progress stream unavailable")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	send := func(event string, snap discovery.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + event + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Open with the persisted state so late subscribers see current progress
	// immediately.
	var last discovery.Snapshot
	if run, err := h.store.LatestDiscoveryRun(ctx, plexusID); err == nil {
		last = discovery.NewSnapshot(run)
		if err := send("progress", last); err != nil {
			return nil
		}
	}

	snaps := h.streamer.Subscribe(ctx, plexusID)
	heartbeat := time.NewTicker(h.interval * 10)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := resp.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			// Counters are monotonic; stale deliveries are dropped.
			if !snap.Newer(last) && snap.Status == last.Status {
				continue
			}
			last = snap
			if err := send("progress", snap); err != nil {
				return nil
			}
		}
	}
}
