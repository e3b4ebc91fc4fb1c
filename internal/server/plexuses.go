package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/plexushq/weave/internal/store"
)

type plexusStore interface {
	CreatePlexus(ctx context.Context, name, discoveryCron string) (string, error)
	GetPlexus(ctx context.Context, id string) (store.Plexus, error)
	ListPlexuses(ctx context.Context) ([]store.Plexus, error)
	CreateRepo(ctx context.Context, r store.Repo) (string, error)
	ListRepos(ctx context.Context, plexusID string) ([]store.Repo, error)
	ActiveDiscoveryRun(ctx context.Context, plexusID string) (store.DiscoveryRun, bool, error)
	FlushPlexusData(ctx context.Context, plexusID string) error
}

// PlexusHandler exposes plexus and repo management endpoints.
type PlexusHandler struct {
	store plexusStore
}

func NewPlexusHandler(st plexusStore) *PlexusHandler {
	return &PlexusHandler{store: st}
}

func (h *PlexusHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:plexus_id", h.get)
	g.POST("/:plexus_id/repos", h.addRepo)
	g.GET("/:plexus_id/repos", h.listRepos)
	g.DELETE("/:plexus_id/data", h.flushData)
}

type createPlexusRequest struct {
	Name          string `json:"name"`
	DiscoveryCron string `json:"discovery_cron,omitempty"`
}

type plexusResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DiscoveryCron string `json:"discovery_cron,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type createRepoRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	PrimaryLanguage string   `json:"primary_language,omitempty"`
	Topics          []string `json:"topics,omitempty"`
}

type repoResponse struct {
	ID              string   `json:"id"`
	PlexusID        string   `json:"plexus_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	PrimaryLanguage string   `json:"primary_language,omitempty"`
	Topics          []string `json:"topics,omitempty"`
}

// IDResponse is the minimal body returned for create operations.
type IDResponse struct {
	ID string `json:"id"`
}

func newPlexusResponse(p store.Plexus) plexusResponse {
	return plexusResponse{
		ID:            p.ID,
		Name:          p.Name,
		DiscoveryCron: p.DiscoveryCron,
		CreatedAt:     p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func newRepoResponse(r store.Repo) repoResponse {
	return repoResponse{
		ID:              r.ID,
		PlexusID:        r.PlexusID,
		Name:            r.Name,
		Description:     r.Description,
		PrimaryLanguage: r.PrimaryLanguage,
		Topics:          r.Topics,
	}
}

// Create a plexus
//
//	@Summary	Create plexus
//	@Tags		plexuses
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		createPlexusRequest	true	"Plexus"
//	@Success	201		{object}	IDResponse
//	@Failure	400		{object}	HTTPError
//	@Router		/api/plexuses [post]
func (h *PlexusHandler) create(c echo.Context) error {
	var req createPlexusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if cron := strings.TrimSpace(req.DiscoveryCron); cron != "" && cron != "@daily" && cron != "@hourly" {
		if _, err := cronexpr.Parse(cron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid discovery_cron expression")
		}
	}
	id, err := h.store.CreatePlexus(c.Request().Context(), req.Name, strings.TrimSpace(req.DiscoveryCron))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// List plexuses
//
//	@Summary	List plexuses
//	@Tags		plexuses
//	@Produce	json
//	@Success	200	{array}	plexusResponse
//	@Router		/api/plexuses [get]
func (h *PlexusHandler) list(c echo.Context) error {
	plexuses, err := h.store.ListPlexuses(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]plexusResponse, 0, len(plexuses))
	for _, p := range plexuses {
		out = append(out, newPlexusResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}

// Get a plexus
//
//	@Summary	Get plexus
//	@Tags		plexuses
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Produce	json
//	@Success	200	{object}	plexusResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id} [get]
func (h *PlexusHandler) get(c echo.Context) error {
	p, err := h.store.GetPlexus(c.Request().Context(), c.Param("plexus_id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newPlexusResponse(p))
}

// Add a repo to a plexus
//
//	@Summary	Add repo
//	@Tags		plexuses
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		createRepoRequest	true	"Repo"
//	@Success	201		{object}	IDResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/repos [post]
func (h *PlexusHandler) addRepo(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	var req createRepoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	id, err := h.store.CreateRepo(ctx, store.Repo{
		PlexusID:        plexusID,
		Name:            req.Name,
		Description:     req.Description,
		PrimaryLanguage: req.PrimaryLanguage,
		Topics:          req.Topics,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// List repos in a plexus
//
//	@Summary	List repos
//	@Tags		plexuses
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Produce	json
//	@Success	200	{array}	repoResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/repos [get]
func (h *PlexusHandler) listRepos(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	repos, err := h.store.ListRepos(ctx, plexusID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]repoResponse, 0, len(repos))
	for _, r := range repos {
		out = append(out, newRepoResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

// Flush discovery data for a plexus
//
//	@Summary	Flush plexus discovery data
//	@Tags		plexuses
//	@Param		plexus_id	path	string	true	"Plexus ID"
//	@Produce	json
//	@Success	204	{string}	string
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/plexuses/{plexus_id}/data [delete]
func (h *PlexusHandler) flushData(c echo.Context) error {
	ctx := c.Request().Context()
	plexusID := c.Param("plexus_id")
	if _, err := h.store.GetPlexus(ctx, plexusID); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "plexus not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, active, err := h.store.ActiveDiscoveryRun(ctx, plexusID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if active {
		return echo.NewHTTPError(http.StatusConflict, "discovery run in progress; cancel it before flushing")
	}
	if err := h.store.FlushPlexusData(ctx, plexusID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
