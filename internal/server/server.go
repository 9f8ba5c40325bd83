// Package server exposes split planning and small streamed renders over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiesman99/rasterstream/internal/metrics"
	"github.com/kiesman99/rasterstream/internal/source"
	"github.com/kiesman99/rasterstream/internal/storage"
	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
	"github.com/kiesman99/rasterstream/pkg/tile"
)

const (
	// DefaultMaxPixels caps a render; the encoded response is assembled in memory.
	DefaultMaxPixels = 4096 * 4096

	// DefaultPlanLimit is the number of splits listed when a plan request
	// names no limit; MaxPlanLimit bounds any limit a request asks for.
	DefaultPlanLimit = 1000
	MaxPlanLimit     = 100_000

	// DefaultMaxPlanPixels caps the image a plan may describe.
	DefaultMaxPlanPixels = 1 << 40
)

// Options configures the server.
type Options struct {
	Version string

	// Timeout bounds every request.
	Timeout time.Duration

	// DefaultBudget replaces a zero budget of the automatic modes.
	DefaultBudget uint64

	// MaxPixels caps the size of a render.
	MaxPixels int64

	// MaxPlanPixels caps width and height, and their product, of a plan.
	MaxPlanPixels int64

	Logger *slog.Logger

	// Metrics instruments renders; Gatherer, when set, is served on /metrics.
	Metrics  *metrics.Registry
	Gatherer prometheus.Gatherer
}

// Server implements the rasterstream HTTP API.
type Server struct {
	startTime time.Time
	opts      Options
	logger    *slog.Logger
}

// NewServer creates a new server instance
func NewServer(opts Options) *Server {
	if opts.DefaultBudget == 0 {
		opts.DefaultBudget = streaming.DefaultBudget
	}
	if opts.MaxPixels == 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.MaxPlanPixels == 0 {
		opts.MaxPlanPixels = DefaultMaxPlanPixels
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{startTime: time.Now(), opts: opts, logger: logger}
}

// Routes builds the chi router with the API mounted at /api/v1.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.Timeout))

	// CORS middleware for API access
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.GetHealth)
		r.Get("/plan", s.GetPlan)
		r.Post("/render", s.PostRender)
	})

	// Legacy health endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v1/health", http.StatusMovedPermanently)
	})

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
	Version   string    `json:"version"`
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.startTime).Seconds()),
		Version:   s.opts.Version,
	})
}

// Box is the JSON form of a region.
type Box struct {
	Index []int64 `json:"index"`
	Size  []int64 `json:"size"`
}

func boxOf(r region.Region) Box {
	return Box{Index: r.Index, Size: r.Size}
}

// PlanResponse lists the splits a strategy produces for an image.
type PlanResponse struct {
	Mode      string `json:"mode"`
	Value     uint64 `json:"value"`
	Budget    uint64 `json:"budget,omitempty"`
	Full      Box    `json:"full"`
	Count     int    `json:"count"`
	Splits    []Box  `json:"splits"`
	Truncated bool   `json:"truncated"`
}

// GetPlan handles GET /api/v1/plan?width=&height=&mode=&value=&bpp=&limit=.
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		width, height int64
		mode          = streaming.StrippedAuto.String()
		value         int64
		bpp           int64 = raster.RGBA
		limit         int64 = DefaultPlanLimit
	)
	for _, p := range []struct {
		name     string
		required bool
		dest     any
	}{
		{"width", true, &width},
		{"height", true, &height},
		{"mode", false, &mode},
		{"value", false, &value},
		{"bpp", false, &bpp},
		{"limit", false, &limit},
	} {
		if err := runtime.BindQueryParameter("form", true, p.required, p.name, q, p.dest); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
			return
		}
	}
	if width < 0 || height < 0 || value < 0 || bpp < 0 || limit < 0 {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", "parameters must not be negative")
		return
	}
	if most := s.opts.MaxPlanPixels; width > most || height > most || (height > 0 && width > most/height) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE",
			fmt.Sprintf("%dx%d exceeds the plan limit of %d pixels", width, height, most))
		return
	}
	limit = min(limit, MaxPlanLimit)

	m, err := streaming.ParseMode(mode)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_MODE", err.Error())
		return
	}
	splitter, err := streaming.NewManager(streaming.Strategy{Mode: m, Value: uint64(value)}, s.opts.DefaultBudget)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_STRATEGY", err.Error())
		return
	}
	full := region.Rect(0, 0, width, height)
	if err := splitter.Configure(full, uint64(bpp)); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_STRATEGY", err.Error())
		return
	}

	resp := PlanResponse{
		Mode:  m.String(),
		Value: uint64(value),
		Full:  boxOf(full),
		Count: splitter.NumberOfSplits(),
	}
	if m.Auto() {
		resp.Budget = splitter.Budget()
	}
	n := resp.Count
	if int64(n) > limit {
		n = int(limit)
		resp.Truncated = true
	}
	resp.Splits = make([]Box, n)
	for i := range resp.Splits {
		resp.Splits[i] = boxOf(splitter.Split(i))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// RenderRequest is the body of POST /api/v1/render.
type RenderRequest struct {
	Source string  `json:"source"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	From   string  `json:"from,omitempty"`
	To     string  `json:"to,omitempty"`
	Blur   float64 `json:"blur,omitempty"`

	BBox     string            `json:"bbox,omitempty"`
	Lat      float64           `json:"lat,omitempty"`
	Lon      float64           `json:"lon,omitempty"`
	Zoom     int               `json:"zoom,omitempty"`
	TileSize int               `json:"tile_size,omitempty"`
	URLs     []string          `json:"urls,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	Mode   string `json:"mode,omitempty"`
	Value  uint64 `json:"value,omitempty"`
	Format string `json:"format,omitempty"`
}

// PostRender streams the requested source through the executor and returns
// the encoded image.
func (s *Server) PostRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}
	if req.Source == source.KindImage {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_SOURCE", "image files cannot be rendered over HTTP")
		return
	}

	strategy := streaming.Strategy{Mode: streaming.StrippedAuto, Value: req.Value}
	if req.Mode != "" {
		m, err := streaming.ParseMode(req.Mode)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "INVALID_MODE", err.Error())
			return
		}
		strategy.Mode = m
	}

	format := imaging.PNG
	contentType := "image/png"
	switch req.Format {
	case "", "png":
	case "jpeg", "jpg":
		format, contentType = imaging.JPEG, "image/jpeg"
	default:
		s.writeError(w, r, http.StatusBadRequest, "INVALID_FORMAT", fmt.Sprintf("unknown format %q", req.Format))
		return
	}

	built, err := source.Build(source.Options{
		Kind:     req.Source,
		Width:    req.Width,
		Height:   req.Height,
		From:     req.From,
		To:       req.To,
		Blur:     req.Blur,
		BBox:     req.BBox,
		Lat:      req.Lat,
		Lon:      req.Lon,
		Zoom:     req.Zoom,
		TileSize: req.TileSize,
		URLs:     req.URLs,
		Headers:  req.Headers,
		Timeout:  s.opts.Timeout,
		Logger:   s.logger,
	})
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_SOURCE", err.Error())
		return
	}
	if n := built.Full.NumberOfPixels(); n > s.opts.MaxPixels {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE",
			fmt.Sprintf("%d pixels exceed the limit of %d", n, s.opts.MaxPixels))
		return
	}

	var out bytes.Buffer
	exec := streaming.NewWithConfig(streaming.Config{
		Strategy:      strategy,
		DefaultBudget: s.opts.DefaultBudget,
		Name:          "http",
		Logger:        s.logger.With("request_id", middleware.GetReqID(r.Context())),
		Metrics:       s.opts.Metrics,
	})
	res, err := exec.Run(r.Context(), streaming.Job{
		Full:      built.Full,
		Producer:  built.Producer,
		Committer: storage.NewImage(&out, format, raster.RGBA),
	})
	if err != nil {
		s.handleRenderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(out.Len()))
	w.Header().Set("X-Splits", strconv.Itoa(res.Splits))
	w.WriteHeader(http.StatusOK)
	if _, err := out.WriteTo(w); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}

// TileErrorResponse reports a mosaic region that could not be downloaded.
type TileErrorResponse struct {
	Error           string         `json:"error"`
	Message         string         `json:"message"`
	FailedTiles     []tile.Failure `json:"failed_tiles"`
	SuccessfulTiles int            `json:"successful_tiles"`
	TotalTiles      int            `json:"total_tiles"`
	RequestID       string         `json:"request_id,omitempty"`
}

func (s *Server) handleRenderError(w http.ResponseWriter, r *http.Request, err error) {
	var tileErr *tile.Error
	switch {
	case errors.As(err, &tileErr):
		s.writeJSON(w, http.StatusBadGateway, TileErrorResponse{
			Error:           "TILE_SERVER_ERROR",
			Message:         tileErr.Message,
			FailedTiles:     tileErr.Failures,
			SuccessfulTiles: tileErr.Succeeded,
			TotalTiles:      tileErr.Total,
			RequestID:       middleware.GetReqID(r.Context()),
		})
	case errors.Is(err, streaming.ErrConfiguration):
		s.writeError(w, r, http.StatusBadRequest, "INVALID_STRATEGY", err.Error())
	case errors.Is(err, streaming.ErrAborted), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusGatewayTimeout, "RENDER_TIMEOUT", err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// ErrorResponse is the body of every non-tile error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "err", err)
	}
}
