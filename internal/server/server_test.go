package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kiesman99/rasterstream/internal/metrics"
	"github.com/kiesman99/rasterstream/internal/source"
	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/internal/testutil"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// Test server setup
func setupTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.Version == "" {
		opts.Version = "1.0.0-test"
	}
	server := httptest.NewServer(NewServer(opts).Routes())
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d: %s", wantStatus, resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Expected Content-Type application/json, got %s", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func postRender(t *testing.T, url string, req any) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	testutil.AssertNoError(t, err)
	resp, err := http.Post(url+"/api/v1/render", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t, Options{})

	var health HealthResponse
	getJSON(t, server.URL+"/api/v1/health", http.StatusOK, &health)

	testutil.AssertEqual(t, health.Status, "healthy")
	testutil.AssertEqual(t, health.Version, "1.0.0-test")
	if health.Uptime < 0 {
		t.Errorf("Expected valid uptime, got %d", health.Uptime)
	}
	if time.Since(health.Timestamp) > time.Minute {
		t.Errorf("Timestamp seems too old: %v", health.Timestamp)
	}

	// The legacy path redirects.
	var legacy HealthResponse
	getJSON(t, server.URL+"/health", http.StatusOK, &legacy)
	testutil.AssertEqual(t, legacy.Status, "healthy")
}

func TestCORSPreflight(t *testing.T) {
	server := setupTestServer(t, Options{})

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/render", nil)
	testutil.AssertNoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()

	testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)
	testutil.AssertEqual(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")
}

func TestPlanEndpoint(t *testing.T) {
	server := setupTestServer(t, Options{})

	t.Run("stripped by count", func(t *testing.T) {
		var plan PlanResponse
		getJSON(t, server.URL+"/api/v1/plan?width=1000&height=1000&mode=stripped-by-count&value=4", http.StatusOK, &plan)

		testutil.AssertEqual(t, plan.Count, 4)
		testutil.AssertEqual(t, len(plan.Splits), 4)
		testutil.AssertEqual(t, plan.Truncated, false)
		for i, s := range plan.Splits {
			got := region.New(s.Index, s.Size)
			want := region.Rect(0, int64(i)*250, 1000, 250)
			if !got.Equal(want) {
				t.Fatalf("split %d = %v, want %v", i, got, want)
			}
		}
	})

	t.Run("automatic default budget", func(t *testing.T) {
		var plan PlanResponse
		getJSON(t, server.URL+"/api/v1/plan?width=1000&height=1000", http.StatusOK, &plan)

		testutil.AssertEqual(t, plan.Mode, streaming.StrippedAuto.String())
		testutil.AssertEqual(t, plan.Budget, uint64(streaming.DefaultBudget))
		testutil.AssertEqual(t, plan.Count, 1)
	})

	t.Run("automatic budget", func(t *testing.T) {
		var plan PlanResponse
		getJSON(t, server.URL+"/api/v1/plan?width=1000&height=1000&mode=stripped-automatic&value=400000&bpp=4", http.StatusOK, &plan)

		testutil.AssertEqual(t, plan.Count, 10)
		testutil.AssertEqual(t, plan.Splits[9].Index[1], int64(900))
	})

	t.Run("truncated", func(t *testing.T) {
		var plan PlanResponse
		getJSON(t, server.URL+"/api/v1/plan?width=100&height=100&mode=tiled-by-dimension&value=10&limit=5", http.StatusOK, &plan)

		testutil.AssertEqual(t, plan.Count, 100)
		testutil.AssertEqual(t, len(plan.Splits), 5)
		testutil.AssertEqual(t, plan.Truncated, true)
		testutil.AssertEqual(t, plan.Splits[1].Index[0], int64(10))
	})

	t.Run("limit capped", func(t *testing.T) {
		var plan PlanResponse
		getJSON(t, server.URL+"/api/v1/plan?width=1000&height=1000&mode=tiled-by-dimension&value=1&limit=5000000", http.StatusOK, &plan)

		testutil.AssertEqual(t, plan.Count, 1000*1000)
		testutil.AssertEqual(t, len(plan.Splits), MaxPlanLimit)
		testutil.AssertEqual(t, plan.Truncated, true)
	})

	t.Run("long single row", func(t *testing.T) {
		var plan PlanResponse
		getJSON(t, server.URL+"/api/v1/plan?width=50000000&height=1&mode=tiled-by-dimension&value=1&limit=2", http.StatusOK, &plan)

		testutil.AssertEqual(t, plan.Count, 50_000_000)
		testutil.AssertEqual(t, len(plan.Splits), 2)
	})

	for name, query := range map[string]string{
		"wide":        "width=2000000000&height=1&mode=tiled-by-dimension&value=1",
		"overflowing": "width=9000000000000000000&height=9000000000000000000",
	} {
		t.Run("too large "+name, func(t *testing.T) {
			capped := setupTestServer(t, Options{MaxPlanPixels: 1 << 30})
			var errResp ErrorResponse
			getJSON(t, capped.URL+"/api/v1/plan?"+query, http.StatusRequestEntityTooLarge, &errResp)
			testutil.AssertEqual(t, errResp.Error, "IMAGE_TOO_LARGE")
		})
	}

	for name, query := range map[string]string{
		"missing width":  "height=10",
		"not a number":   "width=ten&height=10",
		"negative":       "width=-1&height=10",
		"unknown mode":   "width=10&height=10&mode=diagonal",
		"zero count":     "width=10&height=10&mode=tiled-by-count&value=0",
		"zero footprint": "width=10&height=10&bpp=0",
	} {
		t.Run(name, func(t *testing.T) {
			var errResp ErrorResponse
			getJSON(t, server.URL+"/api/v1/plan?"+query, http.StatusBadRequest, &errResp)
			if errResp.Error == "" || errResp.Message == "" {
				t.Fatalf("incomplete error response %+v", errResp)
			}
			if errResp.RequestID == "" {
				t.Error("error response without request id")
			}
		})
	}
}

func TestRenderGradient(t *testing.T) {
	reg := prometheus.NewRegistry()
	server := setupTestServer(t, Options{Metrics: metrics.NewRegistry(reg), Gatherer: reg})

	resp := postRender(t, server.URL, RenderRequest{
		Source: source.KindGradient,
		Width:  64,
		Height: 48,
		Mode:   streaming.TiledByCount.String(),
		Value:  6,
	})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	testutil.AssertEqual(t, resp.Header.Get("Content-Type"), "image/png")
	testutil.AssertEqual(t, resp.Header.Get("X-Splits"), "6")

	img, err := imaging.Decode(resp.Body)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, img.Bounds(), image.Rect(0, 0, 64, 48))

	g, err := source.NewGradient(region.Rect(0, 0, 64, 48), "#1e3a8a", "#fde047")
	testutil.AssertNoError(t, err)
	for _, p := range []image.Point{{0, 0}, {63, 0}, {31, 20}, {63, 47}} {
		want := g.At(int64(p.X), int64(p.Y))
		got := color.NRGBAModel.Convert(img.At(p.X, p.Y)).(color.NRGBA)
		if [4]byte{got.R, got.G, got.B, got.A} != want {
			t.Fatalf("pixel %v = %v, want %v", p, got, want)
		}
	}

	metricsResp, err := http.Get(server.URL + "/metrics")
	testutil.AssertNoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	testutil.AssertNoError(t, err)
	if !strings.Contains(string(body), `rasterstream_writer_runs_total{writer_name="http"} 1`) {
		t.Fatalf("metrics do not record the render:\n%s", body)
	}
}

func TestRenderJPEG(t *testing.T) {
	server := setupTestServer(t, Options{})

	resp := postRender(t, server.URL, RenderRequest{Width: 20, Height: 10, Blur: 2, Format: "jpeg"})
	testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)
	testutil.AssertEqual(t, resp.Header.Get("Content-Type"), "image/jpeg")

	img, err := imaging.Decode(resp.Body)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, img.Bounds(), image.Rect(0, 0, 20, 10))
}

func tileServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	var png bytes.Buffer
	solid := imaging.New(256, 256, color.NRGBA{200, 10, 20, 255})
	testutil.AssertNoError(t, imaging.Encode(&png, solid, imaging.PNG))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "no tile", status)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png.Bytes())
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRenderTiles(t *testing.T) {
	tiles := tileServer(t, http.StatusOK)
	server := setupTestServer(t, Options{})

	resp := postRender(t, server.URL, RenderRequest{
		Source: source.KindTiles,
		Width:  64,
		Height: 64,
		Lat:    10,
		Lon:    10,
		Zoom:   4,
		URLs:   []string{tiles.URL + "/{z}/{x}/{y}.png"},
		Mode:   streaming.StrippedByCount.String(),
		Value:  2,
	})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}

	img, err := imaging.Decode(resp.Body)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, img.Bounds(), image.Rect(0, 0, 64, 64))
	got := color.NRGBAModel.Convert(img.At(32, 32)).(color.NRGBA)
	testutil.AssertEqual(t, got, color.NRGBA{200, 10, 20, 255})
}

func TestRenderTileFailure(t *testing.T) {
	tiles := tileServer(t, http.StatusNotFound)
	server := setupTestServer(t, Options{})

	resp := postRender(t, server.URL, RenderRequest{
		Source: source.KindTiles,
		Width:  64,
		Height: 64,
		Lat:    10,
		Lon:    10,
		Zoom:   4,
		URLs:   []string{tiles.URL + "/{z}/{x}/{y}.png"},
	})
	testutil.AssertEqual(t, resp.StatusCode, http.StatusBadGateway)

	var tileErr TileErrorResponse
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&tileErr))
	testutil.AssertEqual(t, tileErr.Error, "TILE_SERVER_ERROR")
	testutil.AssertEqual(t, tileErr.SuccessfulTiles, 0)
	if tileErr.TotalTiles == 0 || len(tileErr.FailedTiles) == 0 {
		t.Fatalf("tile error without failures: %+v", tileErr)
	}
	testutil.AssertEqual(t, tileErr.FailedTiles[0].StatusCode, http.StatusNotFound)
}

func TestRenderRejects(t *testing.T) {
	server := setupTestServer(t, Options{MaxPixels: 100})

	for name, tc := range map[string]struct {
		req    any
		status int
		code   string
	}{
		"invalid json":  {req: "{", status: http.StatusBadRequest, code: "INVALID_JSON"},
		"image source":  {req: RenderRequest{Source: source.KindImage}, status: http.StatusBadRequest, code: "INVALID_SOURCE"},
		"unknown mode":  {req: RenderRequest{Width: 5, Height: 5, Mode: "spiral"}, status: http.StatusBadRequest, code: "INVALID_MODE"},
		"bad format":    {req: RenderRequest{Width: 5, Height: 5, Format: "gif"}, status: http.StatusBadRequest, code: "INVALID_FORMAT"},
		"empty source":  {req: RenderRequest{Source: source.KindGradient}, status: http.StatusBadRequest, code: "INVALID_SOURCE"},
		"too large":     {req: RenderRequest{Width: 11, Height: 10}, status: http.StatusRequestEntityTooLarge, code: "IMAGE_TOO_LARGE"},
		"zero strategy": {req: RenderRequest{Width: 5, Height: 5, Mode: "tiled-by-count"}, status: http.StatusBadRequest, code: "INVALID_STRATEGY"},
	} {
		t.Run(name, func(t *testing.T) {
			var resp *http.Response
			if s, ok := tc.req.(string); ok {
				r, err := http.Post(server.URL+"/api/v1/render", "application/json", strings.NewReader(s))
				testutil.AssertNoError(t, err)
				defer r.Body.Close()
				resp = r
			} else {
				resp = postRender(t, server.URL, tc.req)
			}
			testutil.AssertEqual(t, resp.StatusCode, tc.status)

			var errResp ErrorResponse
			testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
			testutil.AssertEqual(t, errResp.Error, tc.code)
		})
	}
}
