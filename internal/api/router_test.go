package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/boothspool/internal/api/handlers"
	"github.com/orrn/boothspool/internal/api/middleware"
	"github.com/orrn/boothspool/internal/core"
	"github.com/orrn/boothspool/internal/ingest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticEnum []core.RawDevice

func (s staticEnum) Enumerate(context.Context) ([]core.RawDevice, error) {
	return append([]core.RawDevice(nil), s...), nil
}

type okDriver struct{}

func (okDriver) Print(context.Context, core.PrintRequest) (bool, error) { return true, nil }

type stubSource struct{}

func (stubSource) Register(context.Context, string) (string, error) { return "tok", nil }
func (stubSource) ListPending(context.Context, string, string) ([]ingest.Item, error) {
	return nil, nil
}
func (stubSource) Download(context.Context, string, ingest.Item) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (stubSource) Acknowledge(context.Context, string, string, []string) error { return nil }
func (stubSource) CheckConnectivity(context.Context, string) bool { return true }

type fixture struct {
	router http.Handler
	queue  *core.Queue
}

func newFixture(t *testing.T, passwordHash string) *fixture {
	t.Helper()
	enum := staticEnum{
		{Name: "A", StatusCode: 3, Scheme: core.SchemeIPP, IsDefault: true},
		{Name: "B", StatusCode: 3, Scheme: core.SchemeIPP},
	}
	reg := core.NewRegistry(enum)
	queue := core.NewQueue(okDriver{}, reg)
	health := core.NewHealthMonitor(reg, core.WithScheduler(core.NewManualScheduler()))
	poller := ingest.NewPoller(stubSource{}, ingest.WithScheduler(core.NewManualScheduler()))

	auth, err := middleware.NewAuthMiddleware(context.Background(), passwordHash, "test-secret", nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		poller.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = poller.Wait(ctx)
		_ = queue.Wait(ctx)
	})

	return &fixture{
		router: NewRouter(Deps{
			Auth:        auth,
			Registry:    reg,
			Queue:       queue,
			Health:      health,
			Poller:      poller,
			JobDefaults: handlers.JobDefaults{Copies: 1, PaperSize: "4x6", Color: true},
			Logger:      zerolog.Nop(),
		}),
		queue: queue,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPrintersAndPool(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodGet, "/api/printers?refresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[handlers.PrinterListResponse](t, w)
	require.Len(t, list.Printers, 2)
	assert.Empty(t, list.Pool)
	assert.NotNil(t, list.LastDiscovery)

	w = f.do(t, http.MethodGet, "/api/printers/B", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, core.StatusReady, decode[core.PrinterRecord](t, w).Status)

	w = f.do(t, http.MethodGet, "/api/printers/Z", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/api/pool", handlers.PoolRequest{Printers: []string{"B", "Z", "A"}})
	require.Equal(t, http.StatusOK, w.Code)
	pool := decode[handlers.PoolResponse](t, w)
	assert.Equal(t, []string{"B", "A"}, pool.Pool)
	assert.Equal(t, []string{"Z"}, pool.Rejected)

	w = f.do(t, http.MethodGet, "/api/pool", nil)
	assert.Equal(t, []string{"B", "A"}, decode[handlers.PoolResponse](t, w).Pool)

	w = f.do(t, http.MethodDelete, "/api/printers/cache", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t, "")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/printers?refresh=true", nil).Code)

	photo := filepath.Join(t.TempDir(), "p1.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg"), 0o644))

	w := f.do(t, http.MethodPost, "/api/jobs", handlers.CreateJobRequest{Filepath: photo})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[core.Job](t, w)
	assert.Equal(t, "p1.jpg", job.Filename)
	assert.Equal(t, "A", job.PrinterName)
	assert.Equal(t, "4x6", job.Options.PaperSize)
	assert.True(t, job.Options.Color)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Wait(ctx))

	w = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, core.JobStatusCompleted, decode[core.Job](t, w).Status)

	w = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/jobs?status=completed", nil)
	assert.Len(t, decode[[]core.Job](t, w), 1)
	w = f.do(t, http.MethodGet, "/api/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/queue", nil)
	assert.Equal(t, 1, decode[core.QueueSnapshot](t, w).Completed)

	w = f.do(t, http.MethodDelete, "/api/queue/finished", nil)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["removed"])
}

func TestCreateJobErrors(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/jobs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/jobs", handlers.CreateJobRequest{Filepath: "/does/not/exist.jpg"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "file_not_found", decode[handlers.ErrorResponse](t, w).Error)

	photo := filepath.Join(t.TempDir(), "p.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg"), 0o644))
	w = f.do(t, http.MethodPost, "/api/jobs", handlers.CreateJobRequest{Filepath: photo})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "nothing discovered yet")

	w = f.do(t, http.MethodPost, "/api/jobs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/health/check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[handlers.HealthResponse](t, w)
	assert.Equal(t, 2, resp.Online)
	assert.Equal(t, core.StatusReady, resp.Printers["A"])
	assert.False(t, resp.Monitoring)

	w = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, 2, decode[handlers.HealthResponse](t, w).Online)
}

func TestIngestEndpoints(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/ingest/poll", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_registered", decode[handlers.ErrorResponse](t, w).Error)

	w = f.do(t, http.MethodPost, "/api/ingest/register", handlers.RegisterRequest{Key: "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/ingest/register", handlers.RegisterRequest{Key: "abcd-1234-efgh-5678"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ingest.Status](t, w).Registered)

	w = f.do(t, http.MethodPost, "/api/ingest/start", nil)
	assert.Equal(t, "no_session", decode[handlers.ErrorResponse](t, w).Error)

	dest := t.TempDir()
	w = f.do(t, http.MethodPut, "/api/ingest/session", handlers.SessionRequest{SessionID: "s1", Destination: dest})
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[ingest.Status](t, w)
	assert.Equal(t, "s1", st.SessionID)
	assert.Equal(t, dest, st.Destination)

	w = f.do(t, http.MethodPost, "/api/ingest/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ingest.Status](t, w).Running)

	w = f.do(t, http.MethodPost, "/api/ingest/bulk", handlers.BulkRequest{Decision: "skip"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodPost, "/api/ingest/bulk", handlers.BulkRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/ingest/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[ingest.Status](t, w).Running)

	w = f.do(t, http.MethodGet, "/api/ingest/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthGuardsAPI(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("booth"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, string(hash))

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/queue", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/auth/status", nil).Code)

	w := f.do(t, http.MethodPost, "/api/auth/login", middleware.LoginRequest{Password: "booth"})
	require.Equal(t, http.StatusOK, w.Code)
	token := decode[map[string]any](t, w)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodGet, "/api/pool", nil)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `boothspool_http_requests_total{method="GET",path="/api/pool",status="200"}`)
}
