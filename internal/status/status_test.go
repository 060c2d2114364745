package status

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xqbumu/go-taskfarm"
)

type fakeSource struct {
	progress float64
	finished bool
	clients  int
	metrics  taskfarm.Metrics
}

func (f fakeSource) GetProgress() float64         { return f.progress }
func (f fakeSource) AllTasksFinished() bool       { return f.finished }
func (f fakeSource) GetCurrentClientCount() int   { return f.clients }
func (f fakeSource) GetMetrics() taskfarm.Metrics { return f.metrics }

func TestHealthz(t *testing.T) {
	router := NewRouter(fakeSource{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStatus(t *testing.T) {
	src := fakeSource{
		progress: 0.5,
		clients:  3,
		metrics:  taskfarm.Metrics{TasksAvailable: 2, TasksFinished: 2, TasksDispatched: 4},
	}
	router := NewRouter(src, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 0.5, report.Progress)
	assert.False(t, report.Finished)
	assert.Equal(t, 3, report.Clients)
	assert.Equal(t, src.metrics, report.Metrics)
}

func TestStatusEmptyQueue(t *testing.T) {
	router := NewRouter(fakeSource{progress: -1, finished: true}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, -1.0, report.Progress)
	assert.True(t, report.Finished)
}

func TestUnknownRoute(t *testing.T) {
	router := NewRouter(fakeSource{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
