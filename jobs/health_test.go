package jobs

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInspector map[string]*asynq.QueueInfo

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestInspectQueues(t *testing.T) {
	queues, err := InspectQueues(stubInspector{
		QueueEvents: {Queue: QueueEvents, Pending: 4, Retry: 1, Archived: 2},
	})
	require.NoError(t, err)
	require.Len(t, queues, 2)
	assert.Equal(t, QueueStatus{Queue: QueueEvents, Pending: 4, Retry: 1, Archived: 2}, queues[0])
	assert.Equal(t, QueueStatus{Queue: QueueMaintenance}, queues[1], "unknown queue reads as empty")

	empty, err := InspectQueues(nil)
	require.NoError(t, err)
	assert.Len(t, empty, 2)
}

type failingInspector struct{}

func (failingInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return nil, errors.New("redis down")
}

func TestHealthEndpoint(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"queue":"rbac_events"`)

	h := &Handler{inspector: failingInspector{}, logger: NewHandler(nil, nil).logger}
	r = chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	res = httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestTasksRouteToQueues(t *testing.T) {
	assert.Equal(t, []string{QueueEvents, QueueMaintenance}, Queues())
	assert.Equal(t, TaskAssignmentSweep, NewAssignmentSweepTask().Type())
}

func TestRedisOpt(t *testing.T) {
	assert.Equal(t, "localhost:6379", RedisOpt("localhost:6379").Addr)

	opt := RedisOpt("redis://:secret@cache.internal:6380/2")
	assert.Equal(t, "cache.internal:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)

	assert.Equal(t, "redis://%zz", RedisOpt("redis://%zz").Addr)
}
