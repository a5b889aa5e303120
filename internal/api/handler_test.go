package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gpudispatch/internal/apperrors"
	"gpudispatch/internal/container"
	"gpudispatch/internal/job"
	"gpudispatch/internal/orchestrator"
	"gpudispatch/internal/testutil"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*job.Job{}}
}

func (s *fakeStore) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	cp.Status = job.StatePending
	s.jobs[j.ID] = &cp
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) ListJobs(_ context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (s *fakeStore) UpdateJob(_ context.Context, id string, upd job.Update) error { return nil }

func (s *fakeStore) UpdateJobStatus(_ context.Context, id, status string) error { return nil }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeOrch struct {
	mu         sync.Mutex
	execErr    error
	batchCalls int
}

func (o *fakeOrch) ExecuteJob(_ context.Context, j *job.Job, _ *job.Prompt) (string, error) {
	if o.execErr != nil {
		return "", o.execErr
	}
	return "infer_" + strings.TrimPrefix(j.ID, "run_"), nil
}

func (o *fakeOrch) ExecuteBatch(context.Context, string, []job.Job, map[string]*job.Prompt) (*orchestrator.BatchResult, error) {
	o.mu.Lock()
	o.batchCalls++
	o.mu.Unlock()
	return &orchestrator.BatchResult{}, nil
}

func (o *fakeOrch) batchCallCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.batchCalls
}

type fakeContainers struct {
	active  *container.Active
	logs    string
	logsErr error
	kills   []container.Kill
}

func (c *fakeContainers) GetActiveContainer(context.Context) (*container.Active, error) {
	return c.active, nil
}

func (c *fakeContainers) GetContainerLogs(context.Context, string, string, int) (string, error) {
	return c.logs, c.logsErr
}

func (c *fakeContainers) KillContainers(context.Context) ([]container.Kill, error) {
	return c.kills, nil
}

type fakeConn struct{ connected bool }

func (c *fakeConn) IsConnected(context.Context) bool { return c.connected }

type env struct {
	store      *fakeStore
	orch       *fakeOrch
	containers *fakeContainers
	conn       *fakeConn
	router     http.Handler
}

func newEnv(apiKey string) *env {
	e := &env{
		store:      newFakeStore(),
		orch:       &fakeOrch{},
		containers: &fakeContainers{},
		conn:       &fakeConn{connected: true},
	}
	e.router = NewRouter(RouterConfig{
		Store:      e.store,
		Orch:       e.orch,
		Containers: e.containers,
		Conn:       e.conn,
		APIKey:     apiKey,
	})
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	rec := e.do(t, http.MethodPost, "/v1/jobs",
		`{"id":"run_abc","operation":"inference","prompt":{"id":"p1","text":"a foggy pier"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "run_abc" || resp.Container != "infer_abc" {
		t.Errorf("response = %+v", resp)
	}
	if e.store.count() != 1 {
		t.Errorf("store has %d jobs, want 1", e.store.count())
	}
}

func TestCreateJob_GeneratesID(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	rec := e.do(t, http.MethodPost, "/v1/jobs",
		`{"operation":"inference","prompt":{"text":"dunes"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp jobResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if !strings.HasPrefix(resp.JobID, "run_") {
		t.Errorf("JobID = %q, want run_ prefix", resp.JobID)
	}
}

func TestCreateJob_MissingOperation(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	rec := e.do(t, http.MethodPost, "/v1/jobs", `{"prompt":{"text":"x"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateJob_ConflictFromOrchestrator(t *testing.T) {
	t.Parallel()
	e := newEnv("")
	e.orch.execErr = apperrors.Conflict("job", "run_abc", "already executing")

	rec := e.do(t, http.MethodPost, "/v1/jobs",
		`{"id":"run_abc","operation":"inference","prompt":{"text":"x"}}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	e := newEnv("")
	_ = e.store.CreateJob(context.Background(), &job.Job{ID: "run_1", Operation: job.OpInference})

	if rec := e.do(t, http.MethodGet, "/v1/jobs/run_1", ""); rec.Code != http.StatusOK {
		t.Errorf("GetJob(existing) = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/v1/jobs/run_missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GetJob(missing) = %d, want 404", rec.Code)
	}
}

func TestCreateBatch(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	rec := e.do(t, http.MethodPost, "/v1/batches",
		`{"jobs":[{"prompt":{"text":"one"}},{"prompt":{"text":"two"}}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		BatchID string   `json:"batchId"`
		JobIDs  []string `json:"jobIds"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.JobIDs) != 2 || !strings.HasPrefix(resp.BatchID, "batch_") {
		t.Errorf("response = %+v", resp)
	}
	if e.store.count() != 2 {
		t.Errorf("store has %d jobs, want 2", e.store.count())
	}

	testutil.WaitFor(t, 2*time.Second, "batch execution", func() bool {
		return e.orch.batchCallCount() == 1
	})
}

func TestCreateBatch_Empty(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	rec := e.do(t, http.MethodPost, "/v1/batches", `{"jobs":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestContainerEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv("")
	e.containers.active = &container.Active{ID: "a1b2c3", Name: "infer_abc123", Status: "Up 5 minutes"}
	e.containers.kills = []container.Kill{
		{ID: "a1b2c3", Killed: true},
		{ID: "d4e5f6", Killed: true},
		{ID: "778899", Error: "No such container"},
	}

	rec := e.do(t, http.MethodGet, "/v1/containers/active", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "infer_abc123") {
		t.Errorf("active = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"active":true`) {
		t.Errorf("active body = %s", rec.Body.String())
	}

	rec = e.do(t, http.MethodDelete, "/v1/containers", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"killed":2`) {
		t.Errorf("kill = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "No such container") {
		t.Errorf("kill body missing per-container outcomes: %s", rec.Body.String())
	}
}

func TestGetActiveContainer_NoneRunning(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	rec := e.do(t, http.MethodGet, "/v1/containers/active", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active":false`) {
		t.Errorf("active = %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetContainerLogs(t *testing.T) {
	t.Parallel()
	e := newEnv("")
	e.containers.logs = "step 3/35\n"

	rec := e.do(t, http.MethodGet, "/v1/containers/logs?tail=50", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "step 3/35") {
		t.Errorf("logs = %d %s", rec.Code, rec.Body.String())
	}

	e.containers.logs = ""
	e.containers.logsErr = apperrors.NotFound("running container for image", "cosmos-engine:latest")
	if rec := e.do(t, http.MethodGet, "/v1/containers/logs", ""); rec.Code != http.StatusNotFound {
		t.Errorf("logs with nothing running = %d, want 404", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	e := newEnv("secret-key")

	rec := e.do(t, http.MethodGet, "/v1/jobs", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no auth = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid key = %d, want 200", w.Code)
	}

	// Probes stay open without credentials.
	if rec := e.do(t, http.MethodGet, "/livez", ""); rec.Code != http.StatusOK {
		t.Errorf("livez = %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	if rec := e.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("connected readyz = %d", rec.Code)
	}

	e.conn.connected = false
	if rec := e.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected readyz = %d, want 503", rec.Code)
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()
	e := newEnv("")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("form post = %d, want 415", rec.Code)
	}
}
