package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tandem/internal/auth"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/supervisor"
	"github.com/loykin/tandem/internal/update"
)

type fakeServices struct {
	mu      sync.Mutex
	running map[string]bool
	startFn func(name string) error
	lastCtx context.Context
}

func newFake() *fakeServices {
	return &fakeServices{running: map[string]bool{}}
}

func (f *fakeServices) Order() []string { return []string{"backend", "client"} }

func (f *fakeServices) Start(ctx context.Context, name string) (pidstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCtx = ctx
	if f.startFn != nil {
		if err := f.startFn(name); err != nil {
			return pidstore.Record{}, err
		}
	}
	f.running[name] = true
	return pidstore.Record{Service: name, PID: 4242, StartedAt: time.Unix(1700000000, 0).UTC(), State: pidstore.StateRunning}, nil
}

func (f *fakeServices) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = false
	return nil
}

func (f *fakeServices) Restart(ctx context.Context, name string) (pidstore.Record, error) {
	_ = f.Stop(ctx, name)
	return f.Start(ctx, name)
}

func (f *fakeServices) Status(_ context.Context, name string) (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := supervisor.Status{Name: name, State: supervisor.StateStopped}
	if f.running[name] {
		st.State = supervisor.StateRunning
		st.PID = 4242
	}
	return st, nil
}

func (f *fakeServices) StatusAll(ctx context.Context) ([]supervisor.Status, error) {
	var out []supervisor.Status
	for _, n := range f.Order() {
		st, _ := f.Status(ctx, n)
		out = append(out, st)
	}
	return out, nil
}

type fakeUpdater struct {
	err error
}

func (u *fakeUpdater) Run(context.Context) (update.Result, error) {
	phase := update.PhaseCommitted
	if u.err != nil {
		phase = update.PhaseDegraded
	}
	return update.Result{ID: "u-1", Phase: phase}, u.err
}

func (u *fakeUpdater) Phase() update.Phase { return update.PhaseIdle }

func setupRouter(t *testing.T, base string, svc Services, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(svc, base, opts).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestStartStopStatus(t *testing.T) {
	svc := newFake()
	h := setupRouter(t, "/api", svc, Options{})

	rec := doReq(t, h, http.MethodPost, "/api/services/backend/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[pidstore.Record](t, rec.Body)
	if got.PID != 4242 || got.State != pidstore.StateRunning {
		t.Fatalf("unexpected record: %+v", got)
	}
	if svc.lastCtx == nil || svc.lastCtx.Done() != nil {
		t.Fatal("start must run on a context detached from the request")
	}

	rec = doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	sts := decode[[]supervisor.Status](t, rec.Body)
	if len(sts) != 2 || sts[0].State != supervisor.StateRunning || sts[1].State != supervisor.StateStopped {
		t.Fatalf("unexpected statuses: %+v", sts)
	}

	rec = doReq(t, h, http.MethodPost, "/api/services/backend/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/api/status/backend", nil)
	st := decode[supervisor.Status](t, rec.Body)
	if st.State != supervisor.StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}
}

func TestUnknownAndInvalidService(t *testing.T) {
	h := setupRouter(t, "", newFake(), Options{})
	if rec := doReq(t, h, http.MethodPost, "/services/worker/start", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/status/..", nil); rec.Code == http.StatusOK {
		t.Fatalf("traversal name must be rejected, got %d", rec.Code)
	}
}

func TestFailureKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
		exit int
	}{
		{failure.Errorf(failure.KindDependencyNotReady, "client", "start", "backend down"), http.StatusFailedDependency, failure.ExitFailure},
		{failure.Errorf(failure.KindBusy, "backend", "lock", "held"), http.StatusConflict, failure.ExitFailure},
		{failure.Errorf(failure.KindStartupCrashed, "backend", "start", "exit status 1"), http.StatusInternalServerError, failure.ExitFailure},
	}
	for _, tc := range cases {
		t.Run(string(failure.KindOf(tc.err)), func(t *testing.T) {
			svc := newFake()
			svc.startFn = func(string) error { return tc.err }
			h := setupRouter(t, "", svc, Options{})
			rec := doReq(t, h, http.MethodPost, "/services/client/start", nil)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			resp := decode[errorResp](t, rec.Body)
			if resp.Kind != failure.KindOf(tc.err) || resp.ExitCode != tc.exit {
				t.Fatalf("unexpected body: %+v", resp)
			}
		})
	}
}

func TestUpdateEndpoint(t *testing.T) {
	h := setupRouter(t, "", newFake(), Options{})
	if rec := doReq(t, h, http.MethodPost, "/update", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without updater, got %d", rec.Code)
	}

	h = setupRouter(t, "", newFake(), Options{Updater: &fakeUpdater{}})
	rec := doReq(t, h, http.MethodPost, "/update", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[updateResp](t, rec.Body); resp.Result.Phase != update.PhaseCommitted || resp.ExitCode != 0 {
		t.Fatalf("unexpected: %+v", resp)
	}

	rbErr := failure.Errorf(failure.KindRollbackFailed, "", "rolling_back", "start: boom")
	h = setupRouter(t, "", newFake(), Options{Updater: &fakeUpdater{err: rbErr}})
	rec = doReq(t, h, http.MethodPost, "/update", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp := decode[updateResp](t, rec.Body); resp.ExitCode != failure.ExitRollbackFailed || resp.Kind != failure.KindRollbackFailed {
		t.Fatalf("unexpected: %+v", resp)
	}
}

func TestUpdatePhaseReportsDegradedMarker(t *testing.T) {
	dir := t.TempDir()
	if err := update.WriteMarker(dir, update.Degraded{UpdateID: "u-9", Cause: "boom"}); err != nil {
		t.Fatal(err)
	}
	h := setupRouter(t, "", newFake(), Options{Updater: &fakeUpdater{}, StateDir: dir})
	rec := doReq(t, h, http.MethodGet, "/update", nil)
	resp := decode[phaseResp](t, rec.Body)
	if !resp.Enabled || resp.Degraded == nil || resp.Degraded.UpdateID != "u-9" {
		t.Fatalf("unexpected: %+v", resp)
	}
}

func TestAuthProtectsRoutes(t *testing.T) {
	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	a, err := auth.New(auth.Config{
		Enabled:   true,
		JWTSecret: "0123456789abcdef0123456789abcdef",
		Users:     []auth.User{{Username: "ops", PasswordHash: hash, Role: auth.RoleOperator}},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := setupRouter(t, "/api", newFake(), Options{Auth: a, Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})})

	if rec := doReq(t, h, http.MethodGet, "/api/status", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec := doReq(t, h, http.MethodPost, "/api/auth/login", func(r *http.Request) { r.SetBasicAuth("ops", "pw") })
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tok := decode[auth.Token](t, rec.Body)
	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok.Value) }

	if rec := doReq(t, h, http.MethodPost, "/api/services/backend/restart", bearer); rec.Code != http.StatusOK {
		t.Fatalf("restart with token: expected 200, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/api/metrics", bearer)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("# metrics")) {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y/ ": "/x/y"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
