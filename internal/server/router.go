package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tandem/internal/auth"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/supervisor"
	"github.com/loykin/tandem/internal/update"
)

// Services is the supervisor surface exposed over HTTP.
type Services interface {
	Order() []string
	Start(ctx context.Context, name string) (pidstore.Record, error)
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) (pidstore.Record, error)
	Status(ctx context.Context, name string) (supervisor.Status, error)
	StatusAll(ctx context.Context) ([]supervisor.Status, error)
}

// Updater runs updates; nil when no update is configured.
type Updater interface {
	Run(ctx context.Context) (update.Result, error)
	Phase() update.Phase
}

// Router provides embeddable HTTP handlers for the supervised services.
// Endpoints, relative to basePath:
//
//	GET  /status                    all services
//	GET  /status/:name              one service
//	POST /services/:name/start
//	POST /services/:name/stop
//	POST /services/:name/restart
//	GET  /update                    current phase and degraded marker
//	POST /update                    run an update and wait for the outcome
//	POST /auth/login                basic auth in, bearer token out
//	GET  /metrics                   when a metrics handler is set
type Router struct {
	svc      Services
	upd      Updater
	auth     *auth.Authenticator
	metrics  http.Handler
	stateDir string
	basePath string
}

// Options for NewRouter. Zero values disable the optional parts.
type Options struct {
	Updater  Updater
	Auth     *auth.Authenticator
	Metrics  http.Handler
	StateDir string // where the degraded marker lives
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/update, ...
func NewRouter(svc Services, basePath string, opts Options) *Router {
	a := opts.Auth
	if a == nil {
		a, _ = auth.New(auth.Config{})
	}
	return &Router{
		svc:      svc,
		upd:      opts.Updater,
		auth:     a,
		metrics:  opts.Metrics,
		stateDir: opts.StateDir,
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	view := r.auth.GinAuth(auth.RoleViewer)
	operate := r.auth.GinAuth(auth.RoleOperator)

	group.GET("/status", view, r.handleStatusAll)
	group.GET("/status/:name", view, r.handleStatus)
	group.POST("/services/:name/start", operate, r.handleStart)
	group.POST("/services/:name/stop", operate, r.handleStop)
	group.POST("/services/:name/restart", operate, r.handleRestart)
	group.GET("/update", view, r.handleUpdatePhase)
	group.POST("/update", operate, r.handleUpdate)
	if r.auth.Enabled() {
		group.POST("/auth/login", r.handleLogin)
	}
	if r.metrics != nil {
		group.GET("/metrics", view, gin.WrapH(r.metrics))
	}
}

// --- Handlers ---

type errorResp struct {
	Error    string       `json:"error"`
	Kind     failure.Kind `json:"kind,omitempty"`
	ExitCode int          `json:"exit_code"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// serviceName validates the :name parameter; false means a response was written.
func (r *Router) serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name", Kind: failure.KindConfiguration, ExitCode: failure.ExitConfiguration})
		return "", false
	}
	if !slices.Contains(r.svc.Order(), name) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name, Kind: failure.KindConfiguration, ExitCode: failure.ExitConfiguration})
		return "", false
	}
	return name, true
}

func (r *Router) handleStatusAll(c *gin.Context) {
	sts, err := r.svc.StatusAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	st, err := r.svc.Status(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	rec, err := r.svc.Start(detach(c), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	if err := r.svc.Stop(detach(c), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	rec, err := r.svc.Restart(detach(c), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

type phaseResp struct {
	Enabled  bool             `json:"enabled"`
	Phase    update.Phase     `json:"phase"`
	Degraded *update.Degraded `json:"degraded,omitempty"`
}

func (r *Router) handleUpdatePhase(c *gin.Context) {
	resp := phaseResp{Phase: update.PhaseIdle}
	if r.upd != nil {
		resp.Enabled = true
		resp.Phase = r.upd.Phase()
	}
	if r.stateDir != "" {
		d, ok, err := update.ReadMarker(r.stateDir)
		if err != nil {
			writeError(c, err)
			return
		}
		if ok {
			resp.Degraded = &d
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

type updateResp struct {
	Result   update.Result `json:"result"`
	Kind     failure.Kind  `json:"kind,omitempty"`
	ExitCode int           `json:"exit_code"`
}

func (r *Router) handleUpdate(c *gin.Context) {
	if r.upd == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "no update source configured", Kind: failure.KindConfiguration, ExitCode: failure.ExitConfiguration})
		return
	}
	// A dropped connection must not turn into a rollback.
	res, err := r.upd.Run(detach(c))
	resp := updateResp{Result: res, Kind: failure.KindOf(err), ExitCode: failure.ExitCode(err)}
	if err != nil {
		writeJSON(c, statusFor(err), resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLogin(c *gin.Context) {
	user, pass, ok := c.Request.BasicAuth()
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="tandem"`)
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "basic credentials required", ExitCode: failure.ExitFailure})
		return
	}
	p, err := r.auth.Login(user, pass)
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error(), ExitCode: failure.ExitFailure})
		return
	}
	tok, err := r.auth.Issue(p)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tok)
}

// detach keeps lifecycle operations running when the client goes away.
func detach(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, failure.Configuration):
		return http.StatusBadRequest
	case errors.Is(err, failure.Busy):
		return http.StatusConflict
	case errors.Is(err, failure.Interrupted):
		return http.StatusServiceUnavailable
	case errors.Is(err, failure.DependencyNotReady), errors.Is(err, failure.StartupTimeout):
		return http.StatusFailedDependency
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error(), Kind: failure.KindOf(err), ExitCode: failure.ExitCode(err)})
}

// NewServer wraps h in an http.Server. Writes are not time-bounded because an
// update request waits for the whole run.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully. TLS is used
// when srv.TLSConfig is set.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
