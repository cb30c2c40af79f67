package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tandem/internal/process"
)

func launch(t *testing.T, command string) *process.Handle {
	t.Helper()
	h, err := process.Launch(process.Spec{Name: "t", Command: command}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Kill(2 * time.Second) })
	return h
}

func fastChecker() *Checker {
	c := NewChecker()
	c.Interval = 20 * time.Millisecond
	c.InitialBackoff = 10 * time.Millisecond
	c.MaxBackoff = 50 * time.Millisecond
	return c
}

func TestConfirmReady(t *testing.T) {
	h := launch(t, "sleep 5")
	start := time.Now()
	r := fastChecker().Confirm(context.Background(), h, 200*time.Millisecond, Readiness{})
	assert.Equal(t, Ready, r.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConfirmCrashedWithinGrace(t *testing.T) {
	h := launch(t, "sh -c 'sleep 0.1; exit 7'")
	start := time.Now()
	r := fastChecker().Confirm(context.Background(), h, 3*time.Second, Readiness{})
	require.Equal(t, Crashed, r.Outcome)
	require.NotNil(t, r.Exit)
	assert.Equal(t, 7, r.Exit.Code)
	assert.Less(t, time.Since(start), 2*time.Second, "crash must be reported before grace ends")
}

func TestConfirmCancelled(t *testing.T) {
	h := launch(t, "sleep 5")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r := fastChecker().Confirm(ctx, h, 5*time.Second, Readiness{})
	assert.Equal(t, Timeout, r.Outcome)
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
}

func TestConfirmReadinessURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	h := launch(t, "sleep 5")
	r := fastChecker().Confirm(context.Background(), h, 50*time.Millisecond, Readiness{URL: srv.URL, Timeout: 2 * time.Second})
	assert.Equal(t, Ready, r.Outcome)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestConfirmReadinessTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := launch(t, "sleep 5")
	r := fastChecker().Confirm(context.Background(), h, 20*time.Millisecond, Readiness{URL: srv.URL, Timeout: 200 * time.Millisecond})
	assert.Equal(t, Timeout, r.Outcome)
	assert.Error(t, r.Err)
}
