package detector

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
}

func TestPIDAliveSelf(t *testing.T) {
	requireUnix(t)
	if !PIDAlive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatalf("non-positive pid must not be alive")
	}
}

func TestPIDAliveExitedChild(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()
	if PIDAlive(pid) {
		t.Fatalf("reaped child %d should not be alive", pid)
	}
}

func TestVerifySelf(t *testing.T) {
	requireUnix(t)
	pid := os.Getpid()
	started, ok := ProcStart(pid)
	if !ok {
		t.Skip("start time not available on this platform")
	}
	if got := Verify(pid, started); got != Alive {
		t.Fatalf("verify with matching start: got %v", got)
	}
	if got := Verify(pid, time.Time{}); got != Alive {
		t.Fatalf("verify without start time: got %v", got)
	}
	if got := Verify(pid, started.Add(-time.Hour)); got != Reused {
		t.Fatalf("verify with stale start: got %v", got)
	}
}

func TestVerifyDead(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()
	if got := Verify(pid, time.Now()); got != Dead {
		t.Fatalf("got %v want dead", got)
	}
}

func TestRecordDetector(t *testing.T) {
	requireUnix(t)
	pid := os.Getpid()
	started, ok := ProcStart(pid)
	if !ok {
		t.Skip("start time not available on this platform")
	}
	d := RecordDetector{PID: pid, StartedAt: started}
	if got := d.Verify(); got != Alive {
		t.Fatalf("got %v want alive", got)
	}
	if d.Describe() == "" {
		t.Fatalf("empty description")
	}
	stale := RecordDetector{PID: pid, StartedAt: started.Add(-24 * time.Hour)}
	if got := stale.Verify(); got != Reused {
		t.Fatalf("stale identity: got %v want reused", got)
	}
}

func TestVerdictString(t *testing.T) {
	cases := map[Verdict]string{Alive: "alive", Dead: "dead", Reused: "reused"}
	for v, want := range cases {
		if v.String() != want {
			t.Fatalf("%d: got %q want %q", v, v.String(), want)
		}
	}
}
