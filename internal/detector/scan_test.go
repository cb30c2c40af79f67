package detector

import (
	"context"
	"os/exec"
	"strconv"
	"testing"
	"time"
)

func TestScanDetectorFindsSignature(t *testing.T) {
	requireUnix(t)
	if testing.Short() {
		t.Skip("process scan in short mode")
	}
	marker := "tandem-scan-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	cmd := exec.Command("sh", "-c", "sleep 30 # "+marker)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	d := ScanDetector{Signature: marker}
	deadline := time.Now().Add(2 * time.Second)
	for {
		pids, err := d.Find(context.Background())
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		for _, p := range pids {
			if p == cmd.Process.Pid {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("pid %d not found among %v", cmd.Process.Pid, pids)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestScanDetectorEmptySignature(t *testing.T) {
	pids, err := ScanDetector{}.Find(context.Background())
	if err != nil || len(pids) != 0 {
		t.Fatalf("pids=%v err=%v", pids, err)
	}
	if got := (ScanDetector{Signature: "x"}).Describe(); got != "scan:x" {
		t.Fatalf("describe: %q", got)
	}
}
