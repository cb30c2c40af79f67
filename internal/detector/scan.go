package detector

import (
	"context"
	"os"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ScanDetector finds processes whose command line contains Signature. It is a
// best-effort fallback for when no pid record exists and can match unrelated
// processes with a similar command line; callers must label its results.
type ScanDetector struct {
	Signature string
}

// Find returns the pids whose command line contains the signature, lowest
// first. The calling process is never included.
func (d ScanDetector) Find(ctx context.Context) ([]int, error) {
	sig := strings.TrimSpace(d.Signature)
	if sig == "" {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var pids []int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, sig) {
			continue
		}
		if !PIDAlive(int(p.Pid)) {
			continue
		}
		pids = append(pids, int(p.Pid))
	}
	sort.Ints(pids)
	return pids, nil
}

func (d ScanDetector) Describe() string { return "scan:" + d.Signature }
