package detector

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// ProcStart returns the OS-reported start time of pid. ok is false when it
// cannot be determined (process gone, permissions, unsupported platform).
func ProcStart(pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	switch runtime.GOOS {
	case "linux":
		return procStartLinux(pid)
	default:
		// Darwin/BSD: gopsutil goes through sysctl.
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return time.Time{}, false
		}
		ms, err := p.CreateTime()
		if err != nil || ms <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	}
}

// procStartLinux reads /proc so no external process is spawned.
func procStartLinux(pid int) (time.Time, bool) {
	// starttime is field 22 of /proc/[pid]/stat, in clock ticks since boot.
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}, false
	}
	line := string(b)
	// comm (field 2) may contain spaces; it ends at the last ") ".
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return time.Time{}, false
	}
	parts := strings.Fields(line[end+2:])
	if len(parts) < 20 {
		return time.Time{}, false
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return time.Time{}, false
	}
	btime := bootTime()
	if btime == 0 {
		return time.Time{}, false
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	sec := startTicks / clk
	nsec := (startTicks % clk) * int64(time.Second) / clk
	return time.Unix(btime+sec, nsec), true
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if strings.HasPrefix(text, "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(text, "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}
