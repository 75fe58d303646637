package telemetry

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// HostStats describes the control-plane host itself.
type HostStats struct {
	CPUPercent  float64   `json:"cpuPercent"`
	MemPercent  float64   `json:"memPercent"`
	DiskPercent float64   `json:"diskPercent"`
	NetRxBps    float64   `json:"netRxBps"`
	NetTxBps    float64   `json:"netTxBps"`
	SampledAt   time.Time `json:"sampledAt"`
}

// HostSampler reads /proc. CPU and network rates are deltas against the
// previous call, so the first call reports zero rates instead of sleeping.
type HostSampler struct {
	procRoot string
	diskPath string

	mu       sync.Mutex
	prevAt   time.Time
	cpuTotal uint64
	cpuIdle  uint64
	netRx    uint64
	netTx    uint64
}

// NewHostSampler prefers a host /proc mounted at /host/proc, falling back to
// the container's own.
func NewHostSampler() *HostSampler {
	root := "/host/proc"
	if _, err := os.Stat(filepath.Join(root, "stat")); err != nil {
		root = "/proc"
	}
	return NewHostSamplerAt(root, "/")
}

func NewHostSamplerAt(procRoot, diskPath string) *HostSampler {
	return &HostSampler{procRoot: procRoot, diskPath: diskPath}
}

func (h *HostSampler) Sample(now time.Time) HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := HostStats{
		MemPercent:  h.memPercent(),
		DiskPercent: diskPercent(h.diskPath),
		SampledAt:   now,
	}

	total, idle := readCPUStat(filepath.Join(h.procRoot, "stat"))
	rx, tx := readNetDev(filepath.Join(h.procRoot, "net", "dev"))

	if !h.prevAt.IsZero() {
		if total > h.cpuTotal && idle >= h.cpuIdle && idle-h.cpuIdle <= total-h.cpuTotal {
			totalDelta := total - h.cpuTotal
			idleDelta := idle - h.cpuIdle
			stats.CPUPercent = roundToOneDecimal(float64(totalDelta-idleDelta) / float64(totalDelta) * 100)
		}
		if elapsed := now.Sub(h.prevAt).Seconds(); elapsed > 0 {
			if rx >= h.netRx {
				stats.NetRxBps = roundToOneDecimal(float64(rx-h.netRx) * 8 / elapsed)
			}
			if tx >= h.netTx {
				stats.NetTxBps = roundToOneDecimal(float64(tx-h.netTx) * 8 / elapsed)
			}
		}
	}

	h.prevAt = now
	h.cpuTotal, h.cpuIdle = total, idle
	h.netRx, h.netTx = rx, tx
	return stats
}

// readCPUStat returns total and idle jiffies from the aggregate cpu line
func readCPUStat(path string) (total, idle uint64) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0, 0
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0
	}

	// user, nice, system, idle, iowait, irq, softirq, steal
	for i, f := range fields[1:] {
		if i >= 8 {
			break
		}
		v, _ := strconv.ParseUint(f, 10, 64)
		total += v
		if i == 3 || i == 4 {
			idle += v
		}
	}
	return total, idle
}

func (h *HostSampler) memPercent() float64 {
	file, err := os.Open(filepath.Join(h.procRoot, "meminfo"))
	if err != nil {
		return 0
	}
	defer file.Close()

	var memTotal, memAvailable uint64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			memTotal = value
		case "MemAvailable:":
			memAvailable = value
		}
		if memTotal > 0 && memAvailable > 0 {
			break
		}
	}

	if memTotal == 0 || memAvailable > memTotal {
		return 0
	}
	return roundToOneDecimal(float64(memTotal-memAvailable) / float64(memTotal) * 100)
}

// readNetDev sums received and transmitted bytes over every interface but lo
func readNetDev(path string) (rx, tx uint64) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:colon])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[colon+1:])
		if len(fields) < 9 {
			continue
		}
		r, _ := strconv.ParseUint(fields[0], 10, 64)
		t, _ := strconv.ParseUint(fields[8], 10, 64)
		rx += r
		tx += t
	}
	return rx, tx
}

func diskPercent(path string) float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	return roundToOneDecimal(float64(total-free) / float64(total) * 100)
}

func roundToOneDecimal(val float64) float64 {
	return float64(int(val*10+0.5)) / 10
}
