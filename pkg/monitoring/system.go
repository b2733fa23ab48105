package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Resources is a best-effort view of host load. Fields are -1 when unknown.
type Resources struct {
	CPUPercent    int `json:"cpu_usage"`
	MemoryPercent int `json:"memory_usage"`
}

// SystemReader reads host-wide figures from a procfs mount.
type SystemReader struct {
	root string
	cpus int
}

func NewSystemReader(root string) *SystemReader {
	if root == "" {
		root = "/proc"
	}
	return &SystemReader{root: root, cpus: runtime.NumCPU()}
}

// Uptime renders host uptime as "<h>h <m>m", or "unknown".
func (s *SystemReader) Uptime() string {
	data, err := os.ReadFile(filepath.Join(s.root, "uptime"))
	if err != nil {
		return "unknown"
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "unknown"
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || secs < 0 {
		return "unknown"
	}
	d := time.Duration(secs * float64(time.Second))
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// Resources returns nil when neither figure can be read.
func (s *SystemReader) Resources() *Resources {
	r := &Resources{CPUPercent: s.cpuPercent(), MemoryPercent: s.memoryPercent()}
	if r.CPUPercent < 0 && r.MemoryPercent < 0 {
		return nil
	}
	return r
}

func (s *SystemReader) memoryPercent() int {
	data, err := os.ReadFile(filepath.Join(s.root, "meminfo"))
	if err != nil {
		return -1
	}
	var totalKB, availKB int64 = 0, -1
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB <= 0 || availKB < 0 {
		return -1
	}
	return clampPercent(int((totalKB - availKB) * 100 / totalKB))
}

// cpuPercent approximates utilisation from the 1-minute load average.
func (s *SystemReader) cpuPercent() int {
	data, err := os.ReadFile(filepath.Join(s.root, "loadavg"))
	if err != nil {
		return -1
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return -1
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return -1
	}
	cpus := s.cpus
	if cpus < 1 {
		cpus = 1
	}
	return clampPercent(int(load / float64(cpus) * 100))
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
