package processstate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
)

// ProcLister scans a procfs mount. Entries that vanish or cannot be read
// during the scan are skipped; only an unreadable root fails the scan.
type ProcLister struct {
	root   string
	logger logging.Logger
}

func NewProcLister(root string, logger logging.Logger) *ProcLister {
	if root == "" {
		root = "/proc"
	}
	return &ProcLister{root: root, logger: logger}
}

func (l *ProcLister) List(ctx context.Context) ([]Process, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, errors.NewProbeError("failed to read process table", err).WithContext("root", l.root)
	}

	procs := make([]Process, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewTimeoutError("process scan interrupted", err)
		}
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}

		p, ok := l.readProcess(pid)
		if !ok {
			skipped++
			continue
		}
		procs = append(procs, p)
	}

	l.logger.Debugf("Process table scanned, root: %s, processes: %d, skipped: %d", l.root, len(procs), skipped)
	return procs, nil
}

func (l *ProcLister) readProcess(pid int) (Process, bool) {
	dir := filepath.Join(l.root, strconv.Itoa(pid))

	comm, commErr := os.ReadFile(filepath.Join(dir, "comm"))
	cmdline, cmdErr := os.ReadFile(filepath.Join(dir, "cmdline"))
	if commErr != nil && cmdErr != nil {
		// exited between ReadDir and here, or not ours to read
		return Process{}, false
	}

	return Process{
		PID:     pid,
		Name:    strings.TrimSpace(string(comm)),
		Cmdline: strings.TrimSpace(string(bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '}))),
	}, true
}
