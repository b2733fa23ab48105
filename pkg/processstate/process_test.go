package processstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProc(t *testing.T, root, pid, comm, cmdline string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if comm != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0644))
	}
	if cmdline != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0644))
	}
}

func TestProcLister_List(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "1", "init", "/sbin/init\x00")
	writeProc(t, root, "42", "fluent-bit", "/usr/bin/fluent-bit\x00-c\x00/etc/fluent-bit.conf\x00")
	writeProc(t, root, "77", "", "") // vanished: directory without readable files
	writeProc(t, root, "self", "bash", "bash")
	require.NoError(t, os.WriteFile(filepath.Join(root, "uptime"), []byte("1 1"), 0644))

	lister := NewProcLister(root, logging.NewNopLogger())
	procs, err := lister.List(context.Background())
	require.NoError(t, err)

	require.Len(t, procs, 2)
	byPID := map[int]Process{}
	for _, p := range procs {
		byPID[p.PID] = p
	}
	assert.Equal(t, "init", byPID[1].Name)
	assert.Equal(t, "/usr/bin/fluent-bit -c /etc/fluent-bit.conf", byPID[42].Cmdline)
}

func TestProcLister_UnreadableRoot(t *testing.T) {
	lister := NewProcLister(filepath.Join(t.TempDir(), "absent"), logging.NewNopLogger())

	_, err := lister.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProbeError(err))
}

func TestProcLister_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "9", "vector", "vector")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewProcLister(root, logging.NewNopLogger()).List(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
}

func TestMatches(t *testing.T) {
	procs := []Process{
		{PID: 10, Name: "nginx", Cmdline: "nginx: master process /usr/sbin/nginx"},
		{PID: 11, Name: "vector", Cmdline: "/usr/bin/vector --config /etc/vector.toml"},
		{PID: 12, Name: "goflow2", Cmdline: "goflow2 -listen netflow://:2055"},
	}

	tests := []struct {
		token    string
		expected bool
	}{
		{"nginx", true},
		{"VECTOR", true},
		{"vector.toml", true},
		{"goflow2", true},
		{"telegraf", false},
		{"  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.Equal(t, tt.expected, Matches(procs, tt.token))
		})
	}

	assert.False(t, Matches(nil, "nginx"))
}

func TestListerFunc(t *testing.T) {
	lister := ListerFunc(func(ctx context.Context) ([]Process, error) {
		return []Process{{PID: 5, Name: "telegraf"}}, nil
	})

	procs, err := lister.List(context.Background())
	require.NoError(t, err)
	assert.True(t, Matches(procs, "telegraf"))
}
