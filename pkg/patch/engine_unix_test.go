//go:build !windows

package patch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Separate engines share no in-memory locks, just like two CLI processes.
func TestEngine_SeparateEnginesDoNotLoseUpdates(t *testing.T) {
	f := newFixture(t, 0)
	other := NewEngine(f.cfg, logging.NewNopLogger())

	for i := 0; i < 50; i++ {
		f.write(t, config.ArtifactWindowsIngest, vectorToml)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			report := f.engine.Apply(context.Background(), []byte(`{"collection": {"windowsPort": 9001}}`))
			assert.True(t, report.Success)
		}()
		go func() {
			defer wg.Done()
			report := other.Apply(context.Background(), []byte(`{"forwarding": {"destinations": [{"host": "10.9.9.9", "port": 2000}]}}`))
			assert.True(t, report.Success)
		}()
		wg.Wait()

		vector := f.read(t, config.ArtifactWindowsIngest)
		require.Contains(t, vector, `address = "0.0.0.0:9001"`, "iteration %d", i)
		require.Contains(t, vector, `address = "10.9.9.9:2000"`, "iteration %d", i)
	}

	_, err := os.Stat(f.path(config.ArtifactWindowsIngest) + lockSuffix)
	assert.NoError(t, err)
}

func TestLockFile_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fluent-bit.conf")

	unlock, err := lockFile(path)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := lockFile(path)
		if err == nil {
			second()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(100 * time.Millisecond):
	}
	unlock()
	<-acquired
}
