//go:build linux

package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/state"
	"github.com/jsturma/joblet/pkg/storage"
	"github.com/jsturma/joblet/pkg/types"
)

func TestRestoreReopensJobLogs(t *testing.T) {
	dir := t.TempDir()
	records, err := storage.NewRecords(dir)
	require.NoError(t, err)

	now := time.Now()
	rc := 0
	job := &types.Job{
		ID: "restored", Sequence: 7, Command: "echo",
		Status: types.StatusCompleted, CreatedAt: now, EndedAt: &now, ExitCode: &rc,
	}
	require.NoError(t, records.SaveJob(job))

	bus, err := logbus.NewBus(dir, 16, 8)
	require.NoError(t, err)
	t.Cleanup(bus.Stop)

	st := state.NewMachine(records)
	t.Cleanup(st.Close)

	e := &Engine{
		records: records,
		state:   st,
		bus:     bus,
		logger:  log.WithComponent("engine"),
	}
	require.NoError(t, e.restore())

	got, err := e.state.Get("restored")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)

	// the surviving log file must be streamable after a restart
	sub, err := bus.Subscribe("restored", 0)
	require.NoError(t, err)
	sub.Cancel()
}
