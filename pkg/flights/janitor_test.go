package flights

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/stores"
)

func TestJanitorMarksOrphansBroken(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")
	h.cloudContext("ws-1")
	ghost := h.bucket("ws-1", "ghost")
	finished := h.bucket("ws-1", "finished")
	healthy := h.bucket("ws-1", "healthy")

	won, err := h.store.Claim(h.ctx, stores.ResourceRef("ws-1", ghost),
		[]stores.State{stores.StateReady}, stores.StateDeleting, "run-that-never-existed")
	require.NoError(t, err)
	require.True(t, won)

	done := h.mustSucceed(engine.OperationCreateWorkspace, CreateWorkspaceParams{WorkspaceID: "ws-2", DisplayName: "other", Actor: alice})
	won, err = h.store.Claim(h.ctx, stores.ResourceRef("ws-1", finished),
		[]stores.State{stores.StateReady}, stores.StateUpdating, done.ID)
	require.NoError(t, err)
	require.True(t, won)

	janitor := NewJanitor(h.store, nil, time.Minute)
	marked, err := janitor.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	res, err := h.store.GetResource(h.ctx, "ws-1", ghost)
	require.NoError(t, err)
	assert.Equal(t, stores.StateBroken, res.State)
	assert.Empty(t, res.OwningRunID)
	assert.Contains(t, res.LastError, "missing")

	res, err = h.store.GetResource(h.ctx, "ws-1", finished)
	require.NoError(t, err)
	assert.Equal(t, stores.StateBroken, res.State)
	assert.Contains(t, res.LastError, string(engine.RunStatusSuccess))

	assert.Equal(t, stores.StateReady, h.state(stores.ResourceRef("ws-1", healthy)))
	assert.Equal(t, stores.StateReady, h.state(stores.WorkspaceRef("ws-1")))

	marked, err = janitor.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, marked, "broken rows are not orphans")
}

func TestJanitorLeavesActiveRunsAlone(t *testing.T) {
	h := newHarness(t, nil)
	h.workspace("ws-1")

	// A CREATED run owns the claim; it is still live as far as the janitor knows.
	run := &engine.Run{
		ID:          "live-run",
		Operation:   engine.OperationDeleteWorkspace,
		Params:      mustJSON(DeleteWorkspaceParams{WorkspaceID: "ws-1", Actor: alice}),
		Status:      engine.RunStatusCreated,
		FailedStage: -1,
		Working:     engine.NewWorkingMap(),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	created, err := h.store.CreateRun(h.ctx, run)
	require.NoError(t, err)
	require.True(t, created)

	won, err := h.store.Claim(h.ctx, stores.WorkspaceRef("ws-1"),
		[]stores.State{stores.StateReady}, stores.StateDeleting, "live-run")
	require.NoError(t, err)
	require.True(t, won)

	marked, err := NewJanitor(h.store, nil, time.Minute).RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, marked)
	assert.Equal(t, stores.StateDeleting, h.state(stores.WorkspaceRef("ws-1")))
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(h.ctx)

	done := make(chan struct{})
	go func() {
		NewJanitor(h.store, nil, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
