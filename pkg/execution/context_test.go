package execution_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/browser-relay/pkg/driver/memdriver"
	"github.com/morezero/browser-relay/pkg/execution"
)

// countingDriver wraps memdriver to observe which contract calls the context makes.
type countingDriver struct {
	*memdriver.Driver
	resolves   int
	aliveCalls int
	resolveErr error
}

func (c *countingDriver) ResolveCurrentTarget(ctx context.Context) (*execution.Target, error) {
	c.resolves++
	if c.resolveErr != nil {
		return nil, c.resolveErr
	}
	return c.Driver.ResolveCurrentTarget(ctx)
}

func (c *countingDriver) IsAlive(ctx context.Context, t execution.Target) bool {
	c.aliveCalls++
	return c.Driver.IsAlive(ctx, t)
}

func TestContext_NoActiveTarget(t *testing.T) {
	ec := execution.NewContext(memdriver.New())

	_, err := ec.Current(context.Background())
	assert.ErrorIs(t, err, execution.ErrNoActiveTarget)

	_, _, err = ec.Reload(context.Background())
	assert.ErrorIs(t, err, execution.ErrNoActiveTarget)

	state, id := ec.State()
	assert.Equal(t, execution.StateNoTarget, state)
	assert.Empty(t, id)
}

func TestContext_ReusesBoundTarget(t *testing.T) {
	drv := &countingDriver{Driver: memdriver.New()}
	_, err := drv.Open("https://a.test/")
	require.NoError(t, err)
	ec := execution.NewContext(drv)
	ctx := context.Background()

	first, err := ec.Current(ctx)
	require.NoError(t, err)
	second, err := ec.Current(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, drv.resolves, "a live bound target is not re-resolved")
	assert.Equal(t, 1, drv.aliveCalls)

	state, id := ec.State()
	assert.Equal(t, execution.StateBound, state)
	assert.Equal(t, first.ID, id)
}

func TestContext_RecoversFromClosedTarget(t *testing.T) {
	drv := memdriver.New()
	other, err := drv.Open("https://other.test/")
	require.NoError(t, err)
	ec := execution.NewContext(drv)
	ctx := context.Background()

	opened, err := ec.Open(ctx, "https://new.test/")
	require.NoError(t, err)
	drv.Close(opened.ID)

	_, v, err := ec.Perform(ctx, execution.Action{Kind: execution.ActionPageInfo})
	require.NoError(t, err, "stale handle is re-resolved instead of failing")
	assert.Equal(t, "https://other.test/", v.(execution.PageInfo).URL)

	_, id := ec.State()
	assert.Equal(t, other, id)
}

func TestContext_ClosedTargetWithNoFallback(t *testing.T) {
	drv := memdriver.New()
	ec := execution.NewContext(drv)
	opened, err := ec.Open(context.Background(), "https://only.test/")
	require.NoError(t, err)
	drv.Close(opened.ID)

	_, _, err = ec.Perform(context.Background(), execution.Action{Kind: execution.ActionPageInfo})
	assert.ErrorIs(t, err, execution.ErrNoActiveTarget)
}

func TestContext_OpenBindsNewTarget(t *testing.T) {
	drv := memdriver.New()
	firstID, err := drv.Open("https://first.test/")
	require.NoError(t, err)
	ec := execution.NewContext(drv)
	ctx := context.Background()

	opened, err := ec.Open(ctx, "https://second.test/")
	require.NoError(t, err)
	// The user focusing another tab does not steal the binding while it is alive.
	require.True(t, drv.Activate(firstID))

	cur, err := ec.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, opened, cur)
}

func TestContext_ResolveError(t *testing.T) {
	drv := &countingDriver{Driver: memdriver.New(), resolveErr: errors.New("cdp gone")}
	ec := execution.NewContext(drv)
	_, err := ec.Current(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "cdp gone")
	assert.NotErrorIs(t, err, execution.ErrNoActiveTarget)
}

func TestContext_ReloadBoundTarget(t *testing.T) {
	drv := memdriver.New()
	ec := execution.NewContext(drv)
	opened, err := ec.Open(context.Background(), "https://r.test/")
	require.NoError(t, err)

	target, info, err := ec.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, opened, target)
	assert.Equal(t, "https://r.test/", info.URL)

	snap, _ := drv.Snapshot(opened.ID)
	assert.Equal(t, 1, snap.Reloads)
}
