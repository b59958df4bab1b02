package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/demoforge/demoforge/transport"
)

type fakeDeleter struct {
	calls    []string
	FailFunc func(id string) error
}

func (f *fakeDeleter) Delete(_ context.Context, objectType string, ids []string) []transport.Outcome {
	f.calls = append(f.calls, objectType)
	outcomes := make([]transport.Outcome, len(ids))
	for i, id := range ids {
		outcomes[i] = transport.Outcome{RemoteID: id}
		if f.FailFunc != nil {
			outcomes[i].Err = f.FailFunc(id)
		}
	}
	return outcomes
}

func TestCleanupDeletesInReverseDependencyOrder(t *testing.T) {
	deleter := &fakeDeleter{}
	engine := New(logger.NOP, deleter)

	res := engine.Run(context.Background(), map[string][]string{
		"company": {"rem-co-1"},
		"deal":    {"rem-d-1"},
		"contact": {"rem-ct-1", "rem-ct-2"},
	})

	require.Equal(t, []string{"deal", "contact", "company"}, deleter.calls)
	require.Equal(t, 4, res.Success)
	require.Zero(t, res.Failed)
	require.Len(t, res.SuccessIDs, 4)
}

func TestCleanupFailureDoesNotBlockRemainingIDs(t *testing.T) {
	deleter := &fakeDeleter{
		FailFunc: func(id string) error {
			if id == "rem-ct-1" {
				return errors.New("ENTITY_IS_DELETED")
			}
			return nil
		},
	}
	engine := New(logger.NOP, deleter)

	res := engine.Run(context.Background(), map[string][]string{
		"company": {"rem-co-1"},
		"contact": {"rem-ct-1", "rem-ct-2"},
	})

	require.Equal(t, []string{"contact", "company"}, deleter.calls)
	require.Equal(t, 2, res.Success)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{"rem-ct-1"}, res.FailedIDs)
	require.Equal(t, "ENTITY_IS_DELETED", res.Errors["rem-ct-1"])
	require.Contains(t, res.SuccessIDs, "rem-co-1")
}

func TestCleanupSkipsEmptyTypes(t *testing.T) {
	deleter := &fakeDeleter{}
	engine := New(logger.NOP, deleter)

	res := engine.Run(context.Background(), map[string][]string{
		"company": {},
		"contact": {"rem-ct-1"},
	})

	require.Equal(t, []string{"contact"}, deleter.calls)
	require.Equal(t, 1, res.Success)
}

func TestCleanupCooperativeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deleter := &fakeDeleter{}
	engine := New(logger.NOP, deleter)

	res := engine.Run(ctx, map[string][]string{"company": {"rem-co-1"}})

	require.Empty(t, deleter.calls)
	require.Zero(t, res.Success)
	require.Zero(t, res.Failed)
}
