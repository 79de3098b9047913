package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLifecycle struct {
	swept   int
	purged  int
	expired map[string]bool
	err     error
	calls   []string
}

func (f *fakeLifecycle) SweepExpired(ctx context.Context) (int, error) {
	f.calls = append(f.calls, "sweep")
	return f.swept, f.err
}

func (f *fakeLifecycle) PurgeInactive(ctx context.Context) (int, error) {
	f.calls = append(f.calls, "purge")
	return f.purged, f.err
}

func (f *fakeLifecycle) ExpireSession(ctx context.Context, wizardID string) (bool, error) {
	f.calls = append(f.calls, "expire:"+wizardID)
	return f.expired[wizardID], f.err
}

func newTestServer(lc Lifecycle) *JobServer {
	return &JobServer{lifecycle: lc, log: zap.NewNop()}
}

func TestHandleSweepAndPurge(t *testing.T) {
	lc := &fakeLifecycle{swept: 3, purged: 1}
	js := newTestServer(lc)

	require.NoError(t, js.HandleSweep(context.Background(), asynq.NewTask(TypeSweep, nil)))
	require.NoError(t, js.HandlePurge(context.Background(), asynq.NewTask(TypePurge, nil)))
	assert.Equal(t, []string{"sweep", "purge"}, lc.calls)
}

func TestHandleExpire(t *testing.T) {
	lc := &fakeLifecycle{expired: map[string]bool{"w-1": true}}
	js := newTestServer(lc)

	require.NoError(t, js.HandleExpire(context.Background(), asynq.NewTask(TypeExpire, []byte("w-1"))))
	// an extended session reports false and is not an error
	require.NoError(t, js.HandleExpire(context.Background(), asynq.NewTask(TypeExpire, []byte("w-2"))))
	assert.Equal(t, []string{"expire:w-1", "expire:w-2"}, lc.calls)
}

func TestHandlersWrapErrors(t *testing.T) {
	boom := errors.New("store down")
	js := newTestServer(&fakeLifecycle{err: boom})

	err := js.HandleSweep(context.Background(), asynq.NewTask(TypeSweep, nil))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "sweep")

	err = js.HandlePurge(context.Background(), asynq.NewTask(TypePurge, nil))
	assert.ErrorIs(t, err, boom)

	err = js.HandleExpire(context.Background(), asynq.NewTask(TypeExpire, []byte("w-1")))
	assert.ErrorIs(t, err, boom)
}
