package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freva-org/freva-rest/internal/common"
)

func TestPoolRunsEveryJob(t *testing.T) {
	pool := NewPool(3, common.GetLogger())
	pool.Start()

	var done atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(context.Context) error {
			done.Add(1)
			return nil
		}))
	}
	pool.Wait()

	assert.Equal(t, int64(20), done.Load())
	assert.Empty(t, pool.Errors())
}

func TestPoolCollectsErrors(t *testing.T) {
	pool := NewPool(2, common.GetLogger())
	pool.Start()

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		fail := i%2 == 0
		require.NoError(t, pool.Submit(func(context.Context) error {
			if fail {
				return boom
			}
			return nil
		}))
	}
	pool.Wait()

	assert.Len(t, pool.Errors(), 3)
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	pool := NewPool(1, common.GetLogger())
	pool.Start()
	pool.Shutdown()

	err := pool.Submit(func(context.Context) error { return nil })
	assert.Error(t, err)
}
