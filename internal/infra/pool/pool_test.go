package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdered_DeliversInOrder(t *testing.T) {
	const n = 30
	var got []int
	err := Ordered(context.Background(), n, 6, 1,
		func(ctx context.Context, pos int, rng *rand.Rand) (int, error) {
			// 位置越小越慢，迫使结果乱序完成。
			time.Sleep(time.Duration(n-pos) * 200 * time.Microsecond)
			return pos * 10, nil
		},
		func(pos int, v int, err error) error {
			require.NoError(t, err)
			assert.Equal(t, pos*10, v)
			got = append(got, pos)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, p := range got {
		assert.Equal(t, i, p)
	}
}

func TestOrdered_RngPerWorker(t *testing.T) {
	var mu sync.Mutex
	seen := map[*rand.Rand]int{}
	err := Ordered(context.Background(), 40, 4, 7,
		func(ctx context.Context, pos int, rng *rand.Rand) (struct{}, error) {
			mu.Lock()
			seen[rng]++
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return struct{}{}, nil
		},
		func(int, struct{}, error) error { return nil })
	require.NoError(t, err)
	assert.LessOrEqual(t, len(seen), 4)
	total := 0
	for _, c := range seen {
		total += c
	}
	assert.Equal(t, 40, total)
}

func TestOrdered_SingleWorkerDeterministic(t *testing.T) {
	run := func() []int {
		var out []int
		_ = Ordered(context.Background(), 10, 1, 42,
			func(ctx context.Context, pos int, rng *rand.Rand) (int, error) { return rng.Intn(1000), nil },
			func(pos int, v int, err error) error { out = append(out, v); return nil })
		return out
	}
	assert.Equal(t, run(), run())
}

func TestOrdered_EmitErrorStops(t *testing.T) {
	var calls atomic.Int32
	stop := errors.New("stop")
	err := Ordered(context.Background(), 1000, 2, 0,
		func(ctx context.Context, pos int, rng *rand.Rand) (int, error) {
			calls.Add(1)
			time.Sleep(time.Millisecond)
			return pos, nil
		},
		func(pos int, v int, err error) error {
			if pos == 5 {
				return stop
			}
			return nil
		})
	assert.ErrorIs(t, err, stop)
	assert.Less(t, int(calls.Load()), 1000)
}

func TestOrdered_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Ordered(ctx, 1000, 3, 0,
		func(ctx context.Context, pos int, rng *rand.Rand) (int, error) {
			time.Sleep(time.Millisecond)
			return pos, nil
		},
		func(pos int, v int, err error) error {
			if pos == 3 {
				cancel()
			}
			return nil
		})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrdered_Empty(t *testing.T) {
	err := Ordered(context.Background(), 0, 4, 0,
		func(ctx context.Context, pos int, rng *rand.Rand) (int, error) {
			t.Fatal("不应被调用")
			return 0, nil
		},
		func(int, int, error) error {
			t.Fatal("不应被调用")
			return nil
		})
	require.NoError(t, err)
}
