// Package pool 提供保序的并行执行器。
package pool

import (
	"context"
	"math/rand"
	"sync"
)

// Ordered 用 workers 个 goroutine 并行执行 work(pos)，pos ∈ [0, n)，并按 pos 递增顺序把结果交给 emit。
//
// 约束：
// - 每个 worker 独占一个 *rand.Rand（worker i 的种子为 seed+i），不跨 goroutine 共享随机源
// - emit 只在调用方 goroutine 中被串行调用
// - work 的错误原样交给 emit；emit 返回非 nil 错误时停止派发新任务并返回该错误
// - ctx 取消后停止派发；返回 ctx.Err()
func Ordered[T any](ctx context.Context, n, workers int, seed int64,
	work func(ctx context.Context, pos int, rng *rand.Rand) (T, error),
	emit func(pos int, v T, err error) error,
) error {
	if workers < 1 {
		workers = 1
	}
	if n > 0 && workers > n {
		workers = n
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		pos int
		v   T
		err error
	}

	jobs := make(chan int)
	results := make(chan result, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for pos := range jobs {
				v, err := work(ctx, pos, rng)
				select {
				case results <- result{pos: pos, v: v, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}(seed + int64(w))
	}

	go func() {
	feed:
		for pos := 0; pos < n; pos++ {
			select {
			case jobs <- pos:
			case <-ctx.Done():
				break feed
			}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	// 乱序到达的结果暂存，直到轮到它的位置。
	pending := make(map[int]result, workers)
	next := 0
	var stopErr error
	for r := range results {
		if stopErr != nil {
			continue
		}
		pending[r.pos] = r
		for {
			p, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if err := emit(next, p.v, p.err); err != nil {
				stopErr = err
				cancel()
				break
			}
			next++
		}
	}
	if stopErr != nil {
		return stopErr
	}
	return parent.Err()
}
