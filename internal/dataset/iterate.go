package dataset

import (
	"context"
	"math/rand"

	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/infra/pool"
)

// Getter 是 Iterate 需要的最小能力。
type Getter interface {
	Len() int
	Get(ctx context.Context, index int, rng *rand.Rand) (domain.Sample, error)
}

// IterOptions 控制并行取样。
type IterOptions struct {
	Workers int
	// Seed 决定每个 worker 的随机源：worker i 使用 Seed+i。
	Seed int64
	// Indices 为空时遍历 [0, Len())。
	Indices []int
}

// Iterate 并行调用 Get，并按 Indices 的顺序把结果交给 fn（pos 是结果在 Indices 中的位置）。
// 单条 Get 失败不会中止遍历；fn 返回非 nil 错误时中止并返回该错误。
func Iterate(ctx context.Context, ds Getter, opts IterOptions, fn func(pos int, s domain.Sample, err error) error) error {
	indices := opts.Indices
	if indices == nil {
		indices = make([]int, ds.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	return pool.Ordered(ctx, len(indices), opts.Workers, opts.Seed,
		func(ctx context.Context, pos int, rng *rand.Rand) (domain.Sample, error) {
			return ds.Get(ctx, indices[pos], rng)
		},
		fn)
}
