package run

import (
	"time"

	"github.com/John-Robertt/TSNSens/internal/config"
	"github.com/John-Robertt/TSNSens/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何 stdout 输出（避免污染 stdout 的 JSON 契约）。
// - OnItemDone 只在调用 Execute 的 goroutine 中按条目顺序调用；OnProgress 可能来自 CLI 的 ticker goroutine。
type Observer interface {
	// OnStart 在 Execute 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig, total int)
	// OnPhaseDone 在阶段结束/就绪时调用（用于打印阶段统计与耗时）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemDone 在某个视频打分完成时调用（用于每条结果的一行输出）。
	OnItemDone(idx, total int, item domain.SensItem, dur time.Duration)
	// OnProgress 用于 keepalive（通常由 CLI 自己 ticker 触发；run 层不调用）。
	OnProgress(done, total, ok, fail int, elapsed time.Duration)
}
