// Package manifest 读写视频清单：每行 <path> <num_frames> <label>，空白分隔。
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/infra/logx"
)

// Parse 逐行解析清单。
//
// 规则：
// - 空行跳过
// - num_frames < domain.MinFrames：静默丢弃（太短的视频无法分段采样），不再校验 label
// - 其余字段缺失或整数非法：返回 *domain.RecordError（带行号），整体失败
// - 输出保持文件顺序
func Parse(r io.Reader) ([]domain.VideoRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	out := make([]domain.VideoRecord, 0, 1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) >= 2 {
			if n, err := strconv.Atoi(fields[1]); err == nil && n < domain.MinFrames {
				continue
			}
		}
		rec, err := domain.NewVideoRecord(fields)
		if err != nil {
			var re *domain.RecordError
			if errors.As(err, &re) {
				re.Line = line
			}
			return nil, err
		}
		if rec.NumFrames < domain.MinFrames {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Load 读取并解析清单文件，并记录保留的视频数量。
func Load(path string, log *zap.Logger) ([]domain.VideoRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	recs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logx.OrNop(log).Info("video number", zap.Int("count", len(recs)), zap.String("manifest", path))
	return recs, nil
}

// Write 按清单格式写出记录（每行一条，空格分隔）。
func Write(w io.Writer, recs []domain.VideoRecord) error {
	bw := bufio.NewWriter(w)
	for _, r := range recs {
		if strings.ContainsAny(r.Path, " \t\n") {
			return fmt.Errorf("path 不能包含空白：%q", r.Path)
		}
		if _, err := fmt.Fprintf(bw, "%s %d %d\n", r.Path, r.NumFrames, r.Label); err != nil {
			return err
		}
	}
	return bw.Flush()
}
