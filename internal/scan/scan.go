package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/frame"
)

// Options 控制帧目录扫描。
type Options struct {
	Template frame.Template
	// Classes 把类别目录名映射到 label；为空时按类别目录名的字典序编号（从 0 开始）。
	Classes map[string]int
	// ExcludeDirs 均视为相对 root 的路径（若是绝对路径，则按绝对路径处理）。
	ExcludeDirs []string
	// Absolute 为 true 时记录中的 path 为绝对路径（配合 root="/" 使用），否则为相对 root 的路径。
	Absolute bool
}

// Skipped 是一个未能生成记录的视频目录及原因。
type Skipped struct {
	Path   string
	Reason string
}

// Result 是扫描结果。Records 按 path 字典序排序。
type Result struct {
	Records []domain.VideoRecord
	Skipped []Skipped
}

// FrameDirs 扫描 <root>/<class>/<video>/ 结构的帧目录，生成清单记录。
//
// 规则：
// - 视频目录 = 直接包含至少一个匹配模板的文件的目录
// - num_frames = 匹配模板的文件数（不读文件内容）
// - label 来自视频目录的第一级父目录（类别目录）
// - 帧数不足 domain.MinFrames、类别未知、路径含空白的目录进入 Skipped
func FrameDirs(root string, opts Options) (Result, error) {
	root = filepath.Clean(root)
	if opts.Template.IsZero() {
		opts.Template = frame.MustTemplate(frame.DefaultTemplate)
	}
	excluded := buildExcluded(root, opts.ExcludeDirs)

	counts := make(map[string]int, 128)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := opts.Template.Match(d.Name()); !ok {
			return nil
		}
		counts[filepath.Dir(path)]++
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	classes := opts.Classes
	if len(classes) == 0 {
		classes, err = classDirs(root, excluded)
		if err != nil {
			return Result{}, err
		}
	}

	var res Result
	for dir, n := range counts {
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return Result{}, err
		}
		rel = filepath.ToSlash(rel)
		parts := strings.Split(rel, "/")
		if len(parts) < 2 {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: "不在 <class>/<video>/ 结构中"})
			continue
		}
		label, ok := classes[parts[0]]
		if !ok {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: fmt.Sprintf("未知类别 %q", parts[0])})
			continue
		}
		if n < domain.MinFrames {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: fmt.Sprintf("帧数 %d 少于 %d", n, domain.MinFrames)})
			continue
		}

		p := rel
		if opts.Absolute {
			p = dir
		}
		if strings.ContainsAny(p, " \t\n") {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: "路径包含空白"})
			continue
		}
		res.Records = append(res.Records, domain.VideoRecord{Path: p, NumFrames: n, Label: label})
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(res.Records, func(i, j int) bool { return res.Records[i].Path < res.Records[j].Path })
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Path < res.Skipped[j].Path })
	return res, nil
}

// classDirs 按字典序给 root 下的一级目录编号。
func classDirs(root string, excluded []string) (map[string]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !isExcluded(filepath.Join(root, e.Name()), excluded) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make(map[string]int, len(names))
	for i, n := range names {
		out[n] = i
	}
	return out, nil
}

// ClassesFromIndex 把 label→name 的类别表反转为 name→label。
func ClassesFromIndex(names map[int]string) map[string]int {
	out := make(map[string]int, len(names))
	for label, name := range names {
		out[name] = label
	}
	return out
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, len(excludeDirs))
	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}
	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
