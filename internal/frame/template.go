package frame

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTemplate 是帧文件名模板的默认值（与常见抽帧脚本输出一致）。
const DefaultTemplate = "img_{:05d}.jpg"

// Template 是带一个整数占位符的帧文件名模板。
//
// 支持两种写法：
// - Python 风格：{}、{:d}、{:05d}
// - printf 风格：%d、%05d
type Template struct {
	raw    string
	prefix string
	suffix string
	width  int
	zero   bool
}

var (
	pyPlaceholderRE = regexp.MustCompile(`\{(?::(0?)([0-9]*)d)?\}`)
	goPlaceholderRE = regexp.MustCompile(`%(0?)([0-9]*)d`)
)

// ParseTemplate 解析模板；必须恰好包含一个整数占位符。
func ParseTemplate(s string) (Template, error) {
	if strings.TrimSpace(s) == "" {
		return Template{}, fmt.Errorf("image_tmpl 不能为空")
	}

	re := pyPlaceholderRE
	locs := re.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		re = goPlaceholderRE
		locs = re.FindAllStringSubmatchIndex(s, -1)
	}
	if len(locs) != 1 {
		return Template{}, fmt.Errorf("image_tmpl 必须恰好包含一个整数占位符（例如 img_{:05d}.jpg），实际是 %q", s)
	}

	loc := locs[0]
	t := Template{
		raw:    s,
		prefix: s[:loc[0]],
		suffix: s[loc[1]:],
	}
	if loc[2] >= 0 && loc[3] > loc[2] {
		t.zero = true
	}
	if loc[4] >= 0 && loc[5] > loc[4] {
		w, err := strconv.Atoi(s[loc[4]:loc[5]])
		if err != nil {
			return Template{}, fmt.Errorf("image_tmpl 宽度无效：%q", s)
		}
		t.width = w
	}
	return t, nil
}

// MustTemplate 用于常量模板（测试/默认值）；解析失败直接 panic。
func MustTemplate(s string) Template {
	t, err := ParseTemplate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Name 把 1-based 帧号格式化为文件名。
func (t Template) Name(idx int) string {
	num := strconv.Itoa(idx)
	if t.width > 0 && len(num) < t.width {
		pad := " "
		if t.zero {
			pad = "0"
		}
		if idx < 0 && t.zero {
			num = "-" + strings.Repeat("0", t.width-len(num)) + num[1:]
		} else {
			num = strings.Repeat(pad, t.width-len(num)) + num
		}
	}
	return t.prefix + num + t.suffix
}

// Match 判断文件名是否符合模板，并返回其中的帧号。
func (t Template) Match(name string) (int, bool) {
	if len(name) <= len(t.prefix)+len(t.suffix) {
		return 0, false
	}
	if !strings.HasPrefix(name, t.prefix) || !strings.HasSuffix(name, t.suffix) {
		return 0, false
	}
	mid := name[len(t.prefix) : len(name)-len(t.suffix)]
	for _, r := range mid {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(mid)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (t Template) String() string { return t.raw }

func (t Template) IsZero() bool { return t.raw == "" }
