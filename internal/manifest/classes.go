package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseClassIndex 解析类别名文件，返回 label -> 类别名。
//
// 两种行格式可混用：
// - "<1-based 序号> <名称>"：映射到 序号-1（UCF101 classInd.txt）
// - "<名称>"：按行序映射（类别列表文件）
//
// 名称中的空白统一替换为 '-'，保证分析记录按空格切分时字段数稳定。
func ParseClassIndex(r io.Reader) (map[int]string, error) {
	out := make(map[int]string, 128)
	sc := bufio.NewScanner(r)
	line := 0
	order := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		fields := strings.Fields(s)
		if len(fields) >= 2 {
			if n, err := strconv.Atoi(fields[0]); err == nil {
				if n < 1 {
					return nil, fmt.Errorf("类别文件第 %d 行：序号必须 >= 1，实际 %d", line, n)
				}
				out[n-1] = strings.Join(fields[1:], "-")
				order++
				continue
			}
		}
		out[order] = strings.Join(fields, "-")
		order++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadClassIndex 读取类别名文件；path 为空时返回空映射。
func LoadClassIndex(path string) (map[int]string, error) {
	if strings.TrimSpace(path) == "" {
		return map[int]string{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseClassIndex(f)
}

// ClassName 返回 label 对应的名称；缺失时回退为数字本身。
func ClassName(names map[int]string, label int) string {
	if n, ok := names[label]; ok && n != "" {
		return n
	}
	return strconv.Itoa(label)
}
