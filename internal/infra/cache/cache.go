package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/John-Robertt/TSNSens/internal/infra/fsx"
)

// Store 提供 <result>/cache/ 下的文件缓存读写。
//
// 约束：ReadOnly=true 时只允许读（例如只想复用旧结果、不希望落盘）。
type Store struct {
	Root     string // <result>
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// ScoreKey 唯一确定一次打分：同一模型、同一输入流水线、同一视频、同一组帧号（含扰动后顺序）。
type ScoreKey struct {
	Model            string
	// Pipeline 是影响输入张量的全部参数的指纹（根目录、模态、缩放/裁切、归一化等）。
	Pipeline         string
	Path             string
	Indices          []int
	PerturbedIndices []int
}

// Hash 返回 key 的 sha1 十六进制串，用作文件名。
func (k ScoreKey) Hash() string {
	var b strings.Builder
	b.WriteString(k.Model)
	b.WriteByte(0)
	b.WriteString(k.Pipeline)
	b.WriteByte(0)
	b.WriteString(k.Path)
	b.WriteByte(0)
	writeInts(&b, k.Indices)
	b.WriteByte(0)
	writeInts(&b, k.PerturbedIndices)
	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeInts(b *strings.Builder, v []int) {
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(x))
	}
}

// Scores 是缓存条目：normal 与 perturbed 两次推理的 logits。
type Scores struct {
	Path             string    `json:"path"`
	Indices          []int     `json:"indices"`
	PerturbedIndices []int     `json:"perturbed_indices"`
	Normal           []float32 `json:"normal"`
	Perturbed        []float32 `json:"perturbed"`
}

// ScorePath 返回缓存文件的绝对路径。
func (s Store) ScorePath(k ScoreKey) (string, error) {
	if k.Path == "" {
		return "", fmt.Errorf("path 不能为空")
	}
	return filepath.Join(s.Root, "cache", "scores", k.Hash()+".json"), nil
}

// ReadScores 读取缓存；不存在返回 ok=false。内容损坏视为未命中（返回 error 供上层记录日志）。
func (s Store) ReadScores(k ScoreKey) (Scores, bool, error) {
	path, err := s.ScorePath(k)
	if err != nil {
		return Scores{}, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Scores{}, false, nil
		}
		return Scores{}, false, err
	}
	var sc Scores
	if err := json.Unmarshal(b, &sc); err != nil {
		return Scores{}, false, fmt.Errorf("缓存损坏 %q：%w", path, err)
	}
	if len(sc.Normal) == 0 || len(sc.Normal) != len(sc.Perturbed) {
		return Scores{}, false, fmt.Errorf("缓存损坏 %q：logits 长度不一致", path)
	}
	return sc, true, nil
}

func (s Store) WriteScores(k ScoreKey, sc Scores) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.ScorePath(k)
	if err != nil {
		return err
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), b)
}
