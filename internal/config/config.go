package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/frame"
	"github.com/John-Robertt/TSNSens/internal/temporal"
)

const (
	// ErrCodeNotFound 表示未找到配置文件，且 CLI/环境变量也没有给出 manifest。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
	// ErrCodeMissingManifest 表示合并后仍缺少 manifest。
	ErrCodeMissingManifest = domain.ErrCodeConfigMissing
)

const (
	DefaultResultPath  = "result"
	DefaultTransform   = "shuffle"
	DefaultWorkers     = 2
	DefaultScaleSize   = 256
	DefaultCropSize    = 224
	DefaultLogLevel    = "info"
	DefaultMaxResample = 64

	maxWorkers = 64

	// EnvPrefix 是环境变量覆盖的统一前缀。
	EnvPrefix = "TSNSENS_"
)

// FileNames 是 cwd 下按顺序查找的配置文件名。
var FileNames = []string{"tsnsens.json", "tsnsens.yaml", "tsnsens.yml"}

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --workers=1 必须能覆盖配置里的 8。
type CLIArgs struct {
	ResultPath string
	ConfigPath string

	Transform    string
	TransformSet bool

	ModelURL    string
	ModelURLSet bool

	Workers    int
	WorkersSet bool

	Seed    int64
	SeedSet bool
}

// FileConfig 对应 tsnsens.json / tsnsens.yaml。
// 相对路径以配置文件所在目录为基准。
type FileConfig struct {
	Manifest   string `json:"manifest" yaml:"manifest"`
	Root       string `json:"root" yaml:"root"`
	ClassIndex string `json:"class_index" yaml:"class_index"`
	ResultPath string `json:"result_path" yaml:"result_path"`

	ImageTmpl   string `json:"image_tmpl" yaml:"image_tmpl"`
	Modality    string `json:"modality" yaml:"modality"`
	NumSegments int    `json:"num_segments" yaml:"num_segments"`
	NewLength   int    `json:"new_length" yaml:"new_length"`
	MaxResample int    `json:"max_resample" yaml:"max_resample"`

	Transform string `json:"temp_transform" yaml:"temp_transform"`
	Seed      *int64 `json:"seed" yaml:"seed"`
	Workers   int    `json:"workers" yaml:"workers"`

	ScaleSize int       `json:"scale_size" yaml:"scale_size"`
	CropSize  int       `json:"crop_size" yaml:"crop_size"`
	InputMean []float32 `json:"input_mean" yaml:"input_mean"`
	InputStd  []float32 `json:"input_std" yaml:"input_std"`
	Roll      bool      `json:"roll" yaml:"roll"`
	Div       *bool     `json:"div" yaml:"div"`

	Model *ModelConfig `json:"model" yaml:"model"`
	Cache bool         `json:"cache" yaml:"cache"`

	LogLevel     string `json:"log_level" yaml:"log_level"`
	MetricsAddr  string `json:"metrics_addr" yaml:"metrics_addr"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

type ModelConfig struct {
	URL      string `json:"url" yaml:"url"`
	ProxyURL string `json:"proxy_url" yaml:"proxy_url"`
	Timeout  string `json:"timeout" yaml:"timeout"`
	RetryMax int    `json:"retry_max" yaml:"retry_max"`
}

// EnvConfig 是 TSNSENS_* 环境变量覆盖项；指针字段为 nil 表示未设置。
type EnvConfig struct {
	Manifest     *string `env:"MANIFEST"`
	Root         *string `env:"ROOT"`
	ResultPath   *string `env:"RESULT_PATH"`
	Transform    *string `env:"TEMP_TRANSFORM"`
	ModelURL     *string `env:"MODEL_URL"`
	Workers      *int    `env:"WORKERS"`
	Seed         *int64  `env:"SEED"`
	Cache        *bool   `env:"CACHE"`
	LogLevel     *string `env:"LOG_LEVEL"`
	MetricsAddr  *string `env:"METRICS_ADDR"`
	OTLPEndpoint *string `env:"OTLP_ENDPOINT"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	ConfigPath string // 实际读取的配置文件；未读取时为空

	Manifest   string
	Root       string
	ClassIndex string
	ResultPath string

	Template    frame.Template
	Modality    domain.Modality
	NumSegments int
	NewLength   int
	MaxResample int

	Transform string
	Seed      int64
	Workers   int

	ScaleSize int
	CropSize  int
	InputMean []float32
	InputStd  []float32
	Roll      bool
	Div       bool

	ModelURL      string
	ModelProxyURL string
	ModelTimeout  time.Duration
	ModelRetryMax int
	Cache         bool

	LogLevel     string
	MetricsAddr  string
	OTLPEndpoint string
}

// PipelineFingerprint 描述决定输入张量内容的全部参数；任一参数变化都会得到不同的串。
func (e EffectiveConfig) PipelineFingerprint() string {
	return fmt.Sprintf("root=%s|tmpl=%s|modality=%s|segments=%d|new_length=%d|scale=%d|crop=%d|mean=%v|std=%v|roll=%t|div=%t",
		e.Root, e.Template.String(), e.Modality, e.NumSegments, e.NewLength,
		e.ScaleSize, e.CropSize, e.InputMean, e.InputStd, e.Roll, e.Div,
	)
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingManifest:
		if e.Path == "" {
			return fmt.Sprintf("%s：未指定 manifest（配置文件或 %sMANIFEST）", e.Code, EnvPrefix)
		}
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 manifest", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，叠加环境变量与 CLI 参数，得到最终配置。
//
// 发现规则：
// 1) CLI 给了 --config：必须存在
// 2) 否则依次查找 <cwd>/tsnsens.json、tsnsens.yaml、tsnsens.yml（可选）
// 3) 都没有且环境变量也未给出 manifest：config_not_found
//
// 覆盖优先级：CLI > 环境变量（TSNSENS_*）> 配置文件 > 默认值。
// environ 为 nil 时读取进程环境变量。
func LoadEffective(cwd string, cli CLIArgs, environ map[string]string) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var ec EnvConfig
	if err := env.ParseWithOptions(&ec, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: "env", Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)
	if p := strings.TrimSpace(cli.ConfigPath); p != "" {
		cfgPath = absCleanFrom(cwdAbs, p)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		for _, name := range FileNames {
			p := filepath.Join(cwdAbs, name)
			fc, exists, err = readFileConfig(p)
			if err != nil {
				return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: p, Err: err}
			}
			if exists {
				cfgPath = p
				break
			}
		}
		if !exists && ec.Manifest == nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: filepath.Join(cwdAbs, FileNames[0]), Err: os.ErrNotExist}
		}
	}

	fileBase := cwdAbs
	if cfgPath != "" {
		fileBase = filepath.Dir(cfgPath)
	}
	return merge(cwdAbs, fileBase, cfgPath, cli, ec, fc)
}

func merge(cwd, fileBase, cfgPath string, cli CLIArgs, ec EnvConfig, fc FileConfig) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	eff := EffectiveConfig{ConfigPath: cfgPath}

	// 路径类字段：env/CLI 相对 cwd，文件相对配置文件目录。
	eff.Manifest = pickPath(cwd, fileBase, ec.Manifest, fc.Manifest)
	if eff.Manifest == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingManifest, Path: cfgPath}
	}
	eff.Root = pickPath(cwd, fileBase, ec.Root, fc.Root)
	if eff.Root == "" {
		// 清单里通常是绝对路径（例如 TSN 的 ucf101 列表），默认以 / 为根。
		eff.Root = string(filepath.Separator)
	}
	if fc.ClassIndex != "" {
		eff.ClassIndex = absCleanFrom(fileBase, fc.ClassIndex)
	}
	switch {
	case strings.TrimSpace(cli.ResultPath) != "":
		eff.ResultPath = absCleanFrom(cwd, cli.ResultPath)
	default:
		eff.ResultPath = pickPath(cwd, fileBase, ec.ResultPath, fc.ResultPath)
		if eff.ResultPath == "" {
			eff.ResultPath = absCleanFrom(cwd, DefaultResultPath)
		}
	}

	tmpl := fc.ImageTmpl
	if strings.TrimSpace(tmpl) == "" {
		tmpl = frame.DefaultTemplate
	}
	t, err := frame.ParseTemplate(tmpl)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.Template = t

	eff.Modality = domain.ModalityRGB
	if strings.TrimSpace(fc.Modality) != "" {
		m, err := domain.ParseModality(fc.Modality)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		eff.Modality = m
	}

	eff.NumSegments = orDefault(fc.NumSegments, 3)
	eff.NewLength = orDefault(fc.NewLength, 1)
	eff.MaxResample = orDefault(fc.MaxResample, DefaultMaxResample)
	if eff.NumSegments < 1 || eff.NewLength < 1 || eff.MaxResample < 1 {
		return EffectiveConfig{}, invalid("num_segments/new_length/max_resample 必须为正")
	}

	// temp_transform：CLI > env > config > 默认 shuffle
	eff.Transform = DefaultTransform
	switch {
	case cli.TransformSet:
		eff.Transform = cli.Transform
	case ec.Transform != nil:
		eff.Transform = *ec.Transform
	case strings.TrimSpace(fc.Transform) != "":
		eff.Transform = fc.Transform
	}
	eff.Transform = strings.ToLower(strings.TrimSpace(eff.Transform))
	if _, err := temporal.New(eff.Transform, 0); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	switch {
	case cli.SeedSet:
		eff.Seed = cli.Seed
	case ec.Seed != nil:
		eff.Seed = *ec.Seed
	case fc.Seed != nil:
		eff.Seed = *fc.Seed
	}

	eff.Workers = DefaultWorkers
	switch {
	case cli.WorkersSet:
		eff.Workers = cli.Workers
	case ec.Workers != nil:
		eff.Workers = *ec.Workers
	case fc.Workers != 0:
		eff.Workers = fc.Workers
	}
	// 超出 [1, 64] 截断。
	if eff.Workers < 1 {
		eff.Workers = 1
	}
	if eff.Workers > maxWorkers {
		eff.Workers = maxWorkers
	}

	eff.ScaleSize = orDefault(fc.ScaleSize, DefaultScaleSize)
	eff.CropSize = orDefault(fc.CropSize, DefaultCropSize)
	if eff.ScaleSize < 0 || eff.CropSize < 0 {
		return EffectiveConfig{}, invalid("scale_size/crop_size 不能为负")
	}
	eff.InputMean, eff.InputStd = defaultNormalization(eff.Modality)
	if len(fc.InputMean) > 0 {
		eff.InputMean = append([]float32(nil), fc.InputMean...)
	}
	if len(fc.InputStd) > 0 {
		eff.InputStd = append([]float32(nil), fc.InputStd...)
	}
	for _, s := range eff.InputStd {
		if s == 0 {
			return EffectiveConfig{}, invalid("input_std 不能包含 0")
		}
	}
	eff.Roll = fc.Roll
	eff.Div = true
	if fc.Div != nil {
		eff.Div = *fc.Div
	}

	var mc ModelConfig
	if fc.Model != nil {
		mc = *fc.Model
	}
	eff.ModelURL = strings.TrimSpace(mc.URL)
	if cli.ModelURLSet {
		eff.ModelURL = strings.TrimSpace(cli.ModelURL)
	} else if ec.ModelURL != nil {
		eff.ModelURL = strings.TrimSpace(*ec.ModelURL)
	}
	if eff.ModelURL != "" {
		if err := validateHTTPURL(eff.ModelURL); err != nil {
			return EffectiveConfig{}, invalid("model.url 无效：%w", err)
		}
	}
	eff.ModelProxyURL = strings.TrimSpace(mc.ProxyURL)
	if eff.ModelProxyURL != "" {
		if _, err := url.Parse(eff.ModelProxyURL); err != nil {
			return EffectiveConfig{}, invalid("model.proxy_url 无效：%w", err)
		}
	}
	if strings.TrimSpace(mc.Timeout) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(mc.Timeout))
		if err != nil || d <= 0 {
			return EffectiveConfig{}, invalid("model.timeout 无效：%q", mc.Timeout)
		}
		eff.ModelTimeout = d
	}
	eff.ModelRetryMax = mc.RetryMax

	eff.Cache = fc.Cache
	if ec.Cache != nil {
		eff.Cache = *ec.Cache
	}

	eff.LogLevel = pickString(ec.LogLevel, fc.LogLevel, DefaultLogLevel)
	eff.MetricsAddr = pickString(ec.MetricsAddr, fc.MetricsAddr, "")
	eff.OTLPEndpoint = pickString(ec.OTLPEndpoint, fc.OTLPEndpoint, "")

	return eff, nil
}

// defaultNormalization 返回 ImageNet 预训练骨干的默认均值/方差；flow 使用单通道的 0.5/0.226。
func defaultNormalization(m domain.Modality) (mean, std []float32) {
	if m == domain.ModalityFlow {
		return []float32{0.5}, []float32{0.226}
	}
	return []float32{0.485, 0.456, 0.406}, []float32{0.229, 0.224, 0.225}
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("必须是 http/https：%q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("缺少 host：%q", raw)
	}
	return nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func pickString(envV *string, fileV, def string) string {
	if envV != nil {
		return strings.TrimSpace(*envV)
	}
	if strings.TrimSpace(fileV) != "" {
		return strings.TrimSpace(fileV)
	}
	return def
}

func pickPath(cwd, fileBase string, envV *string, fileV string) string {
	if envV != nil && strings.TrimSpace(*envV) != "" {
		return absCleanFrom(cwd, *envV)
	}
	if strings.TrimSpace(fileV) != "" {
		return absCleanFrom(fileBase, fileV)
	}
	return ""
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析配置文件（.yaml/.yml 用 YAML，其余按 JSON）。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = json.Unmarshal(b, &fc)
	}
	if err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
