package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/John-Robertt/TSNSens/internal/domain"
)

// noEnv 让测试不受进程环境变量影响。
var noEnv = map[string]string{}

func TestLoadEffective_ConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_ExplicitConfigMustExist(t *testing.T) {
	cwd := t.TempDir()
	_, err := LoadEffective(cwd, CLIArgs{ConfigPath: "nope.json"}, map[string]string{"TSNSENS_MANIFEST": "val.txt"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("--config 指向不存在的文件应报 %q，实际 %v", ErrCodeNotFound, err)
	}
}

func TestLoadEffective_ConfigMissingManifest(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "tsnsens.json"), []byte(`{"root":"/data"}`))

	_, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if Code(err) != ErrCodeMissingManifest {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeMissingManifest, err, Code(err))
	}
}

func TestLoadEffective_EnvOnly(t *testing.T) {
	cwd := t.TempDir()
	eff, err := LoadEffective(cwd, CLIArgs{}, map[string]string{
		"TSNSENS_MANIFEST":  "lists/val.txt",
		"TSNSENS_WORKERS":   "5",
		"TSNSENS_MODEL_URL": "http://127.0.0.1:9000",
		"TSNSENS_CACHE":     "true",
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != "" {
		t.Fatalf("未读取配置文件时 ConfigPath 应为空：%q", eff.ConfigPath)
	}
	if eff.Manifest != filepath.Join(cwd, "lists", "val.txt") {
		t.Fatalf("env 相对路径应以 cwd 为基准：%q", eff.Manifest)
	}
	if eff.Workers != 5 || !eff.Cache || eff.ModelURL != "http://127.0.0.1:9000" {
		t.Fatalf("env 覆盖不生效：%+v", eff)
	}
	if eff.Root != string(filepath.Separator) {
		t.Fatalf("root 默认应为 /，实际 %q", eff.Root)
	}
}

func TestLoadEffective_Defaults(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "tsnsens.json"), []byte(`{"manifest":"val.txt"}`))

	eff, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Transform != DefaultTransform || eff.Workers != DefaultWorkers || eff.NumSegments != 3 || eff.NewLength != 1 {
		t.Fatalf("默认值不正确：%+v", eff)
	}
	if eff.Modality != domain.ModalityRGB || eff.Template.String() != "img_{:05d}.jpg" {
		t.Fatalf("默认 modality/template 不正确：%v %v", eff.Modality, eff.Template)
	}
	if eff.ScaleSize != 256 || eff.CropSize != 224 || !eff.Div || len(eff.InputMean) != 3 {
		t.Fatalf("默认图像变换参数不正确：%+v", eff)
	}
	if eff.ResultPath != filepath.Join(cwd, DefaultResultPath) {
		t.Fatalf("默认 result 路径不正确：%q", eff.ResultPath)
	}
	if eff.LogLevel != "info" || eff.MaxResample != DefaultMaxResample {
		t.Fatalf("默认 log_level/max_resample 不正确：%+v", eff)
	}
}

func TestLoadEffective_MergeOrder(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "tsnsens.json"), []byte(`{"manifest":"val.txt","temp_transform":"reverse","workers":8,"seed":3}`))

	// 只有文件。
	eff, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Transform != "reverse" || eff.Workers != 8 || eff.Seed != 3 {
		t.Fatalf("文件配置不生效：%+v", eff)
	}

	// env 覆盖文件。
	eff, err = LoadEffective(cwd, CLIArgs{}, map[string]string{"TSNSENS_TEMP_TRANSFORM": "shuffle", "TSNSENS_SEED": "9"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Transform != "shuffle" || eff.Seed != 9 {
		t.Fatalf("env 应覆盖文件：%+v", eff)
	}

	// CLI 覆盖 env（包括显式的 0 值）。
	eff, err = LoadEffective(cwd, CLIArgs{
		Transform: "reverse", TransformSet: true,
		Seed: 0, SeedSet: true,
		Workers: 1, WorkersSet: true,
	}, map[string]string{"TSNSENS_TEMP_TRANSFORM": "shuffle", "TSNSENS_SEED": "9", "TSNSENS_WORKERS": "4"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Transform != "reverse" || eff.Seed != 0 || eff.Workers != 1 {
		t.Fatalf("CLI 应覆盖 env：%+v", eff)
	}
}

func TestLoadEffective_YAMLAndRelativePaths(t *testing.T) {
	cwd := t.TempDir()
	cfgDir := filepath.Join(cwd, "conf")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	writeFile(t, filepath.Join(cfgDir, "exp.yaml"), []byte(`
manifest: lists/val.txt
root: frames
class_index: classInd.txt
modality: flow
image_tmpl: "flow_%05d.jpg"
num_segments: 5
model:
  url: https://infer.local/
  timeout: 5s
  retry_max: 3
`))

	eff, err := LoadEffective(cwd, CLIArgs{ConfigPath: "conf/exp.yaml", ResultPath: "out"}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Manifest != filepath.Join(cfgDir, "lists", "val.txt") || eff.Root != filepath.Join(cfgDir, "frames") {
		t.Fatalf("文件内相对路径应以配置文件目录为基准：%q %q", eff.Manifest, eff.Root)
	}
	if eff.ClassIndex != filepath.Join(cfgDir, "classInd.txt") {
		t.Fatalf("class_index 路径不正确：%q", eff.ClassIndex)
	}
	if eff.ResultPath != filepath.Join(cwd, "out") {
		t.Fatalf("CLI result 路径应以 cwd 为基准：%q", eff.ResultPath)
	}
	if eff.Modality != domain.ModalityFlow || eff.NumSegments != 5 {
		t.Fatalf("YAML 字段未生效：%+v", eff)
	}
	if len(eff.InputMean) != 1 || eff.InputMean[0] != 0.5 {
		t.Fatalf("flow 默认均值应为 [0.5]：%v", eff.InputMean)
	}
	if eff.ModelTimeout != 5*time.Second || eff.ModelRetryMax != 3 {
		t.Fatalf("model 字段未生效：%+v", eff)
	}
}

func TestLoadEffective_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad json":      `{`,
		"bad modality":  `{"manifest":"m","modality":"depth"}`,
		"bad transform": `{"manifest":"m","temp_transform":"mirror"}`,
		"bad template":  `{"manifest":"m","image_tmpl":"img.jpg"}`,
		"bad url":       `{"manifest":"m","model":{"url":"ftp://x"}}`,
		"bad timeout":   `{"manifest":"m","model":{"timeout":"soon"}}`,
		"zero std":      `{"manifest":"m","input_std":[0.2,0]}`,
		"neg segments":  `{"manifest":"m","num_segments":-2}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cwd := t.TempDir()
			writeFile(t, filepath.Join(cwd, "tsnsens.json"), []byte(body))
			_, err := LoadEffective(cwd, CLIArgs{}, noEnv)
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func TestLoadEffective_InvalidEnv(t *testing.T) {
	cwd := t.TempDir()
	_, err := LoadEffective(cwd, CLIArgs{}, map[string]string{"TSNSENS_MANIFEST": "m", "TSNSENS_WORKERS": "many"})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
}

func TestLoadEffective_WorkersClamped(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "tsnsens.json"), []byte(`{"manifest":"m","workers":1000}`))
	eff, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Workers != maxWorkers {
		t.Fatalf("workers 应截断为 %d，实际 %d", maxWorkers, eff.Workers)
	}
}

func TestPipelineFingerprint_ChangesWithInputParams(t *testing.T) {
	base := EffectiveConfig{Root: "/", Modality: domain.ModalityRGB, NumSegments: 3, NewLength: 1, ScaleSize: 256, CropSize: 224, Div: true}
	if base.PipelineFingerprint() != base.PipelineFingerprint() {
		t.Fatalf("指纹必须稳定")
	}

	crop := base
	crop.CropSize = 112
	std := base
	std.InputStd = []float32{0.5}
	root := base
	root.Root = "/data"
	for name, c := range map[string]EffectiveConfig{"crop_size": crop, "input_std": std, "root": root} {
		if c.PipelineFingerprint() == base.PipelineFingerprint() {
			t.Fatalf("%s 变化后指纹应不同", name)
		}
	}

	// 与输入张量无关的参数不影响指纹。
	workers := base
	workers.Workers = 8
	workers.Transform = "reverse"
	if workers.PipelineFingerprint() != base.PipelineFingerprint() {
		t.Fatalf("workers/transform 不应影响指纹")
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败 %q：%v", path, err)
	}
}
