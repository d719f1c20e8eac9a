package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/John-Robertt/TSNSens/internal/app/run"
	"github.com/John-Robertt/TSNSens/internal/config"
	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/frame"
	"github.com/John-Robertt/TSNSens/internal/infra/fsx"
	"github.com/John-Robertt/TSNSens/internal/manifest"
	"github.com/John-Robertt/TSNSens/internal/report"
	"github.com/John-Robertt/TSNSens/internal/sampler"
	"github.com/John-Robertt/TSNSens/internal/scan"
	"github.com/John-Robertt/TSNSens/internal/temporal"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "score":
		code = scoreCmd(args[1:])
	case "sample":
		code = sampleCmd(args[1:])
	case "manifest":
		code = manifestCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		code = 2
	}
	if code != 0 {
		os.Exit(code)
	}
}

func scoreCmd(args []string) int {
	if hasHelp(args) {
		printScoreUsage()
		return 0
	}
	sa, err := parseScoreArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printScoreUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, sa.CLIArgs, nil)
	if err == nil && eff.ModelURL == "" {
		err = &config.Error{Code: config.ErrCodeInvalid, Path: eff.ConfigPath, Err: errors.New("未配置 model.url（配置文件、TSNSENS_MODEL_URL 或 --model-url）")}
	}
	if err != nil {
		emitReport(reportForConfigError(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, eff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}
	defer env.Close()

	deps, err := env.scoreDeps(eff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr, err := run.Execute(ctx, eff, deps, obs)
	emitReport(rr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "运行中止：%v\n", err)
		return 1
	}
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.Summary.Failed == 0 {
		return 0
	}
	return 1
}

type scoreArgs struct {
	config.CLIArgs
}

func parseScoreArgs(args []string) (scoreArgs, error) {
	sa := scoreArgs{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		name, v, ok, err := flagValue(args, &i, "--config", "--transform", "--model-url", "--workers", "--seed")
		if err != nil {
			return scoreArgs{}, err
		}
		if ok {
			switch name {
			case "--config":
				sa.ConfigPath = v
			case "--transform":
				if _, err := temporal.New(v, 0); err != nil || strings.TrimSpace(v) == "" {
					return scoreArgs{}, fmt.Errorf("--transform 只能是 %s，实际是 %q", strings.Join(temporal.Names(), "|"), v)
				}
				sa.Transform, sa.TransformSet = v, true
			case "--model-url":
				sa.ModelURL, sa.ModelURLSet = v, true
			case "--workers":
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 {
					return scoreArgs{}, fmt.Errorf("--workers 必须是正整数，实际是 %q", v)
				}
				sa.Workers, sa.WorkersSet = n, true
			case "--seed":
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return scoreArgs{}, fmt.Errorf("--seed 必须是整数，实际是 %q", v)
				}
				sa.Seed, sa.SeedSet = n, true
			}
			continue
		}
		if strings.HasPrefix(a, "-") {
			return scoreArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if sa.ResultPath != "" {
			return scoreArgs{}, fmt.Errorf("重复的 result_path：%q 与 %q", sa.ResultPath, a)
		}
		sa.ResultPath = a
	}
	return sa, nil
}

// flagValue 识别 "--name value" 与 "--name=value" 两种写法；不匹配任何 names 时 ok=false。
func flagValue(args []string, i *int, names ...string) (name, value string, ok bool, err error) {
	a := args[*i]
	for _, n := range names {
		switch {
		case a == n:
			if *i+1 >= len(args) {
				return n, "", false, fmt.Errorf("%s 需要一个值", n)
			}
			*i++
			return n, args[*i], true, nil
		case strings.HasPrefix(a, n+"="):
			return n, strings.TrimPrefix(a, n+"="), true, nil
		}
	}
	return "", "", false, nil
}

type sampleArgs struct {
	ConfigPath string
	Mode       string
	Seed       int64
	SeedSet    bool
}

func parseSampleArgs(args []string) (sampleArgs, error) {
	sa := sampleArgs{Mode: "val"}
	for i := 0; i < len(args); i++ {
		name, v, ok, err := flagValue(args, &i, "--config", "--mode", "--seed")
		if err != nil {
			return sampleArgs{}, err
		}
		if !ok {
			return sampleArgs{}, fmt.Errorf("未知参数 %q", args[i])
		}
		switch name {
		case "--config":
			sa.ConfigPath = v
		case "--mode":
			switch v {
			case "train", "val", "test":
				sa.Mode = v
			default:
				return sampleArgs{}, fmt.Errorf("--mode 只能是 train|val|test，实际是 %q", v)
			}
		case "--seed":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return sampleArgs{}, fmt.Errorf("--seed 必须是整数，实际是 %q", v)
			}
			sa.Seed, sa.SeedSet = n, true
		}
	}
	return sa, nil
}

// sampleLine 是 sample 命令每行输出的 JSON。
type sampleLine struct {
	Path             string `json:"path"`
	NumFrames        int    `json:"num_frames"`
	Label            int    `json:"label"`
	Readable         bool   `json:"readable"`
	Indices          []int  `json:"indices"`
	PerturbedIndices []int  `json:"perturbed_indices"`
}

func sampleCmd(args []string) int {
	if hasHelp(args) {
		printSampleUsage()
		return 0
	}
	sa, err := parseSampleArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printSampleUsage()
		return 2
	}
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{ConfigPath: sa.ConfigPath, Seed: sa.Seed, SeedSet: sa.SeedSet}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	recs, err := manifest.Load(eff.Manifest, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取 manifest 失败：%v\n", err)
		return 1
	}
	tt, err := temporal.New(eff.Transform, eff.Seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := writeSamples(os.Stdout, recs, eff, sa.Mode, tt); err != nil {
		fmt.Fprintf(os.Stderr, "输出失败：%v\n", err)
		return 1
	}
	return 0
}

// writeSamples 只计算帧号，不读取图片。
func writeSamples(w io.Writer, recs []domain.VideoRecord, eff config.EffectiveConfig, mode string, tt temporal.Transform) error {
	rng := rand.New(rand.NewSource(eff.Seed))
	newLength := eff.NewLength
	if eff.Modality == domain.ModalityRGBDiff {
		newLength++
	}
	loader := frame.Loader{Root: eff.Root, Template: eff.Template, Modality: eff.Modality}

	enc := json.NewEncoder(w)
	for _, r := range recs {
		var anchors []int
		switch mode {
		case "train":
			anchors = sampler.Train(r.NumFrames, eff.NumSegments, newLength, rng)
		case "test":
			anchors = sampler.Test(r.NumFrames, eff.NumSegments, newLength)
		default:
			anchors = sampler.Val(r.NumFrames, eff.NumSegments, newLength)
		}
		indices := sampler.Expand(anchors, r.NumFrames, newLength)
		line := sampleLine{
			Path:             r.Path,
			NumFrames:        r.NumFrames,
			Label:            r.Label,
			Readable:         loader.Exists(r.Path, 1),
			Indices:          indices,
			PerturbedIndices: tt.Apply(indices),
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

type manifestArgs struct {
	Root       string
	Template   string
	ClassIndex string
	Out        string
	Absolute   bool
}

func parseManifestArgs(args []string) (manifestArgs, error) {
	ma := manifestArgs{Template: frame.DefaultTemplate}
	for i := 0; i < len(args); i++ {
		a := args[i]
		name, v, ok, err := flagValue(args, &i, "--template", "--class-index", "-o")
		if err != nil {
			return manifestArgs{}, err
		}
		if ok {
			switch name {
			case "--template":
				ma.Template = v
			case "--class-index":
				ma.ClassIndex = v
			case "-o":
				ma.Out = v
			}
			continue
		}
		switch {
		case a == "--absolute":
			ma.Absolute = true
		case strings.HasPrefix(a, "-"):
			return manifestArgs{}, fmt.Errorf("未知参数 %q", a)
		case ma.Root != "":
			return manifestArgs{}, fmt.Errorf("重复的 frames_root：%q 与 %q", ma.Root, a)
		default:
			ma.Root = a
		}
	}
	if ma.Root == "" {
		return manifestArgs{}, errors.New("缺少 frames_root")
	}
	if _, err := frame.ParseTemplate(ma.Template); err != nil {
		return manifestArgs{}, err
	}
	return ma, nil
}

func manifestCmd(args []string) int {
	if hasHelp(args) {
		printManifestUsage()
		return 0
	}
	ma, err := parseManifestArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printManifestUsage()
		return 2
	}

	opts := scan.Options{Template: frame.MustTemplate(ma.Template), Absolute: ma.Absolute}
	if ma.ClassIndex != "" {
		names, err := manifest.LoadClassIndex(ma.ClassIndex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取 class index 失败：%v\n", err)
			return 1
		}
		opts.Classes = scan.ClassesFromIndex(names)
	}
	res, err := scan.FrameDirs(ma.Root, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "扫描失败：%v\n", err)
		return 1
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(os.Stderr, "skip %s: %s\n", s.Path, s.Reason)
	}

	var buf bytes.Buffer
	if err := manifest.Write(&buf, res.Records); err != nil {
		fmt.Fprintf(os.Stderr, "生成 manifest 失败：%v\n", err)
		return 1
	}
	if ma.Out == "" {
		_, _ = os.Stdout.Write(buf.Bytes())
	} else {
		out, _ := filepath.Abs(ma.Out)
		if err := fsx.WriteFileAtomicNoOverwrite(filepath.Dir(out), filepath.Base(out), buf.Bytes()); err != nil {
			if errors.Is(err, os.ErrExist) {
				fmt.Fprintf(os.Stderr, "目标已存在，拒绝覆盖：%s\n", out)
			} else {
				fmt.Fprintf(os.Stderr, "写入 manifest 失败：%v\n", err)
			}
			return 1
		}
	}
	fmt.Fprintf(os.Stderr, "完成：videos=%d skipped=%d\n", len(res.Records), len(res.Skipped))
	return 0
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func hasHelp(args []string) bool {
	for _, a := range args {
		if isHelp(a) {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  tsnsens score [result_path] [--config f] [--transform shuffle|reverse|identity] [--model-url u] [--workers n] [--seed n]
  tsnsens sample [--config f] [--mode train|val|test] [--seed n]
  tsnsens manifest <frames_root> [--template t] [--class-index f] [--absolute] [-o out]

命令：
  score     对 manifest 中的视频做时序扰动敏感度评估
  sample    只输出每个视频的采样帧号（JSON lines），不加载模型
  manifest  扫描帧目录生成 manifest

使用 "tsnsens <命令> --help" 查看详细说明。
`)
}

func printScoreUsage() {
	fmt.Fprint(os.Stdout, `用法：
  tsnsens score [result_path] [--config f] [--transform shuffle|reverse|identity] [--model-url u] [--workers n] [--seed n]

参数：
  result_path   结果目录（默认读配置；最终默认 ./result）
  --config      配置文件（默认依次查找 tsnsens.json / tsnsens.yaml / tsnsens.yml）
  --transform   时序扰动（默认 shuffle）
  --model-url   推理服务地址，例如 http://127.0.0.1:8000
  --workers     并发数（1..64）
  --seed        随机种子
  -h, --help    显示帮助
`)
}

func printSampleUsage() {
	fmt.Fprint(os.Stdout, `用法：
  tsnsens sample [--config f] [--mode train|val|test] [--seed n]

参数：
  --mode      采样方式（默认 val）
  --seed      随机种子（train 采样与 shuffle 扰动使用）
  -h, --help  显示帮助
`)
}

func printManifestUsage() {
	fmt.Fprint(os.Stdout, `用法：
  tsnsens manifest <frames_root> [--template t] [--class-index f] [--absolute] [-o out]

参数：
  --template     帧文件名模板（默认 img_{:05d}.jpg）
  --class-index  "<idx> <name>" 格式的类别表；未指定时按类别目录名排序编号
  --absolute     输出绝对路径
  -o             输出文件（不覆盖已有文件）；未指定时写 stdout
  -h, --help     显示帮助
`)
}

func emitReport(rr domain.SensReport) {
	summary := fmt.Sprintf("完成：items=%d ok=%d failed=%d flipped=%d loss_avg=%.5f",
		rr.Summary.Items, rr.Summary.OK, rr.Summary.Failed, rr.Summary.Flipped, rr.Summary.LossAvg,
	)
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summary)
		for _, it := range rr.Items {
			if it.Status != domain.StatusFailed {
				continue
			}
			key := it.Path
			if key == "" {
				key = "<config>"
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 SensReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summary)
}

func reportForConfigError(err error) domain.SensReport {
	now := time.Now().UTC()
	rr := domain.SensReport{
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.SensItem{{
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "analysis: %s\n", filepath.Join(eff.ResultPath, report.AnalysisFile))
	fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.ResultPath, report.JSONFile))
	fmt.Fprintf(w, "html: %s\n", filepath.Join(eff.ResultPath, report.HTMLFile))
}
