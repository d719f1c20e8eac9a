// Package report 负责把敏感度结果写成分析记录、JSON 与 HTML 三种输出。
package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/John-Robertt/TSNSens/internal/domain"
	"github.com/John-Robertt/TSNSens/internal/infra/fsx"
)

const (
	AnalysisFile = "sens_analysis.txt"
	JSONFile     = "report.json"
	HTMLFile     = "report.html"
)

// AnalysisLine 生成一条分析记录：
//
//	<path> <if_correct> <loss> <gt_name> <gt_idx> <n_n_pred> <n_s_pred>
//
// path 中的空格替换为 '-'，保证一行按空白切分后恰好 7 列。
func AnalysisLine(it domain.SensItem) string {
	correct := 0
	if it.Correct {
		correct = 1
	}
	name := it.ClassName
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf("%s %d %.4f %s %d %d %d",
		strings.ReplaceAll(it.Path, " ", "-"), correct, it.Loss,
		strings.ReplaceAll(name, " ", "-"), it.Label, it.NormPred, it.PertPred)
}

// EncodeJSON 以缩进格式输出报告（末尾带换行）。
func EncodeJSON(w io.Writer, r domain.SensReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteJSONFile 原子写入 <dir>/report.json。
func WriteJSONFile(dir string, r domain.SensReport) error {
	var buf bytes.Buffer
	if err := EncodeJSON(&buf, r); err != nil {
		return err
	}
	return fsx.WriteFileAtomic(dir, JSONFile, buf.Bytes())
}

//go:embed report.html.tmpl
var tmplFS embed.FS

var htmlTmpl = template.Must(template.New("report.html.tmpl").Funcs(template.FuncMap{
	"pct":  func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"loss": func(v float64) string { return fmt.Sprintf("%.4f", v) },
	"ints": func(v []int) string {
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = fmt.Sprint(x)
		}
		return strings.Join(parts, " ")
	},
}).ParseFS(tmplFS, "report.html.tmpl"))

// EncodeHTML 渲染 HTML 报告。
func EncodeHTML(w io.Writer, r domain.SensReport) error {
	return htmlTmpl.Execute(w, r)
}

// WriteHTMLFile 原子写入 <dir>/report.html。
func WriteHTMLFile(dir string, r domain.SensReport) error {
	var buf bytes.Buffer
	if err := EncodeHTML(&buf, r); err != nil {
		return err
	}
	return fsx.WriteFileAtomic(dir, HTMLFile, buf.Bytes())
}
