// ============================================================================
// oqdist JobArrayController - 批次排程器 job array
// ============================================================================
//
// Package: internal/jobarray
// File: script.go
// Purpose: render the submission script of one phase from an explicit config
//
// 設計:
//   ScriptConfig 明確列出所有模板可用的欄位，Render 是純函數：
//   同樣的輸入永遠得到同樣的腳本，不讀環境、不碰檔案系統。
//   預設模板以 go:embed 內嵌，可用檔案覆蓋而不需改程式。
//
// 模板欄位:
//   .RunID .Operation .TaskCount .WorkDir .Interpreter
//   .Partition .TimeLimit .MemPerTask .CPUsPerTask .MaxParallel
//   .OutputPattern .ErrorPattern .ExtraDirectives
// 模板函數:
//   slurmtime  time.Duration -> D-HH:MM:SS
//   quote      shell 單引號
//
// ============================================================================

package jobarray

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

//go:embed templates/slurm.sh.tmpl
var defaultTemplate string

var ErrInvalidScript = errors.New("jobarray: invalid script config")

// ScriptConfig is everything a submission script may depend on.
type ScriptConfig struct {
	RunID       types.RunID
	Operation   string
	TaskCount   int
	WorkDir     string
	Interpreter string

	Partition       string
	TimeLimit       time.Duration
	MemPerTask      string
	CPUsPerTask     int
	MaxParallel     int // %N throttle on the array, 0 for none
	OutputPattern   string
	ErrorPattern    string
	ExtraDirectives []string
}

func (c ScriptConfig) validate() error {
	switch {
	case c.Operation == "":
		return fmt.Errorf("%w: operation is required", ErrInvalidScript)
	case strings.ContainsAny(c.Operation, " /\n"):
		return fmt.Errorf("%w: operation %q", ErrInvalidScript, c.Operation)
	case c.TaskCount < 1:
		return fmt.Errorf("%w: task count %d", ErrInvalidScript, c.TaskCount)
	case c.WorkDir == "" || !filepath.IsAbs(c.WorkDir):
		return fmt.Errorf("%w: work dir must be absolute, got %q", ErrInvalidScript, c.WorkDir)
	case c.Interpreter == "":
		return fmt.Errorf("%w: interpreter is required", ErrInvalidScript)
	case c.MaxParallel < 0:
		return fmt.Errorf("%w: max parallel %d", ErrInvalidScript, c.MaxParallel)
	}
	for _, d := range c.ExtraDirectives {
		if strings.ContainsAny(d, "\n\r") {
			return fmt.Errorf("%w: directive %q spans lines", ErrInvalidScript, d)
		}
	}
	return nil
}

// withDefaults fills the log patterns and CPU count.
func (c ScriptConfig) withDefaults() ScriptConfig {
	if c.CPUsPerTask < 1 {
		c.CPUsPerTask = 1
	}
	logs := layout.LogsDir(c.WorkDir, c.Operation)
	if c.OutputPattern == "" {
		c.OutputPattern = filepath.Join(logs, "%a.out")
	}
	if c.ErrorPattern == "" {
		c.ErrorPattern = filepath.Join(logs, "%a.err")
	}
	return c
}

var funcs = template.FuncMap{
	"slurmtime": slurmTime,
	"quote":     shellQuote,
}

// slurmTime formats d as D-HH:MM:SS, rounding up to the next second.
func slurmTime(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	days := secs / 86400
	secs %= 86400
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, secs/3600, (secs%3600)/60, secs%60)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ParseTemplate compiles text with the script functions.
func ParseTemplate(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("jobarray: parse template %s: %w", name, err)
	}
	return t, nil
}

// DefaultTemplate returns the embedded Slurm template.
func DefaultTemplate() *template.Template {
	return template.Must(ParseTemplate("slurm.sh.tmpl", defaultTemplate))
}

// LoadTemplate reads an override template; an empty path gives the default.
func LoadTemplate(path string) (*template.Template, error) {
	if path == "" {
		return DefaultTemplate(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobarray: read template: %w", err)
	}
	return ParseTemplate(filepath.Base(path), string(data))
}

// Render produces the submission script for cfg.
func Render(tmpl *template.Template, cfg ScriptConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg.withDefaults()); err != nil {
		return "", fmt.Errorf("jobarray: render: %w", err)
	}
	return buf.String(), nil
}
