package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/calc"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/cli"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

const jobYAML = `
investigation_time: 50
intensity_levels: [0.01, 0.05, 0.1, 0.3, 0.6]
concurrent_tasks: 2
sources:
  - {id: near, a: 3.5, b: 1.0, min_mag: 5.0, max_mag: 6.5, bin_width: 0.25, distance_km: 12}
  - {id: mid,  a: 3.0, b: 0.9, min_mag: 5.0, max_mag: 7.0, bin_width: 0.25, distance_km: 45}
  - {id: far,  a: 3.8, b: 1.1, min_mag: 4.5, max_mag: 6.0, bin_width: 0.25, distance_km: 90}
`

type env struct {
	config  string
	baseDir string
	job     string
}

func newEnv(t *testing.T, mode, extra string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		config:  filepath.Join(dir, "config.yaml"),
		baseDir: filepath.Join(dir, "oqdata"),
		job:     filepath.Join(dir, "job.yaml"),
	}
	content := fmt.Sprintf(`
distribution:
  mode: %s
  workers: 2
storage:
  base_dir: %s
phase:
  await_timeout: 2m
  kill_grace: 1s
channel:
  transport: file
  scan_interval: 100ms
log:
  level: warn
%s`, mode, e.baseDir, extra)
	require.NoError(t, os.WriteFile(e.config, []byte(content), 0644))
	require.NoError(t, os.WriteFile(e.job, []byte(jobYAML), 0644))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := cli.BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "-c", e.config))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) curve(t *testing.T, id types.RunID) calc.Curve {
	t.Helper()
	runs, err := runstore.Open(e.baseDir, nil)
	require.NoError(t, err)
	out, err := runs.LoadOutput(id)
	require.NoError(t, err)
	last, ok := out.Last()
	require.True(t, ok)
	c, err := calc.CurveOf(last.Reduced)
	require.NoError(t, err)
	return c
}

// fakeSlurm 建立假的 sbatch/scancel/srun：sbatch 在背景逐一執行 array 的每個元素
func fakeSlurm(t *testing.T) (sbatch, scancel string) {
	t.Helper()
	bin := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(bin, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0755))
		return path
	}
	write("srun", "#!/bin/sh\nexec \"$@\"\n")
	sbatch = write("sbatch", fmt.Sprintf(`#!/bin/bash
script="${@: -1}"
n=$(sed -n 's/^#SBATCH --array=1-\([0-9]*\).*/\1/p' "$script")
for i in $(seq 1 "$n"); do
  SLURM_ARRAY_TASK_ID=$i PATH=%q:$PATH bash "$script" >/dev/null 2>&1 &
done
echo "$RANDOM"
`, bin))
	scancel = write("scancel", "#!/bin/sh\nexit 0\n")
	return sbatch, scancel
}

func TestClassicalSameCurveOnEveryBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("worker processes need a POSIX shell")
	}
	t.Setenv(workerEnv, "1")

	reference := newEnv(t, "inproc", "")
	out, err := reference.run(t, "run", "-j", reference.job)
	require.NoError(t, err, out)
	want := reference.curve(t, 1)
	require.Len(t, want.Poes, 5)

	t.Run("processpool", func(t *testing.T) {
		e := newEnv(t, "processpool", "")
		out, err := e.run(t, "run", "-j", e.job)
		require.NoError(t, err, out)
		assert.Contains(t, out, "completed")
		assert.InDeltaSlice(t, want.Poes, e.curve(t, 1).Poes, 1e-12)
	})

	t.Run("slurm", func(t *testing.T) {
		if _, err := exec.LookPath("bash"); err != nil {
			t.Skip("bash not available")
		}
		sbatch, scancel := fakeSlurm(t)
		e := newEnv(t, "slurm", fmt.Sprintf("slurm:\n  sbatch: %s\n  scancel: %s\n", sbatch, scancel))
		out, err := e.run(t, "run", "-j", e.job)
		require.NoError(t, err, out)
		assert.InDeltaSlice(t, want.Poes, e.curve(t, 1).Poes, 1e-12)

		// 每個階段都留下提交腳本與 job.json
		for _, phase := range []string{calc.PhasePreclassical, calc.PhaseClassical, calc.PhasePostclassical} {
			scripts, _ := filepath.Glob(filepath.Join(e.baseDir, "calc_1", phase, "*.sh"))
			assert.NotEmpty(t, scripts, phase)
		}

		status, err := e.run(t, "status", "1")
		require.NoError(t, err)
		assert.Contains(t, status, "slurm")
	})
}

func TestWorkerExitsNonZeroOnFailure(t *testing.T) {
	t.Setenv(workerEnv, "1")
	exe, err := os.Executable()
	require.NoError(t, err)

	// 不存在的工作目錄：找不到 endpoint，worker 必須以非零狀態結束
	cmd := exec.Command(exe, "worker", "--operation", calc.PhaseClassical, filepath.Join(t.TempDir(), "calc_9"), "1")
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, string(out))
	assert.NotEqual(t, 0, exitErr.ExitCode())
}
