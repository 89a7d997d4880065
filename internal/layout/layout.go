// Package layout names every path inside a run working directory.
//
//	<base>/calc_<id>/
//	    run.json  journal.log  output.json
//	    <phase>/
//	        endpoint.json  submit.sh  job.json
//	        args/<index>.pb
//	        results/<index>.json  results/CANCELLED
//	        logs/<index>.log
package layout

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// RunDir is the working directory of a run, visible to all workers.
func RunDir(base string, id types.RunID) string {
	return filepath.Join(base, fmt.Sprintf("calc_%d", id))
}

// RunIDOf recovers the run id from a working directory built by RunDir.
func RunIDOf(workDir string) (types.RunID, error) {
	base := filepath.Base(filepath.Clean(workDir))
	digits, ok := strings.CutPrefix(base, "calc_")
	if !ok {
		return 0, fmt.Errorf("layout: %q is not a run directory", workDir)
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("layout: %q is not a run directory", workDir)
	}
	return types.RunID(id), nil
}

func PhaseDir(workDir, phase string) string {
	return filepath.Join(workDir, phase)
}

func ArgsDir(workDir, phase string) string {
	return filepath.Join(workDir, phase, "args")
}

func ArgsPath(workDir, phase string, index types.TaskIndex) string {
	return filepath.Join(ArgsDir(workDir, phase), fmt.Sprintf("%d.pb", index))
}

func ResultsDir(workDir, phase string) string {
	return filepath.Join(workDir, phase, "results")
}

func LogsDir(workDir, phase string) string {
	return filepath.Join(workDir, phase, "logs")
}

func LogPath(workDir, phase string, index types.TaskIndex) string {
	return filepath.Join(LogsDir(workDir, phase), fmt.Sprintf("%d.log", index))
}

func EndpointPath(workDir, phase string) string {
	return filepath.Join(workDir, phase, "endpoint.json")
}

func ScriptPath(workDir, phase string) string {
	return filepath.Join(workDir, phase, "submit.sh")
}

// JobPath stores the DistributionJob handle so another process can cancel it.
func JobPath(workDir, phase string) string {
	return filepath.Join(workDir, phase, "job.json")
}

func RunRecordPath(workDir string) string {
	return filepath.Join(workDir, "run.json")
}

func JournalPath(workDir string) string {
	return filepath.Join(workDir, "journal.log")
}

func OutputPath(workDir string) string {
	return filepath.Join(workDir, "output.json")
}
