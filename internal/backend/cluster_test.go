package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/jobarray"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// fakeScheduler 模擬批次排程器：每個 array 元素在自己的 goroutine 中
// 以 RunRemote 執行，與計算節點上的 worker 走相同路徑
type fakeScheduler struct {
	mu        sync.Mutex
	hold      bool // 不執行任務，模擬排隊中的 array
	submitErr error
	nextID    int
	scripts   []string
	cancelled []string
	wg        sync.WaitGroup
}

func (s *fakeScheduler) Submit(ctx context.Context, scriptPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.nextID++
	s.scripts = append(s.scripts, scriptPath)
	if !s.hold {
		phaseDir := filepath.Dir(scriptPath)
		op, workDir := filepath.Base(phaseDir), filepath.Dir(phaseDir)
		args, _ := filepath.Glob(filepath.Join(layout.ArgsDir(workDir, op), "*.pb"))
		runner := worker.NewRunner(argstore.New(), testRegistry(), nil)
		for i := 1; i <= len(args); i++ {
			s.wg.Add(1)
			go func(index types.TaskIndex) {
				defer s.wg.Done()
				runner.RunRemote(context.Background(), workDir, op, index)
			}(types.TaskIndex(i))
		}
	}
	return strconv.Itoa(1000 + s.nextID), nil
}

func (s *fakeScheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

func newTestCluster(t *testing.T, sched *fakeScheduler, ch resultchan.Channel) *Cluster {
	t.Helper()
	b, err := NewCluster(ClusterOptions{
		Options:   Options{AwaitTimeout: 20 * time.Second},
		Scheduler: sched,
		Script:    jobarray.ScriptConfig{Interpreter: "/opt/oq/bin/oqdist", Partition: "compute"},
		Channel:   ch,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sched.wg.Wait()
		b.Close()
	})
	return b
}

func fileChannel(base string) resultchan.Channel {
	return resultchan.NewFileChannel(resultchan.ResultsDirUnder(base), resultchan.WithScanInterval(20*time.Millisecond))
}

func TestClusterOverSharedFilesystem(t *testing.T) {
	base := t.TempDir()
	sched := &fakeScheduler{}
	b := newTestCluster(t, sched, fileChannel(base))

	phase := newPhase(base, 11, "square", xs(1, 2, 3)...)
	job, err := b.Submit(context.Background(), phase)
	require.NoError(t, err)
	assert.Equal(t, "1001", job.ID)
	assert.Equal(t, "slurm", job.Backend)

	script, err := os.ReadFile(layout.ScriptPath(phase.WorkDir, "square"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "#SBATCH --array=1-3\n")
	assert.Contains(t, string(script), "#SBATCH --partition=compute\n")
	assert.Contains(t, string(script), "worker --operation 'square' '"+phase.WorkDir+"'")

	ep, err := resultchan.ReadEndpoint(phase.WorkDir, "square")
	require.NoError(t, err)
	assert.Equal(t, types.TransportFile, ep.Transport)

	results, err := awaitWithin(t, b, job, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, float64(9), results[2].Payload["y"])

	// 完成後取消不再呼叫 scancel
	require.NoError(t, b.Cancel(context.Background(), job))
	assert.Empty(t, sched.cancelled)
}

func TestClusterOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { client.Close() })

	base := t.TempDir()
	b := newTestCluster(t, &fakeScheduler{}, resultchan.NewRedisChannel(client, "cluster-test"))

	job, err := b.Submit(context.Background(), newPhase(base, 12, "fail", xs(3, 1)...))
	require.NoError(t, err)
	results, err := awaitWithin(t, b, job, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Failed())
	assert.False(t, results[1].Failed())
}

func TestClusterOverGRPC(t *testing.T) {
	server, err := resultchan.ListenGRPC(resultchan.NewBroker(nil), "127.0.0.1:0", nil)
	require.NoError(t, err)

	base := t.TempDir()
	b := newTestCluster(t, &fakeScheduler{}, server)
	job, err := b.Submit(context.Background(), newPhase(base, 13, "square", xs(4)...))
	require.NoError(t, err)
	results, err := awaitWithin(t, b, job, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(16), results[0].Payload["y"])
}

func TestClusterCancelIssuesSingleScancel(t *testing.T) {
	base := t.TempDir()
	sched := &fakeScheduler{hold: true}
	b := newTestCluster(t, sched, fileChannel(base))

	job, err := b.Submit(context.Background(), newPhase(base, 14, "square", xs(1, 2, 3, 4)...))
	require.NoError(t, err)

	require.NoError(t, b.Cancel(context.Background(), job))
	require.NoError(t, b.Cancel(context.Background(), job))
	assert.Equal(t, []string{job.ID}, sched.cancelled)

	_, err = awaitWithin(t, b, job, nil)
	assert.ErrorIs(t, err, types.ErrCancelled)

	// 取消後晚到的 worker 發布會被拒絕
	pub := resultchan.NewFileChannel(resultchan.ResultsDirIn(job.WorkDir))
	err = pub.Publish(context.Background(), types.ResultMessage{RunID: 14, Phase: "square", Index: 1, Status: types.ResultOK})
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestClusterCancelFromAnotherProcess(t *testing.T) {
	base := t.TempDir()
	b := newTestCluster(t, &fakeScheduler{hold: true}, fileChannel(base))
	job, err := b.Submit(context.Background(), newPhase(base, 15, "square", xs(1)...))
	require.NoError(t, err)

	// 另一個進程只有 job.json
	loaded, err := LoadJob(job.WorkDir, "square")
	require.NoError(t, err)
	other := &fakeScheduler{}
	canceller := newTestCluster(t, other, fileChannel(base))
	require.NoError(t, canceller.Cancel(context.Background(), loaded))
	assert.Equal(t, []string{job.ID}, other.cancelled)

	_, err = awaitWithin(t, b, job, nil)
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestClusterSubmitFailure(t *testing.T) {
	base := t.TempDir()
	b := newTestCluster(t, &fakeScheduler{submitErr: errors.New("sbatch: error: invalid partition")}, fileChannel(base))
	_, err := b.Submit(context.Background(), newPhase(base, 16, "square", xs(1)...))
	assert.ErrorIs(t, err, types.ErrDispatch)
	assert.Contains(t, err.Error(), "invalid partition")
}

func TestClusterTimeout(t *testing.T) {
	base := t.TempDir()
	sched := &fakeScheduler{hold: true}
	b, err := NewCluster(ClusterOptions{
		Options:   Options{AwaitTimeout: 100 * time.Millisecond},
		Scheduler: sched,
		Script:    jobarray.ScriptConfig{Interpreter: "oqdist"},
		Channel:   fileChannel(base),
	})
	require.NoError(t, err)
	defer b.Close()

	job, err := b.Submit(context.Background(), newPhase(base, 17, "square", xs(1)...))
	require.NoError(t, err)
	_, err = b.AwaitCompletion(context.Background(), job, nil)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Empty(t, sched.cancelled)
}

func TestNewClusterRequiresReachableChannel(t *testing.T) {
	_, err := NewCluster(ClusterOptions{Scheduler: &fakeScheduler{}, Channel: resultchan.NewBroker(nil)})
	assert.ErrorIs(t, err, resultchan.ErrUnreachable)
	_, err = NewCluster(ClusterOptions{Channel: resultchan.NewBroker(nil)})
	assert.Error(t, err)
}
