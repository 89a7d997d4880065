package worker

import (
	"context"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// TaskFunc 一個 operation 的計算本體，回傳值成為結果訊息的 Payload
type TaskFunc func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error)

// Task 代表 Pool 要執行的一個任務（參數已經寫入 ArgumentStore）
type Task struct {
	WorkDir   string               // run 工作目錄
	Operation string               // 階段名稱
	Index     types.TaskIndex      // 1..N
	Publisher resultchan.Publisher // 結果送往何處
}
