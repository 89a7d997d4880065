package main

// ============================================================================
// 職責說明：
// 1. oqdist 入口點（governing process 與 worker 共用同一個執行檔）
// 2. 處理頂層錯誤與 panic recovery
// 所有邏輯在 internal/cli
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := cli.BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
