// Package journal 每個 run 的 append-only 事件日誌（journal.log）
package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加 run / phase 事件到日誌檔案（append-only）
// 2. 提供重放功能，供 `oqdist status --events` 與事後檢查使用
// 3. 開啟時截掉崩潰留下的不完整尾端記錄
// 4. 確保寫入持久性與資料完整性（CRC32）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 一個 run 的事件日誌，只有 governing process 寫入
type Journal struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64 // 最後一個事件序號
	syncOnAppend bool   // 是否每次 flush 都 fsync
	closed       bool

	buffer        []Event // 批次寫入緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 Journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描到最後一個完整事件並延續其 seq
- 崩潰留下的半行記錄會被截掉
*/
func Open(path string, syncOnAppend bool) (*Journal, error) {
	lastSeq, validSize, err := scanTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if stat, err := file.Stat(); err == nil && stat.Size() > validSize {
		if err := file.Truncate(validSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("journal: truncate torn record: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           lastSeq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件
//
// 自動填入 Seq、Timestamp、Checksum。事件先進入緩衝區，
// force、緩衝區滿、超過 flushInterval 或終止事件時才寫入檔案。
func (j *Journal) Append(e Event, force bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	e.Seq = j.seq
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	e.Checksum = CalculateChecksum(e)
	j.buffer = append(j.buffer, e)

	if force || e.Type.Terminal() || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 寫出緩衝區
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay 重放本日誌已寫出的所有事件（先 flush）
func (j *Journal) Replay(handler EventHandler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return Replay(j.path, handler)
}

// LastSeq 取得當前的事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) Path() string { return j.path }

// Close 關閉 Journal，關閉後不可再用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ============================================================================
// 讀取
// ============================================================================

// Replay 從頭讀取 path，驗證每個事件的 checksum 並呼叫 handler。
// 沒有換行結尾的最後一行視為寫入中斷，略過。
func Replay(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for line := 1; ; line++ {
		raw, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// 不完整的尾端記錄
			return nil
		}
		if err != nil {
			return err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
}

// ReadAll 回傳 path 中所有事件
func ReadAll(path string) ([]Event, error) {
	var events []Event
	err := Replay(path, func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

// Dump 以人類可讀格式輸出事件
//
//	[seq:1] 2026-01-02T15:04:05.000Z RUN_QUEUED run=7
//	[seq:3] 2026-01-02T15:04:05.120Z PHASE_DISPATCHED run=7 phase=classical job=1234 count=4
func Dump(path string, w io.Writer) error {
	return Replay(path, func(e Event) error {
		_, err := fmt.Fprintln(w, Format(e))
		return err
	})
}

// Format renders one event on a single line.
func Format(e Event) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[seq:%d] %s %s run=%d",
		e.Seq, time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z"), e.Type, e.RunID)
	if e.Phase != "" {
		fmt.Fprintf(&b, " phase=%s", e.Phase)
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	if e.Index != 0 {
		fmt.Fprintf(&b, " index=%d", e.Index)
	}
	if e.Count != 0 {
		fmt.Fprintf(&b, " count=%d", e.Count)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " detail=%q", e.Detail)
	}
	return b.String()
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.syncOnAppend {
		return j.file.Sync()
	}
	return nil
}

// scanTail 回傳最後一個完整事件的 seq，以及完整記錄結束處的位元組位移
func scanTail(path string) (uint64, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	var (
		lastSeq uint64
		offset  int64
	)
	reader := bufio.NewReader(file)
	for line := 1; ; line++ {
		raw, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return lastSeq, offset, nil
		}
		if err != nil {
			return 0, 0, err
		}
		var event Event
		if err := json.Unmarshal(bytes.TrimSpace(raw), &event); err != nil {
			return 0, 0, &CorruptionError{Line: line, Cause: err}
		}
		lastSeq = event.Seq
		offset += int64(len(raw))
	}
}
