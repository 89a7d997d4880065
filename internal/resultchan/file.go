package resultchan

// ============================================================================
// 共享檔案系統傳輸
//
// 每個結果是 results/<index>.json，以 link(2) 寫入，已存在即視為重複。
// 訂閱端用 fsnotify 監聽目錄並定期掃描（NFS/Lustre 不一定送出 inotify 事件）。
// 取消時寫入 results/CANCELLED 標記檔。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

const cancelMarker = "CANCELLED"

// ResultsDirIn resolves keys inside one run working directory (worker side).
func ResultsDirIn(workDir string) func(Key) string {
	return func(k Key) string { return layout.ResultsDir(workDir, k.Phase) }
}

// ResultsDirUnder resolves keys under the base data directory (governing side).
func ResultsDirUnder(base string) func(Key) string {
	return func(k Key) string { return layout.ResultsDir(layout.RunDir(base, k.RunID), k.Phase) }
}

// FileChannel is the shared-filesystem transport.
type FileChannel struct {
	resolve      func(Key) string
	scanInterval time.Duration
	log          *zap.Logger

	mu         sync.Mutex
	subscribed map[Key]bool
}

// FileOption configures a FileChannel.
type FileOption func(*FileChannel)

// WithScanInterval sets how often subscribers rescan the results directory.
func WithScanInterval(d time.Duration) FileOption {
	return func(c *FileChannel) {
		if d > 0 {
			c.scanInterval = d
		}
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(l *zap.Logger) FileOption {
	return func(c *FileChannel) { c.log = l }
}

// NewFileChannel 建立共享檔案系統結果通道
func NewFileChannel(resolve func(Key) string, opts ...FileOption) *FileChannel {
	c := &FileChannel{
		resolve:      resolve,
		scanInterval: 2 * time.Second,
		log:          zap.NewNop(),
		subscribed:   make(map[Key]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FileChannel) cancelled(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, cancelMarker))
	return err == nil
}

// Publish writes msg as a write-once file.
func (c *FileChannel) Publish(ctx context.Context, msg types.ResultMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	key := KeyOf(msg)
	dir := c.resolve(key)
	if c.cancelled(dir) {
		return cancelledError("resultchan.publish", key)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("resultchan: create results dir: %w", err)
	}

	data, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("resultchan: marshal message: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".publish-*")
	if err != nil {
		return fmt.Errorf("resultchan: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("resultchan: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("resultchan: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// link 失敗於已存在的目標，保證每個 index 只被接受一次
	final := filepath.Join(dir, fmt.Sprintf("%d.json", msg.Index))
	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrDuplicate
		}
		return fmt.Errorf("resultchan: publish: %w", err)
	}
	return nil
}

// Subscribe watches the results directory of key.
func (c *FileChannel) Subscribe(ctx context.Context, key Key) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed[key] {
		return nil, ErrAlreadySubscribed
	}
	dir := c.resolve(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("resultchan: create results dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// 沒有 inotify 時退化為純掃描
		c.log.Warn("fsnotify unavailable, falling back to periodic scan", zap.Error(err))
		watcher = nil
	} else if err := watcher.Add(dir); err != nil {
		c.log.Warn("cannot watch results dir, falling back to periodic scan",
			zap.String("dir", dir), zap.Error(err))
		watcher.Close()
		watcher = nil
	}

	c.subscribed[key] = true
	return &fileSubscription{
		key:     key,
		dir:     dir,
		watcher: watcher,
		ticker:  time.NewTicker(c.scanInterval),
		seen:    make(map[types.TaskIndex]struct{}),
		log:     c.log,
	}, nil
}

// Cancel drops the marker file. Idempotent.
func (c *FileChannel) Cancel(ctx context.Context, key Key) error {
	dir := c.resolve(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, cancelMarker), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("resultchan: write cancel marker: %w", err)
	}
	return f.Close()
}

// Endpoint tells workers to write into their run directory.
func (c *FileChannel) Endpoint() types.Endpoint {
	return types.Endpoint{Transport: types.TransportFile}
}

func (c *FileChannel) Close() error { return nil }

type fileSubscription struct {
	key     Key
	dir     string
	watcher *fsnotify.Watcher
	ticker  *time.Ticker
	seen    map[types.TaskIndex]struct{}
	queue   []types.ResultMessage
	log     *zap.Logger
	closed  bool
}

func (s *fileSubscription) Next(ctx context.Context) (types.ResultMessage, error) {
	if s.closed {
		return types.ResultMessage{}, ErrClosed
	}
	for {
		if _, err := os.Stat(filepath.Join(s.dir, cancelMarker)); err == nil {
			return types.ResultMessage{}, cancelledError("resultchan.next", s.key)
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			return msg, nil
		}
		if err := s.scan(); err != nil {
			return types.ResultMessage{}, err
		}
		if len(s.queue) > 0 {
			continue
		}
		if err := s.wait(ctx); err != nil {
			return types.ResultMessage{}, err
		}
	}
}

func (s *fileSubscription) wait(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if s.watcher != nil {
		events = s.watcher.Events
		errs = s.watcher.Errors
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ticker.C:
	case <-events:
	case err := <-errs:
		s.log.Warn("fsnotify error", zap.Error(err))
	}
	return nil
}

// scan 讀取所有尚未交付的結果檔，依 index 排序後放入佇列
func (s *fileSubscription) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("resultchan: scan results dir: %w", err)
	}
	var fresh []types.ResultMessage
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		index := types.TaskIndex(n)
		if _, ok := s.seen[index]; ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("resultchan: read result: %w", err)
		}
		msg, err := unmarshalMessage(data)
		if err != nil {
			// 以 link 發布的檔案是完整的；解析失敗代表被外部改寫
			s.log.Error("unreadable result file", zap.String("file", name), zap.Error(err))
			msg = types.ResultMessage{
				RunID: s.key.RunID, Phase: s.key.Phase, Index: index,
				Status: types.ResultError, Error: fmt.Sprintf("corrupted result file: %v", err),
			}
		}
		s.seen[index] = struct{}{}
		fresh = append(fresh, msg)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Index < fresh[j].Index })
	s.queue = append(s.queue, fresh...)
	return nil
}

func (s *fileSubscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ticker.Stop()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
