// ============================================================================
// oqdist ArgumentStore - 任務參數持久化
// ============================================================================
//
// Package: internal/argstore
// File: store.go
// Purpose: persist each task's input where a worker on any node can read it
//
// 設計:
//   - 一個任務一個檔案：<workdir>/<phase>/args/<index>.pb
//   - 原子性寫入（temp file + rename），同一 key 重複 Put 會確定性覆蓋
//   - 檔案在提交進程重啟後仍然存在，直到 run 被 purge
//
// 錯誤:
//   - ErrStorage:    目錄不可寫、空間不足
//   - ErrNotFound:   參數檔不存在
//   - ErrCorruption: magic / 版本 / checksum / 解碼失敗
//
// ============================================================================

package argstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// Key identifies one task's argument file.
type Key struct {
	WorkDir string          // run working directory
	Phase   string          // operation name
	Index   types.TaskIndex // 1..N
}

// Ref points at a stored argument file.
type Ref struct {
	Key
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Locate builds the Ref a worker uses to find its input.
func Locate(workDir, phase string, index types.TaskIndex) Ref {
	key := Key{WorkDir: workDir, Phase: phase, Index: index}
	return Ref{Key: key, Path: layout.ArgsPath(workDir, phase, index)}
}

// Store reads and writes argument files.
type Store struct {
	log  *zap.Logger
	sync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithSync fsyncs every file before renaming it into place.
func WithSync(enabled bool) Option {
	return func(s *Store) { s.sync = enabled }
}

// New 建立 ArgumentStore
func New(opts ...Option) *Store {
	s := &Store{log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put persists file under key, overwriting any previous content.
func (s *Store) Put(key Key, file types.ArgumentFile) (Ref, error) {
	ref := Locate(key.WorkDir, key.Phase, key.Index)
	fail := func(err error) (Ref, error) {
		return ref, types.NewError(types.ErrStorage, "argstore.put", err).
			WithPhase(file.Context.RunID, key.Phase).WithIndex(key.Index)
	}
	if key.Index < 1 {
		return fail(fmt.Errorf("task index %d out of range", key.Index))
	}

	data, err := encode(file)
	if err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(ref.Path), 0755); err != nil {
		return fail(err)
	}
	if err := s.writeAtomic(ref.Path, data); err != nil {
		return fail(err)
	}

	ref.Size = int64(len(data))
	s.log.Debug("argument file stored",
		zap.String("path", ref.Path), zap.Int64("bytes", ref.Size))
	return ref, nil
}

// writeAtomic 原子性寫入：先寫臨時檔案，再 rename
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if s.sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Get reads back the file behind ref.
func (s *Store) Get(ref Ref) (types.ArgumentFile, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		kind := types.ErrStorage
		if errors.Is(err, fs.ErrNotExist) {
			kind = types.ErrNotFound
		}
		return types.ArgumentFile{}, types.NewError(kind, "argstore.get", err).
			WithPhase(0, ref.Phase).WithIndex(ref.Index)
	}

	file, err := decode(data)
	if err != nil {
		return types.ArgumentFile{}, types.NewError(types.ErrCorruption, "argstore.get",
			fmt.Errorf("%s: %w", ref.Path, err)).WithIndex(ref.Index)
	}
	return file, nil
}

// Size returns the on-disk size of the file behind ref.
func (s *Store) Size(ref Ref) int64 {
	info, err := os.Stat(ref.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Purge removes the argument files of every phase of the run at workDir.
func (s *Store) Purge(workDir string) error {
	dirs, err := filepath.Glob(filepath.Join(workDir, "*", "args"))
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return types.NewError(types.ErrStorage, "argstore.purge", err)
		}
	}
	s.log.Info("argument files purged", zap.String("work_dir", workDir), zap.Int("phases", len(dirs)))
	return nil
}

// DiskUsage sums the size of the argument files held for the run at workDir.
func (s *Store) DiskUsage(workDir string) (int64, error) {
	files, err := filepath.Glob(filepath.Join(workDir, "*", "args", "*.pb"))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
