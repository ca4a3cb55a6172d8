// Package lockfile pins a single router instance per data directory.
// The lock is advisory: a JSON file naming the owning pid. A second
// instance finding a live owner backs off; a dead owner's file is
// stale and gets swept.
package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// FileName is the lock file created under the data directory.
const FileName = "locallama.lock"

// Lock is a held instance lock. Release removes the file.
type Lock struct {
	path   string
	logger *zap.Logger
}

type lockRecord struct {
	PID            int       `json:"pid"`
	StartTime      time.Time `json:"start_time"`
	ConnectionInfo string    `json:"connection_info,omitempty"`
}

// Acquire takes the instance lock under dir. When another live process
// holds it, the error kind is PreconditionFailed; callers treat that as
// clean contention, not failure. A lock naming a dead pid is removed
// and acquisition proceeds.
func Acquire(dir, connectionInfo string, logger *zap.Logger) (*Lock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(dir, FileName)

	if existing, err := read(path); err == nil {
		if alive(existing.PID) {
			return nil, fault.New(fault.PreconditionFailed,
				"another instance (pid %d) holds %s", existing.PID, path)
		}
		logger.Info("removing stale lock",
			zap.Int("pid", existing.PID), zap.String("path", path))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fault.Wrap(fault.Internal, err, "removing stale lock %s", path)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "creating lock directory %s", dir)
	}
	rec := lockRecord{PID: os.Getpid(), StartTime: time.Now().UTC(), ConnectionInfo: connectionInfo}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "encoding lock record")
	}
	// O_EXCL closes the race between two starters that both saw no lock.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fault.New(fault.PreconditionFailed, "lost lock race on %s", path)
		}
		return nil, fault.Wrap(fault.Internal, err, "creating lock %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fault.Wrap(fault.Internal, err, "writing lock %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fault.Wrap(fault.Internal, err, "closing lock %s", path)
	}
	return &Lock{path: path, logger: logger}, nil
}

// Release removes the lock file. Idempotent.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("releasing lock", zap.String("path", l.path), zap.Error(err))
	}
}

func read(path string) (lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockRecord{}, err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// An unreadable lock is treated as stale with no live owner.
		return lockRecord{PID: -1}, nil
	}
	return rec, nil
}

// alive probes the pid with signal 0.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
