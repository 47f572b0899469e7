package loopstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/smile-run/smile/internal/errs"
)

// heartbeatInterval is how often a live lock refreshes its marker.
const heartbeatInterval = 15 * time.Second

// LockPath derives the lock marker path for a state file.
func LockPath(statePath string) string { return statePath + ".lock" }

// lockInfo is the JSON body of the lock marker.
type lockInfo struct {
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Lock is exclusive ownership of a state-file path. The owner refreshes a
// heartbeat timestamp in the marker so crashed sessions can be told apart
// from live ones.
type Lock struct {
	path   string
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// AcquireLock claims exclusivity for statePath. staleAfter is how old a
// marker's heartbeat must be before a dead owner's lock may be reclaimed;
// callers pass twice the session timeout. A live marker means another loop
// owns the path and the acquire fails.
func AcquireLock(statePath string, staleAfter time.Duration, logger *slog.Logger) (*Lock, error) {
	path := LockPath(statePath)

	if err := tryCreate(path); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, errs.Wrap(errs.KindIO,
				fmt.Sprintf("failed to create lock file %q", path), "", err)
		}
		info, readErr := readLockInfo(path)
		if readErr == nil && time.Since(info.HeartbeatAt) <= staleAfter {
			return nil, errs.LoopAlreadyRunning(statePath)
		}
		if readErr != nil {
			logger.Warn("reclaiming unreadable session lock",
				"lock_file", path,
				"error", readErr)
		} else {
			// Stale heartbeat: the owner is gone.
			logger.Warn("reclaiming stale session lock",
				"lock_file", path,
				"owner_pid", info.PID,
				"last_heartbeat", info.HeartbeatAt,
				"stale_after", staleAfter)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrap(errs.KindIO,
				fmt.Sprintf("failed to remove stale lock file %q", path),
				"Remove the lock file manually", err)
		}
		if err := tryCreate(path); err != nil {
			if errors.Is(err, fs.ErrExist) {
				// Another process won the reclamation race.
				return nil, errs.LoopAlreadyRunning(statePath)
			}
			return nil, errs.Wrap(errs.KindIO,
				fmt.Sprintf("failed to create lock file %q", path), "", err)
		}
	}

	l := &Lock{
		path:   path,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.heartbeat()
	return l, nil
}

// Release stops the heartbeat and removes the marker. Safe to call more
// than once.
func (l *Lock) Release() {
	select {
	case <-l.stop:
		return
	default:
	}
	close(l.stop)
	<-l.done
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.Error("failed to remove lock file", "lock_file", l.path, "error", err)
	}
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			if err := writeLockInfo(l.path); err != nil {
				l.logger.Warn("failed to refresh session lock heartbeat",
					"lock_file", l.path, "error", err)
			}
		}
	}
}

// tryCreate atomically creates the marker, failing with fs.ErrExist when
// another owner holds it.
func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	data, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: now, HeartbeatAt: now})
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// writeLockInfo refreshes the heartbeat via write-to-temp-then-rename, so a
// concurrent reader never observes a partially written marker.
func writeLockInfo(path string) error {
	info, err := readLockInfo(path)
	if err != nil {
		info = lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	}
	info.HeartbeatAt = time.Now().UTC()
	data, _ := json.Marshal(info)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func readLockInfo(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	return info, nil
}
