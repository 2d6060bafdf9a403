// Package daemon elects exactly one foreman process per project store to own
// execution. The mutual-exclusion primitive is an exclusive create of a lock
// file beside the store; staleness is detected with an OS-level PID probe
// plus a bounded health check against the advertised port.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/imkarma/foreman/internal/store"
)

// LockFileName is the fixed lock filename, one per store directory.
const LockFileName = "daemon.lock"

const (
	healthTimeout     = 750 * time.Millisecond
	HeartbeatInterval = 15 * time.Second
	// StaleAfter is how old a session heartbeat may be before the session is
	// reaped even when its PID cannot be probed.
	StaleAfter = 2 * time.Minute
)

// lockFile is the JSON payload written with create-exclusive semantics.
type lockFile struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	SessionID string `json:"session_id"`
}

// Handle is the result of daemon election for this process.
type Handle struct {
	IsDaemon bool
	Session  *store.Session
	// Port is this daemon's bound port, or the live daemon's advertised port
	// for a non-daemon client.
	Port int
	// Listener is non-nil only for the daemon; the API server serves on it.
	Listener net.Listener

	store    *store.Store
	lockPath string
	once     sync.Once
}

// LockPath derives the lock file location from the store path: same
// directory, fixed filename.
func LockPath(storePath string) string {
	return filepath.Join(filepath.Dir(storePath), LockFileName)
}

// Init performs daemon election against the store at storePath. Exactly one
// of N racing processes becomes the daemon; the rest become clients bound to
// the winner's advertised port. A lock referencing a dead or unresponsive
// owner is treated as stale: its session row is deregistered, the lock is
// deleted, and acquisition is retried once.
func Init(s *store.Store, storePath string, preferredPort int) (*Handle, error) {
	lockPath := LockPath(storePath)

	for attempt := 0; attempt < 2; attempt++ {
		ln, err := bindPort(preferredPort)
		if err != nil {
			return nil, fmt.Errorf("bind port: %w", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port

		// Register as a client first; the daemon flag is set only after the
		// lock is won, so two daemon rows never coexist.
		sess, err := s.RegisterSession(os.Getpid(), port, false)
		if err != nil {
			ln.Close()
			return nil, err
		}

		acquired, err := writeLockExclusive(lockPath, lockFile{
			PID:       os.Getpid(),
			Port:      port,
			SessionID: sess.ID,
		})
		if err != nil {
			ln.Close()
			s.DeregisterSession(sess.ID)
			return nil, err
		}
		if acquired {
			if err := s.PromoteSessionDaemon(sess.ID); err != nil {
				ln.Close()
				s.DeregisterSession(sess.ID)
				os.Remove(lockPath)
				return nil, err
			}
			sess.IsDaemon = true
			return &Handle{
				IsDaemon: true,
				Session:  sess,
				Port:     port,
				Listener: ln,
				store:    s,
				lockPath: lockPath,
			}, nil
		}

		// Lost: someone else holds the lock. Undo our speculative
		// registration before deciding what we are.
		ln.Close()
		s.DeregisterSession(sess.ID)

		existing, err := readLock(lockPath)
		if err != nil {
			// Lock vanished between create and read — retry acquisition.
			continue
		}

		if ownerAlive(lockPath, existing) {
			client, err := s.RegisterSession(os.Getpid(), 0, false)
			if err != nil {
				return nil, err
			}
			return &Handle{
				IsDaemon: false,
				Session:  client,
				Port:     existing.Port,
				store:    s,
				lockPath: lockPath,
			}, nil
		}

		// Stale lock: self-heal and retry once.
		if existing.SessionID != "" {
			s.DeregisterSession(existing.SessionID)
		}
		os.Remove(lockPath)
	}

	return nil, fmt.Errorf("daemon election: lock at %s contested past retry", lockPath)
}

// Cleanup deregisters this process's session and removes the lock file if
// this process owns it. Idempotent: repeated calls and missing state are
// no-ops.
func (h *Handle) Cleanup() {
	h.once.Do(func() {
		if h.Session != nil {
			h.store.DeregisterSession(h.Session.ID)
		}
		if !h.IsDaemon {
			return
		}
		if h.Listener != nil {
			h.Listener.Close()
		}
		// Only remove a lock we still own; a takeover may have replaced it.
		if lf, err := readLock(h.lockPath); err == nil && lf.PID == os.Getpid() {
			os.Remove(h.lockPath)
		}
	})
}

// Heartbeat keeps this session's liveness fresh and, for the daemon, reaps
// dead sessions. Blocks until ctx is done.
func (h *Handle) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.store.TouchSession(h.Session.ID)
			if h.IsDaemon {
				ReapSessions(h.store)
			}
		}
	}
}

// ReapSessions removes session rows whose process is gone or whose heartbeat
// is stale, releasing any workflow locks they held. Returns the number
// reaped.
func ReapSessions(s *store.Store) int {
	sessions, err := s.ListSessions()
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-StaleAfter).UnixMilli()
	reaped := 0
	for _, sess := range sessions {
		if sess.PID == os.Getpid() {
			continue
		}
		if !pidAlive(sess.PID) || sess.LastHeartbeat < cutoff {
			if s.DeregisterSession(sess.ID) == nil {
				reaped++
			}
		}
	}
	return reaped
}

// startupGrace is how long a fresh lock is trusted on the PID probe alone.
// A winner that just acquired the lock has not started its HTTP server yet,
// so the health probe only condemns locks older than this.
const startupGrace = 10 * time.Second

// ownerAlive reports whether the lock's owner still owns the daemon role:
// its PID must exist, and — once past the startup grace window — it must
// answer its health endpoint within the timeout. Non-response counts as
// dead.
func ownerAlive(lockPath string, lf *lockFile) bool {
	if !pidAlive(lf.PID) {
		return false
	}
	if fi, err := os.Stat(lockPath); err == nil && time.Since(fi.ModTime()) < startupGrace {
		return true
	}
	return healthOK(lf.Port)
}

// pidAlive probes a PID with signal 0. EPERM means the process exists but is
// owned by someone else — still alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// healthOK sends a bounded-timeout request to the daemon's liveness endpoint.
func healthOK(port int) bool {
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// writeLockExclusive creates the lock file with O_EXCL semantics. Returns
// false when the file already exists — the filesystem guarantees exactly one
// winner per attempt.
func writeLockExclusive(path string, lf lockFile) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(lf); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("write lock file: %w", err)
	}
	return true, nil
}

func readLock(path string) (*lockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lf, nil
}

// bindPort listens on the preferred port, falling back to the next free one.
func bindPort(preferred int) (net.Listener, error) {
	if preferred > 0 {
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred)); err == nil {
			return ln, nil
		}
	}
	return net.Listen("tcp", "127.0.0.1:0")
}
