package probehub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

const defaultLockFileName = "probehubd.lock"

// Server is the top-level daemon: it owns the HTTP listener, the self
// lock guarding against a second accidental instance, and orchestrates
// graceful shutdown of every live session (§4.8, SPEC_FULL §C.2-3).
type Server struct {
	Addr       string
	RunDir     string // holds the daemon's own pidfile lock
	Cfg        *Config
	Inventory  *Inventory
	Dispatch   *Dispatcher
	Sessions   *SessionTable
	Audit      *AuditLog // may be nil

	listener net.Listener
	lockFile *os.File
	shutdown chan struct{}
}

// ListenAndServe acquires the daemon self-lock, binds Addr, and serves
// the HTTP API until a shutdown is triggered (by signal or context).
func (s *Server) ListenAndServe(ctx context.Context) error {
	lockPath := filepath.Join(s.RunDir, defaultLockFileName)
	lockFile, err := acquireDaemonLock(lockPath)
	if err != nil {
		return fmt.Errorf("daemon self-lock: %w", err)
	}
	s.lockFile = lockFile

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.releaseDaemonLock(lockPath)
		return fmt.Errorf("listening on %s: %w", s.Addr, err)
	}
	s.listener = listener
	s.shutdown = make(chan struct{})

	api := NewAPI(s.Cfg, s.Inventory, s.Dispatch, s.Audit)
	httpServer := &http.Server{Handler: api.Mux()}

	go s.waitForShutdown(ctx, httpServer)

	slog.InfoContext(ctx, "Server.ListenAndServe", "addr", s.Addr, "pid", os.Getpid())
	err = httpServer.Serve(listener)
	<-s.shutdown
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) waitForShutdown(ctx context.Context, httpServer *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}
	s.Shutdown(context.Background(), httpServer)
}

// Shutdown stops accepting new connections, force-stops every live
// session (§C.3), and releases the daemon self-lock. Safe to call once.
func (s *Server) Shutdown(ctx context.Context, httpServer *http.Server) {
	slog.InfoContext(ctx, "Server.Shutdown", "pid", os.Getpid())

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "Server.Shutdown http", "error", err)
	}

	for _, sess := range s.Sessions.All() {
		if sv, ok := s.Dispatch.supervisorFor(sess.ProbeID); ok {
			sv.Stop(ReasonForced)
		}
	}
	for _, sess := range s.Sessions.All() {
		if sv, ok := s.Dispatch.supervisorFor(sess.ProbeID); ok {
			sv.Wait()
		}
	}

	lockPath := filepath.Join(s.RunDir, defaultLockFileName)
	s.releaseDaemonLock(lockPath)

	if s.Audit != nil {
		s.Audit.Close()
	}

	close(s.shutdown)
}

func acquireDaemonLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("daemon already running (lock held on %s)", path)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

func (s *Server) releaseDaemonLock(path string) {
	if s.lockFile == nil {
		return
	}
	syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	s.lockFile.Close()
	os.Remove(path)
}
