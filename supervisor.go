package probehub

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor timing parameters (§4.7, §5).
const (
	TAttach         = 60 * time.Second
	TTerm           = 5 * time.Second
	pollInterval    = 1 * time.Second
	debounceSamples = 2
	killGrace       = 2 * time.Second
)

// PresenceChecker counts established TCP connections to a port, the
// "client presence" signal §4.7 drives the state machine from.
type PresenceChecker interface {
	ClientCount(ctx context.Context, port int) (int, error)
}

// Supervisor watches one long-lived session (§4.7), driving it through
// NEW -> AWAITING_CLIENT -> ATTACHED -> DRAINING -> STOPPED on client
// presence, server-process death, attach timeout, or a forced stop. It
// keeps the probe lock held for the session's entire lifetime and
// releases it exactly once, on the terminal transition.
type Supervisor struct {
	session    *Session
	lock       *ProbeLockHandle
	containers ContainerManager
	proc       *SpawnedProcess
	presence   PresenceChecker
	table      *SessionTable
	audit      *AuditLog

	// processPattern identifies the server binary for pkill -f cleanup
	// (e.g. "JLinkGDBServer", "openocd"), derived from the rendered
	// command by the dispatcher.
	processPattern string

	stopCh chan StopReason
	done   chan struct{}
}

// NewSupervisor constructs a Supervisor for an already-spawned session.
// audit may be nil.
func NewSupervisor(session *Session, lock *ProbeLockHandle, containers ContainerManager, proc *SpawnedProcess, presence PresenceChecker, table *SessionTable, audit *AuditLog, processPattern string) *Supervisor {
	return &Supervisor{
		session:        session,
		lock:           lock,
		containers:     containers,
		proc:           proc,
		presence:       presence,
		table:          table,
		audit:          audit,
		processPattern: processPattern,
		stopCh:         make(chan StopReason, 1),
		done:           make(chan struct{}),
	}
}

// Start runs the supervisor's lifecycle loop in the background.
func (sv *Supervisor) Start(ctx context.Context) {
	go sv.run(ctx)
}

// Stop requests a forced stop with the given reason. Idempotent: a
// second call on an already-stopping or already-stopped supervisor is
// a harmless no-op.
func (sv *Supervisor) Stop(reason StopReason) {
	select {
	case sv.stopCh <- reason:
	default:
	}
}

// Wait blocks until cleanup (lock release, table removal) is complete.
func (sv *Supervisor) Wait() {
	<-sv.done
}

func (sv *Supervisor) run(ctx context.Context) {
	defer close(sv.done)
	sv.session.setState(StateAwaitingClient, ReasonNone)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	reasonCh := make(chan StopReason, 1)
	notify := func(r StopReason) {
		select {
		case reasonCh <- r:
		default:
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-sv.proc.Exited():
			notify(ReasonServerExited)
		case <-watchCtx.Done():
		}
		return nil
	})
	g.Go(func() error {
		sv.watchPresence(watchCtx, notify)
		return nil
	})

	var reason StopReason
	select {
	case reason = <-reasonCh:
	case reason = <-sv.stopCh:
	}

	cancelWatch()
	g.Wait()

	sv.terminate(context.Background(), reason)
}

func (sv *Supervisor) watchPresence(ctx context.Context, notify func(StopReason)) {
	attachTimer := time.NewTimer(TAttach)
	defer attachTimer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	zeroStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-attachTimer.C:
			if state, _ := sv.session.State(); state == StateAwaitingClient {
				notify(ReasonAttachTimeout)
				return
			}
		case <-ticker.C:
			count, err := sv.presence.ClientCount(ctx, sv.session.primaryPort())
			if err != nil {
				slog.WarnContext(ctx, "Supervisor.watchPresence", "probe", sv.session.ProbeID, "error", err)
				continue
			}
			state, _ := sv.session.State()
			switch {
			case count >= 1 && state == StateAwaitingClient:
				sv.session.setState(StateAttached, ReasonNone)
				zeroStreak = 0
			case count >= 1 && state == StateAttached:
				zeroStreak = 0
			case count == 0 && state == StateAttached:
				zeroStreak++
				if zeroStreak >= debounceSamples {
					sv.session.setState(StateDraining, ReasonNone)
					notify(ReasonDisconnect)
					return
				}
			}
		}
	}
}

// terminate runs the DRAINING -> STOPPED teardown: SIGTERM, bounded
// wait, SIGKILL escalation, residual-binary cleanup, lock release,
// table removal. Called exactly once per session.
func (sv *Supervisor) terminate(ctx context.Context, reason StopReason) {
	sv.session.setState(StateDraining, ReasonNone)
	slog.InfoContext(ctx, "Supervisor.terminate", "probe", sv.session.ProbeID, "reason", reason)

	if reason != ReasonServerExited {
		if err := sv.containers.KillNamed(ctx, sv.session.ContainerName, sv.processPattern, "TERM"); err != nil {
			slog.WarnContext(ctx, "Supervisor.terminate SIGTERM", "error", err)
		}
		select {
		case <-sv.proc.Exited():
		case <-time.After(TTerm):
			if err := sv.containers.KillNamed(ctx, sv.session.ContainerName, sv.processPattern, "KILL"); err != nil {
				slog.WarnContext(ctx, "Supervisor.terminate SIGKILL", "error", err)
			}
			select {
			case <-sv.proc.Exited():
			case <-time.After(killGrace):
			}
		}
	}

	sv.session.setState(StateStopped, reason)
	if err := sv.lock.Release(); err != nil {
		slog.ErrorContext(ctx, "Supervisor.terminate lock release", "probe", sv.session.ProbeID, "error", err)
	}
	sv.table.Remove(sv.session.ProbeID)
	if sv.audit != nil {
		sv.audit.RecordSessionEnd(ctx, sv.session, reason)
	}
}
