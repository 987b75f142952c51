package probehub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TComposeUp bounds how long a container start may take (§5).
const TComposeUp = 30 * time.Second

// DispatchRequest is the parsed form of a POST /dispatch call (§6).
type DispatchRequest struct {
	Target       string
	ProbeID      int
	Mode         Mode
	Transport    string
	Firmware     io.Reader // nil unless Mode == ModeFlash
	FirmwareName string
}

// DispatchResult is what the dispatcher hands back to the HTTP layer
// for a single call (§6): flash results carry exit code/output; debug
// and print results carry the allocated ports of a now-running session.
type DispatchResult struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Log        string `json:"log,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	GDBPort    int    `json:"gdb_port,omitempty"`
	TelnetPort int    `json:"telnet_port,omitempty"`
	RTTPort    int    `json:"rtt_port,omitempty"`
	PrintPort  int    `json:"print_port,omitempty"`
}

// Dispatcher is the decision core (C6): validates a request against the
// config and live inventory, resolves and renders the command template,
// acquires the probe lock, and drives execution by mode.
type Dispatcher struct {
	cfg        *Config
	inventory  *Inventory
	locks      *LockManager
	containers ContainerManager
	staging    *StagingArea
	sessions   *SessionTable
	presence   PresenceChecker
	audit      *AuditLog // may be nil

	mu           sync.Mutex
	supervisors  map[int]*Supervisor
	flashCancel  map[int]context.CancelFunc
}

// NewDispatcher wires together the components a dispatch needs. audit
// may be nil to run without a history log.
func NewDispatcher(cfg *Config, inv *Inventory, locks *LockManager, containers ContainerManager, staging *StagingArea, sessions *SessionTable, presence PresenceChecker, audit *AuditLog) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		inventory:   inv,
		locks:       locks,
		containers:  containers,
		staging:     staging,
		sessions:    sessions,
		presence:    presence,
		audit:       audit,
		supervisors: map[int]*Supervisor{},
		flashCancel: map[int]context.CancelFunc{},
	}
}

// Dispatch validates and executes one request per §4.6's ordering.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	ctx, span := tracer().Start(ctx, "dispatch."+string(req.Mode))
	defer span.End()
	span.SetAttributes(
		attribute.String("probehub.target", req.Target),
		attribute.Int("probehub.probe_id", req.ProbeID),
		attribute.String("probehub.mode", string(req.Mode)),
	)

	result, err := d.dispatch(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if !req.Mode.valid() {
		return nil, newErr(ErrInvalidRequest, "unknown mode %q", req.Mode)
	}

	// 1. Target exists.
	target, ok := d.cfg.Target(req.Target)
	if !ok {
		return nil, newErr(ErrUnknownTarget, "unknown target %q", req.Target)
	}

	// 2. Probe exists and is connected.
	probe, ok := d.cfg.Probe(req.ProbeID)
	if !ok {
		return nil, newErr(ErrUnknownProbe, "unknown probe %d", req.ProbeID)
	}
	statuses, err := d.inventory.Scan(ctx)
	if err != nil {
		return nil, &HubError{Kind: ErrInternal, Err: fmt.Errorf("scanning inventory: %w", err)}
	}
	if !probeConnected(statuses, probe.ID) {
		return nil, newErr(ErrProbeNotConnected, "probe %d not connected", probe.ID)
	}

	// 3. Interface compatible with mode.
	if !CompatibleInterface(target, req.Mode, probe.Interface) {
		return nil, newErr(ErrIncompatibleProbe, "interface %s not compatible with target %s mode %s", probe.Interface, req.Target, req.Mode)
	}

	// 4. Transport resolution.
	transport, err := ResolveTransport(target, probe.Interface, req.Transport)
	if err != nil {
		return nil, &HubError{Kind: ErrInvalidTransport, Err: err}
	}

	// 5. Firmware blob required iff flash.
	if req.Mode == ModeFlash && req.Firmware == nil {
		return nil, newErr(ErrInvalidRequest, "flash dispatch requires a firmware file")
	}
	if req.Mode != ModeFlash && req.Firmware != nil {
		return nil, newErr(ErrInvalidRequest, "firmware file only accepted for flash dispatches")
	}

	// Pre-execution.
	ports := d.cfg.Ports.Allocate(probe.ID)

	containerKey, cont, ok := d.cfg.ContainerFor(target, probe.Interface)
	if !ok {
		return nil, &HubError{Kind: ErrInternal, Err: fmt.Errorf("target %s: no container configured for interface %s", req.Target, probe.Interface)}
	}
	containerName := NameForContainer(containerKey, cont, probe.ID)

	var staged *StagedFile
	if req.Mode == ModeFlash {
		staged, err = d.staging.Stage(ctx, req.Firmware, req.FirmwareName)
		if err != nil {
			return nil, err
		}
	}

	tmpl, err := d.cfg.ResolveCommand(target, probe.Interface, req.Mode)
	if err != nil {
		d.staging.Cleanup(ctx, staged)
		return nil, &HubError{Kind: ErrTemplateError, Err: err}
	}

	baud := probe.UARTBaud
	if baud == 0 {
		baud = DefaultUARTBaud
	}
	values := TemplateValues{
		Serial:     probe.Serial,
		GDBPort:    ports.GDB,
		TelnetPort: ports.Telnet,
		RTTPort:    ports.RTT,
		PrintPort:  ports.Print,
		DevicePath: probe.DeviceNode,
		Transport:  transport,
		UARTBaud:   baud,
	}
	if staged != nil {
		values.FirmwarePath = staged.ContainerPath
	}
	command, err := Render(tmpl, values)
	if err != nil {
		d.staging.Cleanup(ctx, staged)
		return nil, err
	}

	lockHandle, err := d.locks.TryAcquire(probe.ID)
	if err != nil {
		d.staging.Cleanup(ctx, staged)
		if errors.Is(err, ErrBusy) {
			return nil, newErr(ErrProbeBusy, "probe %d is busy", probe.ID)
		}
		return nil, &HubError{Kind: ErrInternal, Err: err}
	}

	switch req.Mode {
	case ModeFlash:
		return d.runFlash(ctx, probe.ID, req.Target, containerName, command, lockHandle, staged)
	default:
		return d.runSession(ctx, req, probe, containerName, command, ports, lockHandle)
	}
}

// supervisorFor returns the live supervisor for probeID, if any, for
// use by Server's shutdown sequence.
func (d *Dispatcher) supervisorFor(probeID int) (*Supervisor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv, ok := d.supervisors[probeID]
	return sv, ok
}

func probeConnected(statuses []ProbeStatus, probeID int) bool {
	for _, s := range statuses {
		if s.ID == probeID {
			return s.Connected
		}
	}
	return false
}

// runFlash ensures the container is up, execs the rendered command to
// completion, and always releases the lock and staged firmware
// regardless of outcome (§4.6, §8 "leaves no residual file").
func (d *Dispatcher) runFlash(ctx context.Context, probeID int, target, containerName, command string, lockHandle *ProbeLockHandle, staged *StagedFile) (*DispatchResult, error) {
	flashCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.flashCancel[probeID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.flashCancel, probeID)
		d.mu.Unlock()
		cancel()
	}()

	defer lockHandle.Release()
	defer d.staging.Cleanup(ctx, staged)

	dispatchedAt := time.Now()
	recordOutcome := func(outcome string) {
		if d.audit != nil {
			d.audit.RecordFlash(context.Background(), probeID, target, containerName, dispatchedAt, outcome)
		}
	}

	if err := d.containers.EnsureRunning(flashCtx, containerName, TComposeUp); err != nil {
		recordOutcome(string(KindOf(err)))
		return nil, err
	}

	start := time.Now()
	stdout, stderr, exitCode, err := d.containers.Exec(flashCtx, containerName, command)
	duration := time.Since(start)
	if err != nil {
		recordOutcome(string(ErrInternal))
		return nil, &HubError{Kind: ErrInternal, Err: err, Log: stderr}
	}
	if exitCode != 0 {
		recordOutcome(string(ErrToolFailed))
		return nil, &HubError{Kind: ErrToolFailed, Err: fmt.Errorf("flash tool exited %d", exitCode), Log: stderr}
	}

	recordOutcome("ok")
	return &DispatchResult{
		Status:     "ok",
		ExitCode:   exitCode,
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMS: duration.Milliseconds(),
	}, nil
}

// runSession starts a debug or print server detached and hands the
// session off to a Supervisor (§4.6, §4.7).
func (d *Dispatcher) runSession(ctx context.Context, req DispatchRequest, probe Probe, containerName, command string, ports AllocatedPorts, lockHandle *ProbeLockHandle) (*DispatchResult, error) {
	if err := d.containers.EnsureRunning(ctx, containerName, TComposeUp); err != nil {
		lockHandle.Release()
		return nil, err
	}

	proc, err := d.containers.SpawnDetached(ctx, containerName, command)
	if err != nil {
		lockHandle.Release()
		return nil, &HubError{Kind: ErrInternal, Err: fmt.Errorf("spawning session server: %w", err)}
	}

	sess := newSession(probe.ID, req.Mode, req.Target, containerName, ports)
	if err := d.sessions.TryInsert(sess); err != nil {
		lockHandle.Release()
		return nil, &HubError{Kind: ErrInternal, Err: err}
	}

	if d.audit != nil {
		if _, err := d.audit.RecordDispatch(ctx, sess); err != nil {
			// Audit failures are informational only; the session still runs.
		}
	}

	processPattern := firstToken(command)
	sv := NewSupervisor(sess, lockHandle, d.containers, proc, d.presence, d.sessions, d.audit, processPattern)

	d.mu.Lock()
	d.supervisors[probe.ID] = sv
	d.mu.Unlock()
	// The supervisor outlives the request, so it must not inherit the
	// request's cancellation.
	sv.Start(context.WithoutCancel(ctx))
	go func() {
		sv.Wait()
		d.mu.Lock()
		delete(d.supervisors, probe.ID)
		d.mu.Unlock()
	}()

	return &DispatchResult{
		Status:     "started",
		GDBPort:    ports.GDB,
		TelnetPort: ports.Telnet,
		RTTPort:    ports.RTT,
		PrintPort:  ports.Print,
	}, nil
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return filepath.Base(fields[0])
}

// StopSession services POST /session/stop (§6). kind selects which
// live session or in-flight flash on probeID to act on; "all" matches
// anything. Synchronous: it waits for the lock to actually be released
// before returning (§5 ordering guarantee).
func (d *Dispatcher) StopSession(ctx context.Context, probeID int, kind string) (string, error) {
	if kind == "" {
		kind = "all"
	}

	d.mu.Lock()
	sv, hasSession := d.supervisors[probeID]
	cancel, hasFlash := d.flashCancel[probeID]
	d.mu.Unlock()

	if hasSession {
		sess, ok := d.sessions.Get(probeID)
		if ok && (kind == "all" || string(sess.Mode) == kind) {
			sv.Stop(ReasonForced)
			sv.Wait()
			return "ok", nil
		}
	}

	if hasFlash && kind == "all" {
		cancel()
		// runFlash deletes its flashCancel entry only after its deferred
		// lock release has run, so wait for the entry to disappear.
		for {
			d.mu.Lock()
			_, running := d.flashCancel[probeID]
			d.mu.Unlock()
			if !running {
				return "ok", nil
			}
			select {
			case <-ctx.Done():
				return "", &HubError{Kind: ErrInternal, Err: ctx.Err()}
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	if hasSession || hasFlash {
		return "", newErr(ErrInvalidRequest, "probe %d has no session matching kind %q", probeID, kind)
	}
	return "", newErr(ErrNoSuchSession, "no active session for probe %d", probeID)
}
