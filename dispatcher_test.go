package probehub

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeContainers records whether it was ever invoked, so validation
// failures that must short-circuit before touching containers can be
// asserted against it.
type fakeContainers struct {
	called   bool
	exitCode int
	stderr   string
}

func (f *fakeContainers) EnsureRunning(ctx context.Context, name string, timeout time.Duration) error {
	f.called = true
	return nil
}

func (f *fakeContainers) Exec(ctx context.Context, name, command string) (string, string, int, error) {
	f.called = true
	return "", f.stderr, f.exitCode, nil
}

func (f *fakeContainers) ExecAttached(ctx context.Context, name, command string, std io.ReadWriter) error {
	f.called = true
	return nil
}

func (f *fakeContainers) SpawnDetached(ctx context.Context, name, command string) (*SpawnedProcess, error) {
	f.called = true
	return &SpawnedProcess{ContainerName: name, Command: command, exit: make(chan error, 1)}, nil
}

func (f *fakeContainers) KillNamed(ctx context.Context, name, pattern, signal string) error {
	f.called = true
	return nil
}

type fakePresence struct{ count int }

func (f fakePresence) ClientCount(ctx context.Context, port int) (int, error) {
	return f.count, nil
}

func newTestDispatcher(t *testing.T, connectedDevices []USBDevice, containers *fakeContainers) *Dispatcher {
	t.Helper()
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	inv := NewInventory(cfg, fakeEnumerator{devices: connectedDevices})
	locks, err := NewLockManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	staging, err := NewStagingArea(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewStagingArea() error = %v", err)
	}
	sessions := NewSessionTable()

	return NewDispatcher(cfg, inv, locks, containers, staging, sessions, fakePresence{}, nil)
}

func TestDispatch_UnknownMode(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, nil, containers)

	_, err := d.Dispatch(context.Background(), DispatchRequest{Target: "nrf52840", ProbeID: 1, Mode: "bogus"})
	if KindOf(err) != ErrInvalidRequest {
		t.Errorf("error kind = %v, want ErrInvalidRequest", KindOf(err))
	}
	if containers.called {
		t.Error("containers should never be touched on invalid mode")
	}
}

func TestDispatch_UnknownTarget(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, nil, containers)

	_, err := d.Dispatch(context.Background(), DispatchRequest{Target: "does-not-exist", ProbeID: 1, Mode: ModeDebug})
	if KindOf(err) != ErrUnknownTarget {
		t.Errorf("error kind = %v, want ErrUnknownTarget", KindOf(err))
	}
}

func TestDispatch_UnknownProbe(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, nil, containers)

	_, err := d.Dispatch(context.Background(), DispatchRequest{Target: "nrf52840", ProbeID: 999, Mode: ModeDebug})
	if KindOf(err) != ErrUnknownProbe {
		t.Errorf("error kind = %v, want ErrUnknownProbe", KindOf(err))
	}
}

func TestDispatch_ProbeNotConnected(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, nil, containers) // no usb devices present

	_, err := d.Dispatch(context.Background(), DispatchRequest{Target: "nrf52840", ProbeID: 1, Mode: ModeDebug})
	if KindOf(err) != ErrProbeNotConnected {
		t.Errorf("error kind = %v, want ErrProbeNotConnected", KindOf(err))
	}
	if containers.called {
		t.Error("containers should never be touched when the probe isn't connected")
	}
}

func TestDispatch_IncompatibleInterface(t *testing.T) {
	containers := &fakeContainers{}
	// Probe 2 is wch-link; nrf52840's debug compatible_probes list only
	// names jlink.
	d := newTestDispatcher(t, []USBDevice{{VID: "1a86", PID: "8010", Serial: "S2"}}, containers)

	_, err := d.Dispatch(context.Background(), DispatchRequest{Target: "nrf52840", ProbeID: 2, Mode: ModeDebug})
	if KindOf(err) != ErrIncompatibleProbe {
		t.Errorf("error kind = %v, want ErrIncompatibleProbe", KindOf(err))
	}
}

func TestDispatch_InvalidTransport(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, []USBDevice{{VID: "1366", PID: "0105", Serial: "S1"}}, containers)

	_, err := d.Dispatch(context.Background(), DispatchRequest{
		Target: "nrf52840", ProbeID: 1, Mode: ModeFlash, Transport: "rs485",
		Firmware: strings.NewReader("x"), FirmwareName: "blink.hex",
	})
	if KindOf(err) != ErrInvalidTransport {
		t.Errorf("error kind = %v, want ErrInvalidTransport", KindOf(err))
	}
}

func TestDispatch_FlashRequiresFirmware(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, []USBDevice{{VID: "1366", PID: "0105", Serial: "S1"}}, containers)

	_, err := d.Dispatch(context.Background(), DispatchRequest{Target: "nrf52840", ProbeID: 1, Mode: ModeFlash})
	if KindOf(err) != ErrInvalidRequest {
		t.Errorf("error kind = %v, want ErrInvalidRequest (missing firmware)", KindOf(err))
	}
}

func TestDispatch_NonFlashRejectsFirmware(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, []USBDevice{{VID: "1366", PID: "0105", Serial: "S1"}}, containers)

	_, err := d.Dispatch(context.Background(), DispatchRequest{
		Target: "nrf52840", ProbeID: 1, Mode: ModeDebug,
		Firmware: strings.NewReader("x"), FirmwareName: "blink.hex",
	})
	if KindOf(err) != ErrInvalidRequest {
		t.Errorf("error kind = %v, want ErrInvalidRequest (unexpected firmware)", KindOf(err))
	}
}

func TestDispatch_Flash_RunsToCompletion(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, []USBDevice{{VID: "1366", PID: "0105", Serial: "S1"}}, containers)

	result, err := d.Dispatch(context.Background(), DispatchRequest{
		Target: "nrf52840", ProbeID: 1, Mode: ModeFlash,
		Firmware: strings.NewReader("firmware bytes"), FirmwareName: "blink.hex",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("Status = %q, want ok", result.Status)
	}
	if !containers.called {
		t.Error("expected containers to be exercised for a valid flash dispatch")
	}

	// The probe lock must be released by the time Dispatch returns, so a
	// second flash on the same probe can proceed immediately.
	result2, err := d.Dispatch(context.Background(), DispatchRequest{
		Target: "nrf52840", ProbeID: 1, Mode: ModeFlash,
		Firmware: strings.NewReader("more bytes"), FirmwareName: "blink2.hex",
	})
	if err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if result2.Status != "ok" {
		t.Errorf("second Status = %q, want ok", result2.Status)
	}
}

func TestDispatch_Flash_RecordsAuditOutcomes(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	inv := NewInventory(cfg, fakeEnumerator{devices: []USBDevice{{VID: "1366", PID: "0105", Serial: "S1"}}})
	locks, err := NewLockManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	staging, err := NewStagingArea(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewStagingArea() error = %v", err)
	}
	audit, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenAuditLog() error = %v", err)
	}
	defer audit.Close()

	containers := &fakeContainers{}
	d := NewDispatcher(cfg, inv, locks, containers, staging, NewSessionTable(), fakePresence{}, audit)

	if _, err := d.Dispatch(context.Background(), DispatchRequest{
		Target: "nrf52840", ProbeID: 1, Mode: ModeFlash,
		Firmware: strings.NewReader("x"), FirmwareName: "blink.hex",
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	containers.exitCode = 1
	containers.stderr = "verify failed"
	if _, err := d.Dispatch(context.Background(), DispatchRequest{
		Target: "nrf52840", ProbeID: 1, Mode: ModeFlash,
		Firmware: strings.NewReader("x"), FirmwareName: "blink2.hex",
	}); KindOf(err) != ErrToolFailed {
		t.Fatalf("second Dispatch() error kind = %v, want ErrToolFailed", KindOf(err))
	}

	records, err := audit.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2 (one per flash attempt)", len(records))
	}
	if records[0].StopReason != string(ErrToolFailed) || records[0].EndedAt == nil {
		t.Errorf("newest record = %+v, want stop_reason=ToolFailed with ended_at set", records[0])
	}
	if records[1].StopReason != "ok" {
		t.Errorf("oldest record = %+v, want stop_reason=ok", records[1])
	}
}

func TestStopSession_NoSuchSession(t *testing.T) {
	containers := &fakeContainers{}
	d := newTestDispatcher(t, nil, containers)

	_, err := d.StopSession(context.Background(), 1, "all")
	if KindOf(err) != ErrNoSuchSession {
		t.Errorf("error kind = %v, want ErrNoSuchSession", KindOf(err))
	}
}
