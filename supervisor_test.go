package probehub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type atomicPresence struct {
	count atomic.Int32
}

func (p *atomicPresence) ClientCount(ctx context.Context, port int) (int, error) {
	return int(p.count.Load()), nil
}

func newTestSupervisor(t *testing.T, presence PresenceChecker) (*Supervisor, *Session, *fakeContainers, chan error) {
	t.Helper()
	lm, err := NewLockManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	lock, err := lm.TryAcquire(1)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	sess := newSession(1, ModeDebug, "nrf52840", "jlink-tool-p1", AllocatedPorts{GDB: 3331})
	table := NewSessionTable()
	if err := table.TryInsert(sess); err != nil {
		t.Fatalf("TryInsert() error = %v", err)
	}

	containers := &fakeContainers{}
	exitCh := make(chan error, 1)
	proc := &SpawnedProcess{ContainerName: "jlink-tool-p1", Command: "JLinkGDBServer", exit: exitCh}

	sv := NewSupervisor(sess, lock, containers, proc, presence, table, nil, "JLinkGDBServer")
	return sv, sess, containers, exitCh
}

func TestSupervisor_ForcedStopReleasesLockAndTable(t *testing.T) {
	sv, sess, containers, _ := newTestSupervisor(t, &atomicPresence{})
	sv.Start(context.Background())

	sv.Stop(ReasonForced)
	sv.Wait()

	state, reason := sess.State()
	if state != StateStopped || reason != ReasonForced {
		t.Errorf("state = %v/%v, want STOPPED/forced", state, reason)
	}
	if !containers.called {
		t.Error("expected KillNamed to have been exercised during forced stop")
	}
}

func TestSupervisor_ServerExitSkipsKillNamed(t *testing.T) {
	sv, sess, containers, exitCh := newTestSupervisor(t, &atomicPresence{})
	sv.Start(context.Background())

	exitCh <- nil
	sv.Wait()

	state, reason := sess.State()
	if state != StateStopped || reason != ReasonServerExited {
		t.Errorf("state = %v/%v, want STOPPED/server_exited", state, reason)
	}
	if containers.called {
		t.Error("server_exited teardown must skip KillNamed (process already gone)")
	}
}

func TestSupervisor_AttachThenDisconnectDrains(t *testing.T) {
	presence := &atomicPresence{}
	sv, sess, _, _ := newTestSupervisor(t, presence)
	sv.Start(context.Background())

	presence.count.Store(1)
	deadline := time.After(3 * time.Second)
	for {
		if state, _ := sess.State(); state == StateAttached {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session never reached ATTACHED")
		case <-time.After(50 * time.Millisecond):
		}
	}

	presence.count.Store(0)
	sv.Wait()

	state, reason := sess.State()
	if state != StateStopped || reason != ReasonDisconnect {
		t.Errorf("state = %v/%v, want STOPPED/disconnect", state, reason)
	}
}
