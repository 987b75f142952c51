package probehub

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAuditLog_RecordDispatchAndSessionEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	audit, err := OpenAuditLog(path)
	if err != nil {
		t.Fatalf("OpenAuditLog() error = %v", err)
	}
	defer audit.Close()

	sess := newSession(1, ModeDebug, "nrf52840", "jlink-tool-p1", AllocatedPorts{GDB: 3331})
	ctx := context.Background()

	if _, err := audit.RecordDispatch(ctx, sess); err != nil {
		t.Fatalf("RecordDispatch() error = %v", err)
	}
	audit.RecordSessionEnd(ctx, sess, ReasonDisconnect)

	records, err := audit.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	r := records[0]
	if r.ProbeID != 1 || r.Target != "nrf52840" || r.Mode != string(ModeDebug) {
		t.Errorf("record = %+v, unexpected fields", r)
	}
	if r.EndedAt == nil || r.StopReason != string(ReasonDisconnect) {
		t.Errorf("record = %+v, want ended_at set and stop_reason=disconnect", r)
	}
}

func TestAuditLog_RecentOrdersNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	audit, err := OpenAuditLog(path)
	if err != nil {
		t.Fatalf("OpenAuditLog() error = %v", err)
	}
	defer audit.Close()

	ctx := context.Background()
	s1 := newSession(1, ModeDebug, "nrf52840", "jlink-tool-p1", AllocatedPorts{GDB: 3331})
	s2 := newSession(2, ModePrint, "nrf52840", "wch-tool-p2", AllocatedPorts{Print: 6332})
	if _, err := audit.RecordDispatch(ctx, s1); err != nil {
		t.Fatalf("RecordDispatch(s1) error = %v", err)
	}
	if _, err := audit.RecordDispatch(ctx, s2); err != nil {
		t.Fatalf("RecordDispatch(s2) error = %v", err)
	}

	records, err := audit.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 || records[0].ProbeID != 2 {
		t.Fatalf("records = %+v, want probe 2 (most recent) first", records)
	}
}
