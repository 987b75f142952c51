package probehub

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStagingArea_StageAndCleanup(t *testing.T) {
	area, err := NewStagingArea(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewStagingArea() error = %v", err)
	}

	src := strings.NewReader("fake firmware bytes")
	staged, err := area.Stage(context.Background(), src, "blink.hex")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if staged.HostPath != staged.ContainerPath {
		t.Errorf("HostPath %q != ContainerPath %q, want identical bind-mount path", staged.HostPath, staged.ContainerPath)
	}
	if _, err := os.Stat(staged.HostPath); err != nil {
		t.Errorf("staged file missing: %v", err)
	}

	area.Cleanup(context.Background(), staged)
	if _, err := os.Stat(staged.HostPath); !os.IsNotExist(err) {
		t.Errorf("Cleanup() left file behind, stat err = %v", err)
	}

	// Cleanup must tolerate being called again on an already-removed file.
	area.Cleanup(context.Background(), staged)
}

func TestStagingArea_RejectsDisallowedExtension(t *testing.T) {
	area, err := NewStagingArea(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewStagingArea() error = %v", err)
	}

	_, err = area.Stage(context.Background(), strings.NewReader("x"), "firmware.exe")
	if err == nil {
		t.Fatal("expected error for disallowed extension")
	}
	if KindOf(err) != ErrInvalidRequest {
		t.Errorf("error kind = %v, want ErrInvalidRequest", KindOf(err))
	}
}

func TestStagingArea_CustomExtensions(t *testing.T) {
	area, err := NewStagingArea(t.TempDir(), 0, []string{".img"})
	if err != nil {
		t.Fatalf("NewStagingArea() error = %v", err)
	}

	if _, err := area.Stage(context.Background(), strings.NewReader("x"), "firmware.hex"); err == nil {
		t.Error("expected .hex to be rejected when allowed list is only .img")
	}
	if _, err := area.Stage(context.Background(), strings.NewReader("x"), "firmware.IMG"); err != nil {
		t.Errorf("Stage() with allowed extension (case-insensitive) error = %v", err)
	}
}

func TestStagingArea_EnforcesMaxBytes(t *testing.T) {
	area, err := NewStagingArea(t.TempDir(), 4, nil)
	if err != nil {
		t.Fatalf("NewStagingArea() error = %v", err)
	}

	_, err = area.Stage(context.Background(), strings.NewReader("way too much data"), "blink.bin")
	if err == nil {
		t.Fatal("expected error for upload exceeding max size")
	}
	if KindOf(err) != ErrInvalidRequest {
		t.Errorf("error kind = %v, want ErrInvalidRequest", KindOf(err))
	}

	// The partial file must not be left behind.
	entries, _ := os.ReadDir(area.dir)
	if len(entries) != 0 {
		t.Errorf("staging dir not cleaned up after oversized upload: %v", entries)
	}
}

func TestStagingArea_UniqueNamesAcrossUploads(t *testing.T) {
	area, err := NewStagingArea(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewStagingArea() error = %v", err)
	}

	f1, err := area.Stage(context.Background(), strings.NewReader("a"), "a.bin")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	f2, err := area.Stage(context.Background(), strings.NewReader("b"), "b.bin")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if filepath.Base(f1.HostPath) == filepath.Base(f2.HostPath) {
		t.Errorf("expected distinct staged filenames, both %q", f1.HostPath)
	}
	if f1.Label == f2.Label {
		t.Errorf("expected distinct labels, both %q", f1.Label)
	}
}
