package probehub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/google/uuid"
)

// TUploadIdle aborts a firmware upload stalled this long (§5).
const TUploadIdle = 30 * time.Second

// DefaultAllowedExtensions are the firmware file types accepted when
// NewStagingArea is given no extension list (§4.9).
var DefaultAllowedExtensions = []string{".hex", ".bin", ".elf", ".uf2"}

// StagingArea manages the firmware-upload directory (C9), bind-mounted
// into every toolchain container at the same host path.
type StagingArea struct {
	dir        string
	maxBytes   int64
	extensions []string
	names      namegenerator.Generator
}

// NewStagingArea returns a StagingArea rooted at dir ("/tmp/flash_staging"
// in production), creating it if necessary. maxBytes<=0 means no limit;
// a nil extensions list uses DefaultAllowedExtensions.
func NewStagingArea(dir string, maxBytes int64, extensions []string) (*StagingArea, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir %s: %w", dir, err)
	}
	if len(extensions) == 0 {
		extensions = DefaultAllowedExtensions
	}
	return &StagingArea{
		dir:        dir,
		maxBytes:   maxBytes,
		extensions: extensions,
		// Seeded from the clock: these names only disambiguate log lines
		// next to a uuid, they never need to be globally unpredictable.
		names: namegenerator.NewNameGenerator(time.Now().UnixNano()),
	}, nil
}

// StagedFile is one uploaded firmware blob, owned by a single dispatch
// for its duration (§5 "shared resources").
type StagedFile struct {
	HostPath      string // path on the daemon's own filesystem
	ContainerPath string // identical path as seen inside the container
	Label         string // generated name plus the uuid's first 8 chars, e.g. "quiet-falcon-1b4e28ba"; used in log lines only
}

func (a *StagingArea) allowedExt(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range a.extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// Stage copies src into the staging directory under a unique name,
// aborting if the read stalls for longer than TUploadIdle or exceeds
// the configured max size. filename is the client-supplied original
// name, used only to derive the extension.
func (a *StagingArea) Stage(ctx context.Context, src io.Reader, filename string) (*StagedFile, error) {
	ext := filepath.Ext(filename)
	if !a.allowedExt(ext) {
		return nil, &HubError{Kind: ErrInvalidRequest, Err: fmt.Errorf("firmware extension %q not allowed", ext)}
	}

	id := uuid.NewString()
	label := fmt.Sprintf("%s-%s", a.names.Generate(), id[:8])
	base := id + ext
	hostPath := filepath.Join(a.dir, base)

	out, err := os.OpenFile(hostPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating staged file %s: %w", hostPath, err)
	}
	defer out.Close()

	n, err := copyWithIdleTimeout(ctx, out, src, a.maxBytes)
	if err != nil {
		os.Remove(hostPath)
		return nil, err
	}
	slog.InfoContext(ctx, "StagingArea.Stage", "path", hostPath, "label", label, "bytes", n)

	return &StagedFile{HostPath: hostPath, ContainerPath: hostPath, Label: label}, nil
}

// Cleanup removes the staged file, tolerating one that's already gone.
// Called after flash completion regardless of outcome (§4.9, §8).
func (a *StagingArea) Cleanup(ctx context.Context, f *StagedFile) {
	if f == nil {
		return
	}
	if err := os.Remove(f.HostPath); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "StagingArea.Cleanup", "path", f.HostPath, "error", err)
	}
}

// copyWithIdleTimeout streams src into dst, erroring if no bytes are
// read for longer than TUploadIdle, and if maxBytes>0, if the total
// written would exceed it.
func copyWithIdleTimeout(ctx context.Context, dst io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	type chunk struct {
		buf []byte
		n   int
		err error
	}
	reads := make(chan chunk, 1)
	done := make(chan struct{})
	defer close(done)

	var total int64
	for {
		go func() {
			buf := make([]byte, 64*1024)
			n, err := src.Read(buf)
			select {
			case reads <- chunk{buf: buf, n: n, err: err}:
			case <-done:
			}
		}()

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(TUploadIdle):
			return total, &HubError{Kind: ErrInvalidRequest, Err: fmt.Errorf("upload stalled for %s", TUploadIdle)}
		case c := <-reads:
			if c.n > 0 {
				total += int64(c.n)
				if maxBytes > 0 && total > maxBytes {
					return total, &HubError{Kind: ErrInvalidRequest, Err: fmt.Errorf("upload exceeds max size %d bytes", maxBytes)}
				}
				if _, werr := dst.Write(c.buf[:c.n]); werr != nil {
					return total, fmt.Errorf("writing staged file: %w", werr)
				}
			}
			if c.err != nil {
				if c.err == io.EOF {
					return total, nil
				}
				return total, fmt.Errorf("reading upload: %w", c.err)
			}
		}
	}
}
