package probehub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/kazcomy/debug-probe-hub/dockerctl"
	"golang.org/x/term"
)

// SpawnedProcess is a handle to a long-lived command running detached
// inside a toolchain container (C5), used by the session supervisor
// (C7) to watch for process death and to drive a forced stop.
type SpawnedProcess struct {
	ContainerName string
	Command       string

	cmd  *exec.Cmd
	exit chan error
	once sync.Once
}

// Pid returns the host-visible pid of the "docker exec" client process
// that carries the spawned command. It is not the pid inside the
// container's own namespace; forced termination goes through KillNamed
// (C5) rather than signaling this pid directly, because docker exec
// does not reliably forward signals to its grandchild.
func (sp *SpawnedProcess) Pid() int {
	if sp.cmd.Process == nil {
		return 0
	}
	return sp.cmd.Process.Pid
}

// Exited returns a channel that receives the command's terminal error
// (nil on a clean exit) exactly once, when the server process inside
// the container exits for any reason.
func (sp *SpawnedProcess) Exited() <-chan error {
	return sp.exit
}

// ContainerManager lazily ensures per-probe toolchain containers are
// running, executes commands inside them, and can signal or kill named
// processes running inside them. Implementations shell out to the
// external "docker" (or docker-compose-compatible) CLI; the core never
// talks to the docker daemon's API directly, mirroring the teacher's
// pattern of driving an external CLI tool and parsing its output.
type ContainerManager interface {
	// EnsureRunning makes sure the named container is up, starting it
	// (equivalent to `compose up -d <service>`) if necessary, within
	// timeout. Idempotent: calling it on an already-running container
	// is a fast no-op.
	EnsureRunning(ctx context.Context, containerName string, timeout time.Duration) error

	// Exec runs command to completion inside containerName, capturing
	// stdout and stderr separately and the exit code. Used for flash mode.
	Exec(ctx context.Context, containerName, command string) (stdout, stderr string, exitCode int, err error)

	// ExecAttached runs command inside containerName with a pseudo-
	// terminal attached to std, used when a toolchain's interactive
	// console expects a tty (rather than the headless pipe path Exec
	// takes for flash automation).
	ExecAttached(ctx context.Context, containerName, command string, std io.ReadWriter) error

	// SpawnDetached starts a long-lived command inside containerName
	// and returns immediately with a handle the caller can watch for
	// exit. Used for debug/print mode server processes.
	SpawnDetached(ctx context.Context, containerName, command string) (*SpawnedProcess, error)

	// KillNamed sends signal (by name, e.g. "TERM"/"KILL") to every
	// process inside containerName whose command line matches
	// namePattern.
	KillNamed(ctx context.Context, containerName, namePattern, signal string) error
}

// dockerComposeManager is the production ContainerManager. It assumes
// an externally-generated compose file (§6: compose service generation
// is an external collaborator's job) with one service per (toolchain,
// probe) pair, named exactly as NameForContainer produces.
type dockerComposeManager struct {
	composeFile string
	binary      string // "docker" by default, overridable for testing
}

// NewDockerComposeManager returns a ContainerManager driving the given
// compose file via the external "docker" CLI.
func NewDockerComposeManager(composeFile string) ContainerManager {
	return &dockerComposeManager{composeFile: composeFile, binary: "docker"}
}

func (m *dockerComposeManager) composeArgs(args ...string) []string {
	return append([]string{"compose", "-f", m.composeFile}, args...)
}

func (m *dockerComposeManager) EnsureRunning(ctx context.Context, containerName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := &dockerctl.ComposeUpOptions{Detach: true, NoDeps: true}
	args := m.composeArgs(append([]string{"up"}, append(dockerctl.ToArgs(opts), containerName)...)...)
	cmd := exec.CommandContext(ctx, m.binary, args...)
	slog.InfoContext(ctx, "dockerComposeManager.EnsureRunning", "cmd", strings.Join(cmd.Args, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return &HubError{Kind: ErrContainerStart, Err: fmt.Errorf("container %s did not start within %s", containerName, timeout)}
		}
		return &HubError{Kind: ErrContainerStart, Err: err, Log: string(output)}
	}
	return nil
}

func (m *dockerComposeManager) Exec(ctx context.Context, containerName, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, m.binary, "exec", containerName, "sh", "-c", command)
	slog.InfoContext(ctx, "dockerComposeManager.Exec", "cmd", strings.Join(cmd.Args, " "))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		ee, ok := err.(*exec.ExitError)
		if !ok {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("exec in %s: %w", containerName, err)
		}
		exitCode = ee.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

func (m *dockerComposeManager) ExecAttached(ctx context.Context, containerName, command string, std io.ReadWriter) error {
	opts := &dockerctl.ExecOptions{Interactive: true, TTY: true}
	args := append([]string{"exec"}, append(dockerctl.ToArgs(opts), containerName, "sh", "-c", command)...)
	cmd := exec.CommandContext(ctx, m.binary, args...)
	slog.InfoContext(ctx, "dockerComposeManager.ExecAttached", "cmd", strings.Join(cmd.Args, " "))

	stdinFile, isFile := std.(*os.File)
	if isFile && term.IsTerminal(int(stdinFile.Fd())) {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = std, std, std
		return cmd.Run()
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting pty for %s: %w", containerName, err)
	}
	defer ptmx.Close()

	go io.Copy(ptmx, std)
	go io.Copy(std, ptmx)

	return cmd.Wait()
}

func (m *dockerComposeManager) SpawnDetached(ctx context.Context, containerName, command string) (*SpawnedProcess, error) {
	cmd := exec.Command(m.binary, "exec", containerName, "sh", "-c", command)
	// New process group: the docker-exec client does not share the
	// daemon's process group. Forced stops go through KillNamed and
	// never signal this client process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.InfoContext(ctx, "dockerComposeManager.SpawnDetached", "cmd", strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning detached command in %s: %w", containerName, err)
	}

	sp := &SpawnedProcess{
		ContainerName: containerName,
		Command:       command,
		cmd:           cmd,
		exit:          make(chan error, 1),
	}
	go func() {
		err := cmd.Wait()
		sp.once.Do(func() { sp.exit <- err })
	}()
	return sp, nil
}

func (m *dockerComposeManager) KillNamed(ctx context.Context, containerName, namePattern, signal string) error {
	cmd := exec.CommandContext(ctx, m.binary, "exec", containerName, "pkill", "-"+signal, "-f", namePattern)
	slog.InfoContext(ctx, "dockerComposeManager.KillNamed", "cmd", strings.Join(cmd.Args, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		// pkill exits 1 when no process matched; that's not a failure
		// worth surfacing to the caller.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("kill -%s %q in %s: %w: %s", signal, namePattern, containerName, err, output)
	}
	return nil
}
