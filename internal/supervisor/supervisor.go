// Package supervisor spawns sandbox children and tears their process
// trees down. Stdio is line-oriented: stdout/stderr are scanned into
// lines for the router to classify, stdin accepts one JSON line at a
// time.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/logger"
)

// ErrStdinClosed is returned by WriteLine once the child has exited.
var ErrStdinClosed = errors.New("stdin closed")

// Scanner limit per output line.
const maxLineBytes = 1024 * 1024

// Config describes one child launch.
type Config struct {
	Command string // executor binary, resolved via PATH
	Args    []string
	Dir     string
	Env     map[string]string // merged over PATH/HOME/TMPDIR from the host

	OnStdout func(line []byte)
	OnStderr func(line []byte)
	OnExit   func(code int)
}

// Child is a running sandbox process.
type Child struct {
	pid   int
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdinMu     sync.Mutex
	stdinClosed bool

	scanners sync.WaitGroup
	done     chan struct{}
	exitCode int
}

// Spawn starts the child in its own process group, wires the stdio
// pipes, and begins streaming output lines to the callbacks. OnExit
// fires exactly once, after both streams drain.
func Spawn(cfg Config) (*Child, error) {
	if cfg.Command == "" {
		return nil, errors.New("empty command")
	}

	binPath, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("executor %q not found: %w", cfg.Command, err)
	}
	// Resolve symlinks so version-manager shims point at the real binary.
	if resolved, err := filepath.EvalSymlinks(binPath); err == nil {
		binPath = resolved
	}

	cmd := exec.Command(binPath, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg.Env)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	c := &Child{
		pid:   cmd.Process.Pid,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	c.scanners.Add(2)
	go c.scanLines(stdout, cfg.OnStdout)
	go c.scanLines(stderr, cfg.OnStderr)
	go c.wait(cfg.OnExit)

	return c, nil
}

// PID returns the root process id.
func (c *Child) PID() int {
	return c.pid
}

// Done is closed once the child has exited and its output has drained.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitCode is valid after Done is closed.
func (c *Child) ExitCode() int {
	return c.exitCode
}

// WriteLine writes one line to the child's stdin.
func (c *Child) WriteLine(b []byte) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()

	if c.stdinClosed {
		return ErrStdinClosed
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, '\n')
	if _, err := c.stdin.Write(buf); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Kill tears down the child's whole process tree.
func (c *Child) Kill() error {
	return KillTree(c.pid)
}

func (c *Child) scanLines(r io.Reader, fn func([]byte)) {
	defer c.scanners.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if fn == nil {
			continue
		}
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		fn(line)
	}
	if err := sc.Err(); err != nil {
		logger.Warn("child output scan stopped", "pid", c.pid, "err", err)
	}
}

func (c *Child) wait(onExit func(int)) {
	// Pipes close inside cmd.Wait; the scanners must drain first.
	c.scanners.Wait()

	code := 0
	if err := c.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}

	c.stdinMu.Lock()
	c.stdinClosed = true
	c.stdinMu.Unlock()

	c.exitCode = code
	close(c.done)

	if onExit != nil {
		onExit(code)
	}
}

func buildEnv(extra map[string]string) []string {
	env := make(map[string]string, len(extra)+3)
	for _, k := range []string{"PATH", "HOME", "TMPDIR"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
