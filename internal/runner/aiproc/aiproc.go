// Package aiproc spawns the opaque AI-agent process (the "external
// collaborator" of SPEC_FULL.md §1) under a pseudo-terminal and feeds its
// combined stdout/stderr, line by line, through an events.Adapter.
//
// Grounded on the teacher's internal/terminal.Manager, which spawns a shell
// under floeterm (a private wrapper around creack/pty) so the terminal
// subsystem can read one ordered byte stream regardless of how the child
// buffers its own output. floeterm is private to the teacher's
// organization, so this package uses github.com/creack/pty directly, per
// SPEC_FULL.md §4.6.
package aiproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/forgehq/forge/internal/events"
)

// UpdateFunc receives every canonical update the adapter produces from one
// line of agent output.
type UpdateFunc func(events.Update)

// Process supervises one spawned AI-agent invocation for one session.
type Process struct {
	log     *slog.Logger
	adapter events.Adapter

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
}

// Spawn starts name/args with the given working directory, attaches a pty,
// and starts a background reader that feeds each line to adapter and
// reports canonical updates through onUpdate. The returned Process must be
// released with Wait or Kill.
func Spawn(ctx context.Context, log *slog.Logger, adapter events.Adapter, name string, args []string, dir string, onUpdate UpdateFunc) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	if onUpdate == nil {
		onUpdate = func(events.Update) {}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn ai process: %w", err)
	}

	p := &Process{log: log, adapter: adapter, cmd: cmd, ptmx: ptmx}
	go p.readLoop(onUpdate)
	return p, nil
}

func (p *Process) readLoop(onUpdate UpdateFunc) {
	sc := bufio.NewScanner(p.ptmx)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		updates, err := p.adapter.Translate(line)
		if err != nil {
			p.log.Warn("aiproc: adapter failed to translate line", "error", err)
			continue
		}
		for _, u := range updates {
			onUpdate(u)
		}
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		p.log.Warn("aiproc: pty read loop ended with error", "error", err)
	}
}

// Wait blocks until the process exits and reports whether it exited
// successfully.
func (p *Process) Wait() (success bool, err error) {
	err = p.cmd.Wait()
	_ = p.ptmx.Close()
	return err == nil, err
}

// Kill terminates the process immediately; used by the 30s build-cancel
// deadline in SPEC_FULL.md §5.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
