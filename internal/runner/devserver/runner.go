// Package devserver manages the Runner-side dev-server process lifecycle:
// framework-dispatched process spawn, port-wait, and process-group
// teardown. Generalized from the teacher's
// internal/codeapp/codeserver.Runner, which does the same thing for exactly
// one binary (code-server); this version dispatches on detected web
// framework instead.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateFailed   = "failed"
)

// startTimeout is the 8s spawn deadline from SPEC_FULL.md §5: if the dev
// server hasn't bound its port (or has already exited) within this window,
// the Runner declares it failed and releases the port.
const startTimeout = 8 * time.Second

// Instance is one running dev server for one project.
type Instance struct {
	ProjectID string
	Framework string
	Port      int
	PID       int
	StartedAt time.Time

	cmd *exec.Cmd
}

// StatusFunc is invoked on every state transition so the caller (the
// runner's transport supervisor) can emit dev-server-status upstream.
type StatusFunc func(projectID, status string, port int, errMsg string)

// Runner owns every dev server a Runner process currently hosts, keyed by
// project id, mirroring codeserver.Runner's codeSpaceID-keyed map.
type Runner struct {
	log       *slog.Logger
	allocator *Allocator
	onStatus  StatusFunc

	mu        sync.Mutex
	instances map[string]*Instance
}

func NewRunner(log *slog.Logger, allocator *Allocator, onStatus StatusFunc) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if onStatus == nil {
		onStatus = func(string, string, int, string) {}
	}
	return &Runner{log: log, allocator: allocator, onStatus: onStatus, instances: make(map[string]*Instance)}
}

func (r *Runner) Get(projectID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[projectID]
	return inst, ok
}

// Start spawns a dev server for projectID rooted at workspacePath, detecting
// its framework and allocating a port. It reports "starting" immediately and
// "running" or "failed" once the outcome is known.
func (r *Runner) Start(projectID, workspacePath string) (*Instance, error) {
	r.mu.Lock()
	if existing, ok := r.instances[projectID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	r.onStatus(projectID, StateStarting, 0, "")

	port, err := r.allocator.Allocate()
	if err != nil {
		r.onStatus(projectID, StateFailed, 0, err.Error())
		return nil, err
	}

	if killed, kerr := killProcessesListeningOn(context.Background(), port); kerr == nil && killed > 0 {
		r.log.Warn("killed stale process(es) holding allocated port", "project_id", projectID, "port", port, "count", killed)
	}

	framework := DetectFramework(workspacePath)
	inst, err := r.spawn(projectID, framework, workspacePath, port)
	if err != nil {
		r.allocator.Release(port)
		r.onStatus(projectID, StateFailed, 0, err.Error())
		return nil, err
	}

	r.mu.Lock()
	r.instances[projectID] = inst
	r.mu.Unlock()

	r.onStatus(projectID, StateRunning, port, "")
	go r.watch(projectID, inst)
	return inst, nil
}

func (r *Runner) spawn(projectID, framework, workspacePath string, port int) (*Instance, error) {
	spec := startCommandFor(framework, port)

	cmd := exec.Command(spec.bin, spec.args...)
	cmd.Dir = workspacePath
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	setCmdProcessGroup(cmd)

	r.log.Info("starting dev server", "project_id", projectID, "framework", framework, "port", port, "bin", spec.bin)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn dev server: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if err := waitForPortOrExit(port, startTimeout, exited); err != nil {
		_ = killCmdProcessGroup(cmd)
		return nil, err
	}

	return &Instance{
		ProjectID: projectID,
		Framework: framework,
		Port:      port,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
	}, nil
}

func waitForPortOrExit(port int, timeout time.Duration, exited <-chan error) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("process exited before binding its port")
			}
			return err
		default:
		}
		if isPortListening(port) {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
	return fmt.Errorf("dev server did not bind 127.0.0.1:%d within %s", port, timeout)
}

// watch blocks until the dev server process exits, then releases its port
// and reports its final state; the onStatus callback (the top-level
// Runner's onDevServerStatus) clears any tunnel bound to the project.
func (r *Runner) watch(projectID string, inst *Instance) {
	err := inst.cmd.Wait()

	r.mu.Lock()
	if r.instances[projectID] == inst {
		delete(r.instances, projectID)
	}
	r.mu.Unlock()
	r.allocator.Release(inst.Port)

	if err != nil {
		r.log.Warn("dev server exited with error", "project_id", projectID, "error", err)
		r.onStatus(projectID, StateFailed, 0, err.Error())
		return
	}
	r.onStatus(projectID, StateStopped, 0, "")
}

// Stop sends the project's dev server process group a termination signal and
// waits up to 5s for it to exit; if it has not exited by then, Stop logs a
// warning and returns without sending a further signal. It idempotently
// no-ops if nothing is running.
func (r *Runner) Stop(projectID string) error {
	r.mu.Lock()
	inst, ok := r.instances[projectID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.onStatus(projectID, StateStopping, inst.Port, "")
	done := make(chan error, 1)
	go func() { done <- inst.cmd.Wait() }()

	_ = killCmdProcessGroup(inst.cmd)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.log.Warn("dev server did not exit after termination signal", "project_id", projectID)
	}
	return nil
}

// StopAll tears down every dev server this Runner is currently hosting;
// called on process shutdown.
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Stop(id)
	}
}

// ProcessStats reports RSS/CPU for a running dev server, generalizing the
// teacher's ps-output-scraping (parseCodeServerPIDsFromPSOutput) into a
// portable gopsutil lookup (internal/monitor/service.go's
// collectProcessMetrics is the same library used the same way).
func ProcessStats(ctx context.Context, pid int) (rssBytes uint64, cpuPercent float64, err error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, 0, err
	}
	if mem, merr := p.MemoryInfoWithContext(ctx); merr == nil && mem != nil {
		rssBytes = mem.RSS
	}
	if cpu, cerr := p.CPUPercentWithContext(ctx); cerr == nil {
		cpuPercent = cpu
	}
	return rssBytes, cpuPercent, nil
}

// killProcessesListeningOn is a best-effort cleanup for orphaned dev-server
// processes left behind by a crashed Runner, scanning /proc-backed gopsutil
// process list rather than shelling out to `ps` as the teacher's
// killStaleCodeServerProcessesBySessionSocket does.
func killProcessesListeningOn(ctx context.Context, port int) (int, error) {
	if !isPortListening(port) {
		return 0, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, p := range procs {
		conns, cerr := p.ConnectionsWithContext(ctx)
		if cerr != nil {
			continue
		}
		for _, c := range conns {
			if int(c.Laddr.Port) == port {
				if kerr := killProcessGroupByPID(int(p.Pid)); kerr == nil {
					killed++
				}
				break
			}
		}
	}
	return killed, nil
}
