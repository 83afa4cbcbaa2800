package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProcessTracker starts commands in their own process groups and remembers
// every group it started, so teardown can kill what actions left behind even
// after a group's leader has exited.
type ProcessTracker struct {
	mu     sync.Mutex
	procs  map[int]*trackedProcess
	groups map[int]struct{}
}

type trackedProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewProcessTracker returns an empty tracker.
func NewProcessTracker() *ProcessTracker {
	return &ProcessTracker{
		procs:  make(map[int]*trackedProcess),
		groups: make(map[int]struct{}),
	}
}

// Run starts cmd in a new process group and waits for it. If ctx ends first
// the whole group is killed and ctx's cause is returned.
func (t *ProcessTracker) Run(ctx context.Context, cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	// Grandchildren holding stdout open must not block Wait forever.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return err
	}
	p := &trackedProcess{cmd: cmd, done: make(chan struct{})}
	pid := cmd.Process.Pid

	t.mu.Lock()
	t.procs[pid] = p
	t.groups[pid] = struct{}{} // Setpgid makes the leader's pid the pgid
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.procs, pid)
		t.mu.Unlock()
	}()

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		<-p.done
		return context.Cause(ctx)
	}
}

// Active returns the number of started commands still running. Background
// children of finished commands are not counted.
func (t *ProcessTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// KillAll kills every process group the tracker started and blocks until
// each running command has been reaped.
func (t *ProcessTracker) KillAll() error {
	t.mu.Lock()
	active := make([]*trackedProcess, 0, len(t.procs))
	for _, p := range t.procs {
		active = append(active, p)
	}
	groups := make([]int, 0, len(t.groups))
	for pgid := range t.groups {
		groups = append(groups, pgid)
	}
	clear(t.groups)
	t.mu.Unlock()

	var g errgroup.Group
	for _, p := range active {
		g.Go(func() error {
			err := killProcessGroup(p.cmd)
			<-p.done
			return err
		})
	}
	for _, pgid := range groups {
		g.Go(func() error {
			if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("kill process group %d: %w", pgid, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// killProcessGroup sends SIGKILL to the process group, then to the leader in
// case it left the group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		}
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
