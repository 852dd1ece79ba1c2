package localrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

// Spec describes one supervised command invocation.
type Spec struct {
	Name    string // short label for logs
	Command string
	Args    []string
	Dir     string
	Env     []string // overlay on top of the parent environment

	// IdleTimeout kills the child after this long with no new output on
	// either stream. Zero disables the idle watchdog.
	IdleTimeout time.Duration
	// HardTimeout kills the child after this total runtime. Zero disables.
	HardTimeout time.Duration
}

type Result struct {
	ExitCode       int
	Duration       time.Duration
	FirstErrorLine string
	// KilledReason is empty for a natural exit, otherwise one of
	// "cancelled", "idle_timeout", "hard_timeout".
	KilledReason string
}

// Runner launches children in their own process group so that a kill reaches
// descendants, streams their output line by line into a sink, and enforces
// idle-output and hard timeouts. A global semaphore caps concurrent children.
type Runner struct {
	log   *logger.Logger
	sem   *semaphore.Weighted
	grace time.Duration
}

func New(baseLog *logger.Logger, maxProcs int64, grace time.Duration) *Runner {
	if maxProcs <= 0 {
		maxProcs = 1
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Runner{
		log:   baseLog.With("component", "LocalRunner"),
		sem:   semaphore.NewWeighted(maxProcs),
		grace: grace,
	}
}

// Run blocks until the child exits or is killed. The returned error is
// non-nil only for launch failures; timeouts, cancellation and non-zero
// exits are reported through Result.
func (r *Runner) Run(ctx context.Context, spec Spec, sink io.Writer) (Result, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{KilledReason: "cancelled"}, nil
	}
	defer r.sem.Release(1)

	log := r.log.With("invocation", spec.Name, "command", spec.Command)
	start := time.Now()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	pgid := cmd.Process.Pid
	log.Debug("child started", "pid", pgid)

	var lastOutput atomic.Int64
	lastOutput.Store(time.Now().UnixNano())

	var errLineMu sync.Mutex
	firstErrorLine := ""

	var wg sync.WaitGroup
	readStream := func(rd io.Reader, isStderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			lastOutput.Store(time.Now().UnixNano())
			if sink != nil {
				fmt.Fprintln(sink, line)
			}
			if isStderr {
				errLineMu.Lock()
				if firstErrorLine == "" && strings.TrimSpace(line) != "" {
					firstErrorLine = line
				}
				errLineMu.Unlock()
			}
		}
	}
	wg.Add(2)
	go readStream(stdout, false)
	go readStream(stderr, true)

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	killedReason := ""
	var waitErr error

	checkEvery := time.NewTicker(time.Second)
	defer checkEvery.Stop()
	deadline := time.Time{}
	if spec.HardTimeout > 0 {
		deadline = start.Add(spec.HardTimeout)
	}

supervise:
	for {
		select {
		case waitErr = <-waitDone:
			break supervise
		case <-ctx.Done():
			killedReason = "cancelled"
			waitErr = r.kill(pgid, waitDone, log)
			break supervise
		case now := <-checkEvery.C:
			if spec.IdleTimeout > 0 {
				idle := now.Sub(time.Unix(0, lastOutput.Load()))
				if idle >= spec.IdleTimeout {
					killedReason = "idle_timeout"
					waitErr = r.kill(pgid, waitDone, log)
					break supervise
				}
			}
			if !deadline.IsZero() && now.After(deadline) {
				killedReason = "hard_timeout"
				waitErr = r.kill(pgid, waitDone, log)
				break supervise
			}
		}
	}

	res := Result{
		Duration:     time.Since(start),
		KilledReason: killedReason,
	}
	errLineMu.Lock()
	res.FirstErrorLine = firstErrorLine
	errLineMu.Unlock()

	res.ExitCode = exitCode(waitErr)
	if killedReason != "" {
		log.Info("child killed", "reason", killedReason, "pid", pgid, "duration", res.Duration)
	} else {
		log.Debug("child exited", "exit_code", res.ExitCode, "duration", res.Duration)
	}
	return res, nil
}

// kill terminates the whole process group: SIGTERM first, SIGKILL after the
// grace period if the child is still alive.
func (r *Runner) kill(pgid int, waitDone <-chan error, log *logger.Logger) error {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case err := <-waitDone:
		return err
	case <-time.After(r.grace):
		log.Warn("child ignored SIGTERM, force killing group", "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return <-waitDone
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
