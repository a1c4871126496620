package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/marcelocantos/jn/internal/plugin"
)

// DefaultGracePeriod is how long stages get to exit after SIGTERM before
// they are killed.
const DefaultGracePeriod = 2 * time.Second

// Orchestrator runs pipelines as OS processes joined by kernel pipes.
// Records never pass through the orchestrator except when the run's own
// stdin is a source alongside others, or when no stage consumes the
// combined output of several sources.
type Orchestrator struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer // shared by every stage

	Env []string // KEY=VALUE added to every stage's environment
	Dir string

	Timeout     time.Duration // zero means none
	GracePeriod time.Duration // zero means DefaultGracePeriod

	Logger hclog.Logger
}

// StageResult is how one stage ended.
type StageResult struct {
	Index       int    `json:"index"`
	Label       string `json:"label"`
	Role        Role   `json:"-"`
	State       State  `json:"-"`
	Passthrough bool   `json:"passthrough,omitempty"`
	Pid         int    `json:"pid,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Signal      string `json:"signal,omitempty"`

	// BrokenPipe means the stage stopped because its reader went away.
	BrokenPipe bool `json:"broken_pipe,omitempty"`
	// Terminated means the orchestrator stopped the stage.
	Terminated bool `json:"terminated,omitempty"`
}

// Result describes a finished run.
type Result struct {
	Stages   []StageResult
	Duration time.Duration
	Err      error
}

// ExitCode is the status a CLI should exit with.
func (r *Result) ExitCode() int {
	var se *StageError
	switch {
	case r.Err == nil:
		return 0
	case errors.As(r.Err, &se):
		return se.ExitCode
	case errors.Is(r.Err, ErrTimeout):
		return 124
	}
	return 1
}

type proc struct {
	index      int
	stage      Stage
	cmd        *exec.Cmd
	state      State
	terminated bool
	result     StageResult
	done       chan struct{}
}

// advance moves the proc to a new state. Callers hold run.mu.
func (p *proc) advance(to State) {
	if !p.state.canBecome(to) {
		panic(fmt.Sprintf("stage %d: illegal transition %s -> %s", p.index, p.state, to))
	}
	p.state = to
}

type run struct {
	o      *Orchestrator
	log    hclog.Logger
	cancel context.CancelFunc

	all        []*proc
	sources    [][]*proc
	downstream []*proc // filters, then the sink unless it is stdout

	wg sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	stopping bool
}

// Run executes p and returns once every process it started has been
// reaped. The error is the first genuine stage failure, ErrTimeout, or the
// context's error. Stages stopped by a broken pipe or by the orchestrator
// itself are not failures.
func (o *Orchestrator) Run(ctx context.Context, p *Pipeline) (*Result, error) {
	if p == nil || len(p.Sources) == 0 {
		return nil, ErrEmptyPipeline
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := o.newRun(p, cancel)
	start := time.Now()

	finished := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		r.watch(ctx, finished)
	}()

	r.start(ctx)
	r.wg.Wait()
	close(finished)
	<-watched

	res := r.result()
	res.Duration = time.Since(start)
	res.Err = r.err(ctx)
	if res.Err != nil {
		r.log.Debug("pipeline failed", "error", res.Err, "duration", res.Duration)
	} else {
		r.log.Debug("pipeline finished", "duration", res.Duration)
	}
	return res, res.Err
}

func (o *Orchestrator) newRun(p *Pipeline, cancel context.CancelFunc) *run {
	logger := o.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &run{o: o, log: logger.Named("pipeline"), cancel: cancel}

	add := func(st Stage) *proc {
		pr := &proc{index: len(r.all), stage: st, done: make(chan struct{})}
		pr.result = StageResult{
			Index:       pr.index,
			Label:       st.Label,
			Role:        st.Role,
			Passthrough: st.Invocation.IsPassthrough(),
		}
		r.all = append(r.all, pr)
		return pr
	}
	for _, s := range p.Sources {
		var chain []*proc
		for _, st := range s.Stages {
			chain = append(chain, add(st))
		}
		r.sources = append(r.sources, chain)
	}
	for _, st := range p.Filters {
		r.downstream = append(r.downstream, add(st))
	}
	sink := add(p.Sink)
	if !p.Sink.Invocation.IsPassthrough() {
		r.downstream = append(r.downstream, sink)
	}
	return r
}

func passthrough(chain []*proc) bool {
	return len(chain) == 1 && chain[0].stage.Invocation.IsPassthrough()
}

func (r *run) stdout() io.Writer {
	if r.o.Stdout == nil {
		return io.Discard
	}
	return r.o.Stdout
}

// start spawns the initial processes. With one source the whole pipeline
// is a single chain. With several, the sources share one pipe into the
// downstream chain and a feeder starts each after the previous finishes.
func (r *run) start(ctx context.Context) {
	if len(r.sources) == 1 {
		src := r.sources[0]
		switch {
		case passthrough(src) && len(r.downstream) == 0:
			r.copyStdin(r.stdout())
		case passthrough(src):
			r.startOrFail(r.downstream, r.o.Stdin, nil, r.o.Stdout)
		default:
			r.startOrFail(append(append([]*proc(nil), src...), r.downstream...), nil, nil, r.o.Stdout)
		}
		return
	}

	cr, cw, err := os.Pipe()
	if err != nil {
		r.fail(fmt.Errorf("creating pipe: %w", err))
		return
	}
	if first := r.sources[0]; !passthrough(first) {
		if err := r.startChain(first, nil, nil, cw); err != nil {
			cr.Close()
			cw.Close()
			r.fail(err)
			return
		}
	}
	if len(r.downstream) > 0 {
		if err := r.startChain(r.downstream, cr, []*os.File{cr}, r.o.Stdout); err != nil {
			cw.Close()
			r.fail(err)
			return
		}
	} else {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer cr.Close()
			if _, err := io.Copy(r.stdout(), cr); err != nil && !errors.Is(err, unix.EPIPE) {
				r.fail(fmt.Errorf("writing output: %w", err))
			}
		}()
	}

	r.wg.Add(1)
	go r.feed(ctx, cw)
}

func (r *run) startOrFail(chain []*proc, in io.Reader, handed []*os.File, out io.Writer) {
	if err := r.startChain(chain, in, handed, out); err != nil {
		r.fail(err)
	}
}

// feed runs the sources in order into cw. It stops early when a source
// fails, when the consumer has gone away, or when the run is stopping.
func (r *run) feed(ctx context.Context, cw *os.File) {
	defer r.wg.Done()
	defer cw.Close()

	for i, src := range r.sources {
		if i > 0 && !r.settled(ctx, r.sources[i-1]) {
			return
		}
		switch {
		case passthrough(src):
			if !r.copyStdin(cw) {
				return
			}
		case i == 0:
			// Started before the downstream chain.
		default:
			if err := r.startChain(src, nil, nil, cw); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

// settled waits for a source chain to finish and reports whether the next
// source should run.
func (r *run) settled(ctx context.Context, chain []*proc) bool {
	r.mu.Lock()
	var started []*proc
	for _, p := range chain {
		if p.state != StateNotStarted {
			started = append(started, p)
		}
	}
	r.mu.Unlock()

	for _, p := range started {
		select {
		case <-p.done:
		case <-ctx.Done():
			return false
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping || r.firstErr != nil {
		return false
	}
	// Only the last stage writes to the combined pipe. A broken pipe
	// further up the chain is between that chain's own stages.
	if last := chain[len(chain)-1]; last.result.BrokenPipe {
		r.log.Debug("consumer closed; skipping remaining sources", "stage", last.index)
		return false
	}
	return ctx.Err() == nil
}

// copyStdin relays the run's stdin. A consumer that has gone away ends the
// copy without error.
func (r *run) copyStdin(w io.Writer) bool {
	if r.o.Stdin == nil {
		return true
	}
	if _, err := io.Copy(w, r.o.Stdin); err != nil {
		if !errors.Is(err, unix.EPIPE) {
			r.fail(fmt.Errorf("copying stdin: %w", err))
		}
		return false
	}
	return true
}

func (r *run) command(p *proc) *exec.Cmd {
	inv := p.stage.Invocation
	cmd := exec.Command(inv.Executable, inv.Args...)
	cmd.Dir = r.o.Dir
	cmd.Env = append(append(os.Environ(), r.o.Env...), inv.Env...)
	cmd.Stderr = r.o.Stderr
	return cmd
}

// startChain spawns chain with each stage's stdout piped to the next
// stage's stdin. The first stage reads in unless its invocation names an
// input, and the last writes out unless it names an output. Each spawn
// releases the parent's copies of the descriptors that stage inherited,
// starting with handed, so readers see EOF once their writers exit. Only
// the read end waiting for the next stage stays open between spawns.
func (r *run) startChain(chain []*proc, in io.Reader, handed []*os.File, out io.Writer) error {
	held := append([]*os.File(nil), handed...)
	defer func() {
		for _, f := range held {
			f.Close()
		}
	}()

	next := in
	for i, p := range chain {
		inv := p.stage.Invocation
		cmd := r.command(p)

		switch {
		case i == 0 && inv.Input == plugin.Stdio:
			cmd.Stdin = r.o.Stdin
		case i == 0 && inv.Input != "":
			f, err := os.Open(inv.Input)
			if err != nil {
				return &SpawnError{Index: p.index, Label: p.stage.Label, Err: err}
			}
			held = append(held, f)
			cmd.Stdin = f
		default:
			cmd.Stdin = next
		}

		var carry *os.File
		switch {
		case i < len(chain)-1:
			pr, pw, err := os.Pipe()
			if err != nil {
				return &SpawnError{Index: p.index, Label: p.stage.Label, Err: err}
			}
			held = append(held, pr, pw)
			cmd.Stdout = pw
			next, carry = pr, pr
		case inv.Output != "":
			f, err := os.Create(inv.Output)
			if err != nil {
				return &SpawnError{Index: p.index, Label: p.stage.Label, Err: err}
			}
			held = append(held, f)
			cmd.Stdout = f
		default:
			cmd.Stdout = out
		}

		if err := r.spawn(p, cmd); err != nil {
			return err
		}
		held = release(held, carry)
	}
	return nil
}

// release closes every file in held except keep, which it returns alone.
func release(held []*os.File, keep *os.File) []*os.File {
	var kept []*os.File
	for _, f := range held {
		if f == keep {
			kept = append(kept, f)
			continue
		}
		f.Close()
	}
	return kept
}

func (r *run) spawn(p *proc, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return &SpawnError{Index: p.index, Label: p.stage.Label, Err: err}
	}

	r.mu.Lock()
	p.cmd = cmd
	p.advance(StateRunning)
	p.result.Pid = cmd.Process.Pid
	late := r.stopping
	if late {
		p.terminated = true
	}
	r.mu.Unlock()

	r.log.Debug("stage started", "stage", p.index, "plugin", p.stage.Label, "pid", cmd.Process.Pid)
	r.wg.Add(1)
	go r.wait(p)
	if late {
		_ = cmd.Process.Signal(unix.SIGKILL)
	}
	return nil
}

// wait reaps p and records how it ended. Each process is waited on
// exactly once, here.
func (r *run) wait(p *proc) {
	defer r.wg.Done()
	defer close(p.done)

	waitErr := p.cmd.Wait()

	r.mu.Lock()
	err := r.settle(p, waitErr)
	res := p.result
	r.mu.Unlock()

	r.log.Debug("stage exited", "stage", p.index, "plugin", p.stage.Label,
		"code", res.ExitCode, "signal", res.Signal, "broken_pipe", res.BrokenPipe, "terminated", res.Terminated)
	if err != nil {
		r.fail(err)
	}
}

// settle classifies p's exit. Callers hold r.mu.
func (r *run) settle(p *proc, waitErr error) error {
	res := &p.result
	res.Terminated = p.terminated

	ps := p.cmd.ProcessState
	if ps == nil {
		p.advance(StateExited)
		res.State = p.state
		res.ExitCode = -1
		return &SpawnError{Index: p.index, Label: p.stage.Label, Err: waitErr}
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		p.advance(StateSignaled)
		sig := ws.Signal()
		res.Signal = unix.SignalName(sig)
		res.ExitCode = 128 + int(sig)
		res.BrokenPipe = sig == unix.SIGPIPE
	} else {
		p.advance(StateExited)
		res.ExitCode = ps.ExitCode()
		res.BrokenPipe = res.ExitCode == 128+int(unix.SIGPIPE)
	}
	res.State = p.state

	var exitErr *exec.ExitError
	switch {
	case res.BrokenPipe || res.Terminated:
		return nil
	case res.ExitCode != 0:
		return &StageError{Index: p.index, Label: p.stage.Label, ExitCode: res.ExitCode, Signal: res.Signal}
	case waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, unix.EPIPE):
		// The process succeeded but relaying its I/O did not.
		return fmt.Errorf("stage %d (%s): %w", p.index, p.stage.Label, waitErr)
	}
	return nil
}

// fail records err if it is the first failure and stops the run.
func (r *run) fail(err error) {
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
	r.cancel()
}

// watch terminates running stages once ctx is done: SIGTERM first, then
// SIGKILL for anything still running after the grace period.
func (r *run) watch(ctx context.Context, finished <-chan struct{}) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.stopping = true
	for _, p := range r.all {
		if p.state == StateRunning {
			p.terminated = true
		}
	}
	r.mu.Unlock()
	r.log.Debug("stopping pipeline", "cause", ctx.Err())
	r.signal(unix.SIGTERM)

	grace := r.o.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		r.signal(unix.SIGKILL)
	}
}

func (r *run) signal(sig syscall.Signal) {
	r.mu.Lock()
	var live []*proc
	for _, p := range r.all {
		if p.state == StateRunning {
			live = append(live, p)
		}
	}
	r.mu.Unlock()

	for _, p := range live {
		// Fails harmlessly if the process has already been reaped.
		if err := p.cmd.Process.Signal(sig); err == nil {
			r.log.Debug("signalled stage", "stage", p.index, "signal", unix.SignalName(sig))
		}
	}
}

func (r *run) err(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.firstErr != nil:
		return r.firstErr
	case !r.stopping:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, r.o.Timeout)
	}
	return ctx.Err()
}

func (r *run) result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &Result{Stages: make([]StageResult, len(r.all))}
	for i, p := range r.all {
		res.Stages[i] = p.result
		res.Stages[i].State = p.state
	}
	return res
}
