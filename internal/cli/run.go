package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcelocantos/jn/internal/address"
	"github.com/marcelocantos/jn/internal/history"
	"github.com/marcelocantos/jn/internal/pipeline"
	"github.com/marcelocantos/jn/internal/plugin"
	"github.com/marcelocantos/jn/internal/profile"
	"github.com/marcelocantos/jn/internal/resolve"
)

// Exit codes other than a failing stage's own.
const (
	ExitUsage    = 1 // bad address, unknown plugin or profile, bad flags
	ExitInternal = 2
	ExitTimeout  = 124
	ExitCanceled = 130
)

// RunCat reads sources to stdout: jn cat <addr>...
func (a *App) RunCat(ctx context.Context, sources []string) int {
	return a.execute(ctx, "cat", sources, nil, "-")
}

// RunPut writes stdin to a sink: jn put <addr>
func (a *App) RunPut(ctx context.Context, sink string) int {
	return a.execute(ctx, "put", []string{"-"}, nil, sink)
}

// RunFilter transforms stdin to stdout: jn filter <expr|@ref>...
func (a *App) RunFilter(ctx context.Context, filters []string) int {
	return a.execute(ctx, "filter", []string{"-"}, filters, "-")
}

// RunPipeline is the general form: jn run <src>... -f <filter>... -o <sink>
func (a *App) RunPipeline(ctx context.Context, sources, filters []string, sink string) int {
	return a.execute(ctx, "run", sources, filters, sink)
}

func (a *App) execute(ctx context.Context, command string, sources, filters []string, sink string) int {
	runID := uuid.NewString()
	logger := a.Logger.With("run", runID)

	var addrs []string
	addrs = append(addrs, sources...)
	addrs = append(addrs, filters...)
	addrs = append(addrs, sink)

	start := time.Now()
	p, err := a.plan(sources, filters, sink)
	if err != nil {
		code := a.resolveError(err)
		a.record(history.Run{ID: runID, Command: command, Addresses: addrs, ExitCode: code, Err: err, Duration: time.Since(start)})
		return code
	}
	logger.Debug("pipeline planned", "stages", len(p.Stages()))

	orch := &pipeline.Orchestrator{
		Stdin:       a.Stdin,
		Stdout:      a.Stdout,
		Stderr:      a.Stderr,
		Env:         plugin.Environ(a.Config.Home, a.Cwd),
		Dir:         a.Cwd,
		Timeout:     a.Timeout,
		GracePeriod: a.Config.Run.GracePeriodDuration(),
		Logger:      logger,
	}
	_, err = orch.Run(ctx, p)
	code := a.resolveError(err)

	var labels []string
	for _, st := range p.Stages() {
		labels = append(labels, st.Label)
	}
	a.record(history.Run{ID: runID, Command: command, Addresses: addrs, Plugins: labels, ExitCode: code, Err: err, Duration: time.Since(start)})
	return code
}

// plan resolves every address and assembles the pipeline. The first
// address that fails to resolve aborts the run.
func (a *App) plan(sources, filters []string, sink string) (*pipeline.Pipeline, error) {
	if len(sources) == 0 {
		return nil, pipeline.ErrEmptyPipeline
	}
	chains, err := a.Planner.Sources(address.ParseSources(sources))
	if err != nil {
		return nil, err
	}
	var fs []plugin.Invocation
	for _, f := range filters {
		chain, err := a.Planner.Filter(address.Parse(f, address.Source))
		if err != nil {
			return nil, err
		}
		fs = append(fs, chain...)
	}
	out, err := a.Planner.Sink(address.ParseSink(sink))
	if err != nil {
		return nil, err
	}
	return pipeline.BuildChains(chains, fs, out)
}

// resolveError maps an error to an exit code and reports it on stderr.
// A failing stage propagates its own code.
func (a *App) resolveError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(a.Stderr, "jn: %v\n", err)

	var (
		stageErr *pipeline.StageError
		addrErr  *resolve.AddressError
		envErr   *profile.EnvVarMissingError
	)
	switch {
	case errors.As(err, &stageErr):
		return stageErr.ExitCode
	case errors.Is(err, pipeline.ErrTimeout):
		return ExitTimeout
	case errors.Is(err, context.Canceled):
		return ExitCanceled
	case errors.As(err, &addrErr),
		errors.As(err, &envErr),
		errors.Is(err, plugin.ErrNotFound),
		errors.Is(err, profile.ErrProfileNotFound),
		errors.Is(err, pipeline.ErrEmptyPipeline):
		return ExitUsage
	}
	return ExitInternal
}

func (a *App) record(r history.Run) {
	if a.History == nil {
		return
	}
	r.Cwd = a.Cwd
	// Best-effort: a run never fails because its history could not be written.
	if _, err := a.History.Record(r); err != nil {
		a.Logger.Warn("history not recorded", "path", a.History.Path(), "error", err)
	}
}
