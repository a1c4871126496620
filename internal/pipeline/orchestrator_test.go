package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/jn/internal/plugin"
)

// sh builds an invocation running script under /bin/sh.
func sh(name, script string) plugin.Invocation {
	return plugin.Invocation{Plugin: name, Executable: "/bin/sh", Args: []string{"-c", script}}
}

func stdout() plugin.Invocation { return plugin.Passthrough(plugin.ModeWrite) }

func mustBuild(t *testing.T, sources, filters []plugin.Invocation, sink plugin.Invocation) *Pipeline {
	t.Helper()
	p, err := Build(sources, filters, sink)
	require.NoError(t, err)
	return p
}

func runPipeline(t *testing.T, o *Orchestrator, p *Pipeline) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := o.Run(ctx, p)
	if res != nil {
		assertReaped(t, res)
	}
	return res, err
}

// assertReaped checks that every stage that started has finished.
func assertReaped(t *testing.T, res *Result) {
	t.Helper()
	for _, s := range res.Stages {
		assert.NotEqual(t, StateRunning, s.State, "stage %d (%s) still running after Run returned", s.Index, s.Label)
		if s.Pid != 0 {
			assert.True(t, s.State.Done(), "stage %d (%s) started but not reaped: %s", s.Index, s.Label, s.State)
		}
	}
}

// openFiles counts this process's open descriptors, or skips the test
// where /proc is unavailable.
func openFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("needs /proc/self/fd")
	}
	return len(entries)
}

func TestRunSingleStage(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	p := mustBuild(t, []plugin.Invocation{sh("emit", `echo '{"a":1}'`)}, nil, stdout())

	res, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", out.String())
	assert.Equal(t, 0, res.ExitCode())
	require.Len(t, res.Stages, 2)
	assert.True(t, res.Stages[1].Passthrough)
}

func TestRunSourceFilterSink(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	p := mustBuild(t,
		[]plugin.Invocation{sh("src", `printf 'b\na\nc\n'`)},
		[]plugin.Invocation{sh("sort", "sort")},
		sh("upper", "tr a-z A-Z"),
	)

	_, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC\n", out.String())
}

func TestRunSourcesRunSequentially(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	// Later sources finish faster; order must still follow the source list.
	p := mustBuild(t,
		[]plugin.Invocation{
			sh("a", `sleep 0.2; echo a`),
			sh("b", `sleep 0.1; echo b`),
			sh("c", `echo c`),
		},
		[]plugin.Invocation{sh("cat", "cat")},
		stdout(),
	)

	_, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", out.String())
}

func TestRunSourcesWithoutDownstream(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	p := mustBuild(t, []plugin.Invocation{sh("a", "echo a"), sh("b", "echo b")}, nil, stdout())

	_, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out.String())
}

func TestRunStdinAmongSources(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdin: strings.NewReader("b\n"), Stdout: &out}
	p := mustBuild(t,
		[]plugin.Invocation{sh("a", "echo a"), plugin.Passthrough(plugin.ModeRead), sh("c", "echo c")},
		[]plugin.Invocation{sh("cat", "cat")},
		stdout(),
	)

	_, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", out.String())
}

func TestRunStdinPassthrough(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdin: strings.NewReader("x\ny\n"), Stdout: &out}

	p := mustBuild(t, []plugin.Invocation{plugin.Passthrough(plugin.ModeRead)}, []plugin.Invocation{sh("rev", "sort -r")}, stdout())
	_, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "y\nx\n", out.String())

	out.Reset()
	o.Stdin = strings.NewReader("raw\n")
	p = mustBuild(t, []plugin.Invocation{plugin.Passthrough(plugin.ModeRead)}, nil, stdout())
	_, err = runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "raw\n", out.String())
}

func TestRunEarlyTerminationIsNotAnError(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	p := mustBuild(t, []plugin.Invocation{sh("yes", "yes")}, nil, sh("head", "head -n 3"))

	res, err := runPipeline(t, o, p)
	require.NoError(t, err, "early termination reported as failure")
	assert.Equal(t, "y\ny\ny\n", out.String())
	assert.True(t, res.Stages[0].BrokenPipe, "source should have stopped on a broken pipe: %+v", res.Stages[0])
	assert.Equal(t, 0, res.ExitCode())
}

func TestRunEarlyTerminationSkipsRemainingSources(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	p := mustBuild(t,
		[]plugin.Invocation{sh("yes", "yes"), sh("never", "echo never")},
		nil,
		sh("head", "head -n 2"),
	)

	res, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "never")
	assert.Equal(t, StateNotStarted, res.Stages[1].State)
}

func TestRunBrokenPipeInsideSourceChainContinues(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	// The first source truncates its own input; the combined pipe is still
	// being read, so the second source must run.
	p, err := BuildChains(
		[][]plugin.Invocation{
			{sh("yes", "yes"), sh("head", "head -n 1")},
			{sh("b", "echo b")},
		},
		[]plugin.Invocation{sh("cat", "cat")},
		stdout(),
	)
	require.NoError(t, err)

	res, err := runPipeline(t, o, p)
	require.NoError(t, err)
	assert.Equal(t, "y\nb\n", out.String())
	assert.True(t, res.Stages[0].BrokenPipe)
	assert.Equal(t, StateExited, res.Stages[2].State, "second source should have run")
	assert.Equal(t, 0, res.ExitCode())
}

func TestRunStageFailure(t *testing.T) {
	var out, errOut bytes.Buffer
	o := &Orchestrator{Stdout: &out, Stderr: &errOut}
	p := mustBuild(t,
		[]plugin.Invocation{sh("src", "echo x")},
		[]plugin.Invocation{sh("bad", "cat >/dev/null; echo 'bad input' >&2; exit 3")},
		stdout(),
	)

	res, err := runPipeline(t, o, p)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, "bad", se.Label)
	assert.Equal(t, 3, se.ExitCode)
	assert.Equal(t, 3, res.ExitCode())
	assert.Contains(t, errOut.String(), "bad input", "stage stderr not passed through")
}

func TestRunFailureTerminatesOthers(t *testing.T) {
	o := &Orchestrator{Stdout: io.Discard, GracePeriod: 500 * time.Millisecond}
	p := mustBuild(t,
		[]plugin.Invocation{sh("slow", "exec sleep 30")},
		nil,
		sh("bad", "exit 2"),
	)

	start := time.Now()
	res, err := runPipeline(t, o, p)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second, "slow source was not stopped")
	assert.True(t, res.Stages[0].Terminated, "source should be marked terminated: %+v", res.Stages[0])
}

func TestRunFailingSourceStopsLaterSources(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	p := mustBuild(t,
		[]plugin.Invocation{sh("a", "echo a"), sh("b", "exit 4"), sh("c", "echo c")},
		[]plugin.Invocation{sh("cat", "cat")},
		stdout(),
	)

	res, err := runPipeline(t, o, p)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, 4, se.ExitCode)
	assert.Equal(t, StateNotStarted, res.Stages[2].State)
}

func TestRunSignalledStage(t *testing.T) {
	o := &Orchestrator{Stdout: io.Discard}
	p := mustBuild(t, []plugin.Invocation{sh("self", "kill -USR1 $$")}, nil, stdout())

	res, err := runPipeline(t, o, p)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "SIGUSR1", se.Signal)
	assert.Equal(t, StateSignaled, res.Stages[0].State)
}

func TestRunSpawnFailure(t *testing.T) {
	o := &Orchestrator{Stdout: io.Discard}
	missing := plugin.Invocation{Plugin: "ghost", Executable: filepath.Join(t.TempDir(), "no-such-plugin")}
	p := mustBuild(t, []plugin.Invocation{sh("src", "yes")}, nil, missing)

	res, err := runPipeline(t, o, p)
	var spawn *SpawnError
	require.ErrorAs(t, err, &spawn)
	assert.Equal(t, "ghost", spawn.Label)
	assert.Equal(t, 1, res.ExitCode())
}

func TestRunReleasesDescriptors(t *testing.T) {
	o := &Orchestrator{Stdout: io.Discard}
	ok := mustBuild(t,
		[]plugin.Invocation{sh("a", "echo a"), sh("b", "echo b")},
		[]plugin.Invocation{sh("one", "cat"), sh("two", "cat")},
		sh("three", "cat"),
	)
	missing := plugin.Invocation{Plugin: "ghost", Executable: filepath.Join(t.TempDir(), "no-such-plugin")}
	broken := mustBuild(t,
		[]plugin.Invocation{sh("src", "yes")},
		[]plugin.Invocation{sh("one", "cat"), missing},
		stdout(),
	)

	// Warm up so lazily created runtime descriptors are not counted.
	_, err := runPipeline(t, o, ok)
	require.NoError(t, err)

	before := openFiles(t)
	_, err = runPipeline(t, o, ok)
	require.NoError(t, err)
	assert.Equal(t, before, openFiles(t), "descriptors leaked by a successful run")

	_, err = runPipeline(t, o, broken)
	var spawn *SpawnError
	require.ErrorAs(t, err, &spawn)
	assert.Equal(t, before, openFiles(t), "descriptors leaked after a spawn failure")
}

func TestReleaseKeepsOnlyCarry(t *testing.T) {
	r1, w1, err := os.Pipe()
	require.NoError(t, err)
	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	defer r2.Close()

	kept := release([]*os.File{r1, w1, r2, w2}, r2)
	assert.Equal(t, []*os.File{r2}, kept)
	for _, f := range []*os.File{r1, w1, w2} {
		assert.ErrorIs(t, f.Close(), os.ErrClosed)
	}
	assert.Empty(t, release([]*os.File{r2}, nil))
	assert.ErrorIs(t, r2.Close(), os.ErrClosed)
}

func TestRunTimeout(t *testing.T) {
	// No Stdout: an io.Writer would make Wait also wait on the orphaned sleep.
	o := &Orchestrator{Timeout: 200 * time.Millisecond, GracePeriod: 200 * time.Millisecond}
	p := mustBuild(t, []plugin.Invocation{sh("slow", "sleep 30")}, nil, stdout())

	res, err := runPipeline(t, o, p)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 124, res.ExitCode())
}

func TestRunKillsAfterGracePeriod(t *testing.T) {
	o := &Orchestrator{GracePeriod: 200 * time.Millisecond}
	p := mustBuild(t, []plugin.Invocation{sh("stubborn", "trap '' TERM; while :; do sleep 0.1; done")}, nil, stdout())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	res, err := o.Run(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second, "stage survived SIGKILL escalation")
	assert.Equal(t, "SIGKILL", res.Stages[0].Signal)
	assertReaped(t, res)
}

func TestRunFileRedirects(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	outPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(in, []byte("hello\n"), 0o644))

	src := sh("read", "cat")
	src.Input = in
	sink := sh("write", "tr a-z A-Z")
	sink.Output = outPath

	_, err := runPipeline(t, &Orchestrator{}, mustBuild(t, []plugin.Invocation{src}, nil, sink))
	require.NoError(t, err)
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "HELLO\n", string(data))
}

func TestRunPassesEnvironment(t *testing.T) {
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out, Env: []string{"JN_HOME=/jn"}}
	src := sh("env", `echo "$JN_HOME $PROFILE_TOKEN"`)
	src.Env = []string{"PROFILE_TOKEN=secret"}

	_, err := runPipeline(t, o, mustBuild(t, []plugin.Invocation{src}, nil, stdout()))
	require.NoError(t, err)
	assert.Equal(t, "/jn secret\n", out.String())
}

func TestRunStreamsWithoutBuffering(t *testing.T) {
	if testing.Short() {
		t.Skip("moves 64 MiB through a pipeline")
	}
	var out bytes.Buffer
	o := &Orchestrator{Stdout: &out}
	p := mustBuild(t,
		[]plugin.Invocation{sh("zeros", "head -c 67108864 /dev/zero")},
		[]plugin.Invocation{sh("pass", "cat")},
		sh("count", "wc -c"),
	)

	runtime.GC()
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := runPipeline(t, o, p)
	require.NoError(t, err)
	runtime.ReadMemStats(&after)

	assert.Equal(t, "67108864", strings.TrimSpace(out.String()))
	assert.LessOrEqual(t, after.TotalAlloc-before.TotalAlloc, uint64(8<<20),
		"orchestrator allocated memory moving data it should not touch")
}

func TestRunEmptyPipeline(t *testing.T) {
	_, err := (&Orchestrator{}).Run(context.Background(), &Pipeline{})
	assert.ErrorIs(t, err, ErrEmptyPipeline)
}
