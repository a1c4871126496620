package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/marcelocantos/jn/internal/plugin"
)

// Role is a stage's place in the pipeline.
type Role int

const (
	RoleSource Role = iota
	RoleFilter
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleFilter:
		return "filter"
	case RoleSink:
		return "sink"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Stage is one process (or passthrough) in a pipeline.
type Stage struct {
	Invocation plugin.Invocation `json:"invocation"`
	Role       Role              `json:"-"`
	Label      string            `json:"label"`
}

// Source is a chain of stages producing one source's records, such as
// fetch, decompress, parse.
type Source struct {
	Stages []Stage
}

// passthrough reports whether the source is the run's own stdin.
func (s Source) passthrough() bool {
	return len(s.Stages) == 1 && s.Stages[0].Invocation.IsPassthrough()
}

// Pipeline is an ordered plan: sources run one after another into the
// filters, whose output goes to the sink.
type Pipeline struct {
	Sources []Source
	Filters []Stage
	Sink    Stage
}

// Stages returns every stage in execution order. Stage indices in errors
// and results refer to this order.
func (p *Pipeline) Stages() []Stage {
	var out []Stage
	for _, s := range p.Sources {
		out = append(out, s.Stages...)
	}
	out = append(out, p.Filters...)
	return append(out, p.Sink)
}

func (p *Pipeline) String() string {
	var b strings.Builder
	for i, st := range p.Stages() {
		fmt.Fprintf(&b, "%d %-6s %s\n", i, st.Role, st.Invocation)
	}
	return b.String()
}

func label(inv plugin.Invocation, role Role) string {
	switch {
	case inv.Plugin != "":
		return inv.Plugin
	case inv.Executable != "":
		return filepath.Base(inv.Executable)
	case role == RoleSource:
		return "stdin"
	}
	return "stdout"
}
