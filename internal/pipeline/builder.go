package pipeline

import (
	"fmt"

	"github.com/marcelocantos/jn/internal/plugin"
)

// Build assembles a pipeline where each source is a single invocation.
func Build(sources, filters []plugin.Invocation, sink plugin.Invocation) (*Pipeline, error) {
	chains := make([][]plugin.Invocation, len(sources))
	for i, s := range sources {
		chains[i] = []plugin.Invocation{s}
	}
	return BuildChains(chains, filters, sink)
}

// BuildChains assembles a pipeline from per-source invocation chains.
// Sources run sequentially in the given order; their concatenated output
// feeds the first filter, or the sink when there are none.
func BuildChains(sources [][]plugin.Invocation, filters []plugin.Invocation, sink plugin.Invocation) (*Pipeline, error) {
	if len(sources) == 0 {
		return nil, ErrEmptyPipeline
	}

	p := &Pipeline{}
	for i, chain := range sources {
		if len(chain) == 0 {
			return nil, fmt.Errorf("source %d: no stages", i)
		}
		src := Source{}
		for j, inv := range chain {
			if inv.IsPassthrough() && len(chain) > 1 {
				return nil, fmt.Errorf("source %d: passthrough stage %d inside a chain", i, j)
			}
			if inv.Output != "" {
				return nil, fmt.Errorf("source %d: stage %d writes to a file", i, j)
			}
			if j > 0 && inv.Input != "" {
				return nil, fmt.Errorf("source %d: stage %d reads from its own input", i, j)
			}
			src.Stages = append(src.Stages, Stage{Invocation: inv, Role: RoleSource, Label: label(inv, RoleSource)})
		}
		p.Sources = append(p.Sources, src)
	}

	for i, inv := range filters {
		if inv.IsPassthrough() {
			return nil, fmt.Errorf("filter %d: nothing to run", i)
		}
		if inv.Input != "" || inv.Output != "" {
			return nil, fmt.Errorf("filter %d: filters cannot redirect", i)
		}
		p.Filters = append(p.Filters, Stage{Invocation: inv, Role: RoleFilter, Label: label(inv, RoleFilter)})
	}

	if sink.Input != "" {
		return nil, fmt.Errorf("sink reads from %s", sink.Input)
	}
	p.Sink = Stage{Invocation: sink, Role: RoleSink, Label: label(sink, RoleSink)}
	return p, nil
}
