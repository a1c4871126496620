package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/marcelocantos/jn/internal/address"
	"github.com/marcelocantos/jn/internal/plugin"
)

type explanation struct {
	Address string         `json:"address"`
	Kind    string         `json:"kind"`
	Role    string         `json:"role"`
	Format  string         `json:"format,omitempty"`
	Params  address.Params `json:"params,omitempty"`
	Stages  []explainStage `json:"stages"`
}

type explainStage struct {
	plugin.Invocation
	Command string `json:"command"`
}

// RunExplain shows what an address resolves to in a role without running
// anything.
func (a *App) RunExplain(w io.Writer, raw, role string) int {
	var (
		addr  address.Address
		chain []plugin.Invocation
		err   error
	)
	switch role {
	case "source", "":
		role = "source"
		addr = address.ParseSource(raw)
		chain, err = a.Planner.Source(addr)
	case "filter":
		addr = address.Parse(raw, address.Source)
		chain, err = a.Planner.Filter(addr)
	case "sink":
		addr = address.ParseSink(raw)
		var inv plugin.Invocation
		inv, err = a.Planner.Sink(addr)
		chain = []plugin.Invocation{inv}
	default:
		fmt.Fprintf(a.Stderr, "jn explain: unknown role %q (want source, filter or sink)\n", role)
		return ExitUsage
	}
	if err != nil {
		return a.resolveError(err)
	}

	out := explanation{
		Address: raw,
		Kind:    addr.Kind.String(),
		Role:    role,
		Format:  addr.Format,
		Params:  addr.Params,
	}
	for _, inv := range chain {
		out.Stages = append(out.Stages, explainStage{Invocation: inv, Command: inv.String()})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return a.resolveError(err)
	}
	return 0
}
