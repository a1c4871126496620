// Package resolve turns parsed addresses into plugin invocations. It is
// where reserved query keys are consumed and where multi-stage reads
// (protocol, decompression, format) are planned.
package resolve

import (
	"errors"
	"fmt"
	"os"

	"github.com/marcelocantos/jn/internal/address"
	"github.com/marcelocantos/jn/internal/plugin"
	"github.com/marcelocantos/jn/internal/profile"
)

// Reserved query keys. They steer resolution and are not passed to plugins.
const (
	KeyFormat = "format" // same as a ~fmt suffix
	KeyPlugin = "plugin" // force a plugin by id
)

// AddressError ties a resolution failure to the address that caused it.
type AddressError struct {
	Address string
	Err     error
}

func (e *AddressError) Error() string { return fmt.Sprintf("%s: %v", e.Address, e.Err) }
func (e *AddressError) Unwrap() error { return e.Err }

// Planner resolves addresses against a registry and profile resolver.
type Planner struct {
	registry      *plugin.Registry
	profiles      *profile.Resolver
	defaultFilter string
}

// NewPlanner returns a planner. defaultFilter names the plugin that runs
// bare filter expressions such as ".name".
func NewPlanner(reg *plugin.Registry, profiles *profile.Resolver, defaultFilter string) *Planner {
	return &Planner{registry: reg, profiles: profiles, defaultFilter: defaultFilter}
}

// Sources plans each address in order and stops at the first failure.
func (p *Planner) Sources(addrs []address.Address) ([][]plugin.Invocation, error) {
	out := make([][]plugin.Invocation, 0, len(addrs))
	for _, a := range addrs {
		chain, err := p.Source(a)
		if err != nil {
			return nil, err
		}
		out = append(out, chain)
	}
	return out, nil
}

// Source plans a read of a.
func (p *Planner) Source(a address.Address) ([]plugin.Invocation, error) {
	chain, err := p.source(a)
	if err != nil {
		return nil, &AddressError{Address: a.Raw, Err: err}
	}
	return chain, nil
}

func (p *Planner) source(a address.Address) ([]plugin.Invocation, error) {
	a, forced := takeReserved(a)

	switch a.Kind {
	case address.KindStdin:
		if a.Format == "" && forced == "" {
			return []plugin.Invocation{plugin.Passthrough(plugin.ModeRead)}, nil
		}
		d, err := p.pick(forced, a.Format)
		if err != nil {
			return nil, err
		}
		inv, err := invoke(d, plugin.ModeRead, a.Params, "")
		if err != nil {
			return nil, err
		}
		inv.Input = plugin.Stdio
		return []plugin.Invocation{inv}, nil

	case address.KindFile:
		if _, err := os.Stat(a.Path); err != nil {
			return nil, err
		}
		d, err := p.formatFor(forced, a)
		if err != nil {
			return nil, err
		}
		inv, err := invoke(d, plugin.ModeRead, a.Params, "")
		if err != nil {
			return nil, err
		}
		if a.Compression == "" {
			inv.Input = a.Path
			return []plugin.Invocation{inv}, nil
		}
		dec, err := p.decoder(a.Compression)
		if err != nil {
			return nil, err
		}
		dec.Input = a.Path
		return []plugin.Invocation{dec, inv}, nil

	case address.KindProtocol:
		return p.protocolSource(a, forced)

	case address.KindProfile:
		res, err := p.profiles.Resolve(a, plugin.ModeRead)
		if err != nil {
			return nil, err
		}
		return res.Stages, nil

	case address.KindPlugin:
		d, err := p.registry.ByID(a.Name)
		if err != nil {
			return nil, err
		}
		inv, err := invoke(d, plugin.ModeRead, a.Params, "")
		if err != nil {
			return nil, err
		}
		if d.Kind == plugin.KindFormat {
			inv.Input = plugin.Stdio
		}
		return []plugin.Invocation{inv}, nil
	}
	return nil, fmt.Errorf("%s address cannot be read", a.Kind)
}

// protocolSource fetches raw bytes and parses them locally when the
// protocol plugin can stream raw and the format is known; otherwise the
// protocol plugin produces records itself.
func (p *Planner) protocolSource(a address.Address, forced string) ([]plugin.Invocation, error) {
	url := a.URL()
	proto, err := p.registry.ForURL(url)
	if forced != "" {
		proto, err = p.registry.ByID(forced)
	}
	if err != nil {
		return nil, err
	}

	var format *plugin.Descriptor
	switch {
	case a.Format != "":
		if format, err = p.registry.ByID(a.Format); err != nil {
			return nil, err
		}
	case proto.Supports(plugin.ModeRaw):
		// Unknown extensions leave parsing to the protocol plugin.
		format, _ = p.registry.ForPath(a.StripCompression())
	}

	if format == nil || !proto.Supports(plugin.ModeRaw) {
		inv, err := invoke(proto, plugin.ModeRead, nil, url)
		if err != nil {
			return nil, err
		}
		return []plugin.Invocation{inv}, nil
	}

	chain := []plugin.Invocation{proto.Invocation(plugin.ModeRaw, nil, url)}
	if a.Compression != "" {
		dec, err := p.decoder(a.Compression)
		if err != nil {
			return nil, err
		}
		chain = append(chain, dec)
	}
	inv, err := invoke(format, plugin.ModeRead, a.Params, "")
	if err != nil {
		return nil, err
	}
	return append(chain, inv), nil
}

// Filter plans a transform. Plugin and profile references resolve as
// usual; anything else is an expression for the default filter plugin.
func (p *Planner) Filter(a address.Address) ([]plugin.Invocation, error) {
	chain, err := p.filter(a)
	if err != nil {
		return nil, &AddressError{Address: a.Raw, Err: err}
	}
	return chain, nil
}

func (p *Planner) filter(a address.Address) ([]plugin.Invocation, error) {
	switch a.Kind {
	case address.KindPlugin:
		d, err := p.registry.ByID(a.Name)
		if err != nil {
			return nil, err
		}
		inv, err := invoke(d, plugin.ModeFilter, a.Params, "")
		if err != nil {
			return nil, err
		}
		return []plugin.Invocation{inv}, nil
	case address.KindProfile:
		res, err := p.profiles.Resolve(a, plugin.ModeFilter)
		if err != nil {
			return nil, err
		}
		return res.Stages, nil
	}
	if p.defaultFilter == "" {
		return nil, errors.New("not a filter reference and no default filter is configured")
	}
	d, err := p.registry.ByID(p.defaultFilter)
	if err != nil {
		return nil, err
	}
	inv, err := invoke(d, plugin.ModeFilter, address.Params{"query": {a.Raw}}, "")
	if err != nil {
		return nil, err
	}
	return []plugin.Invocation{inv}, nil
}

// Sink plans a write to a.
func (p *Planner) Sink(a address.Address) (plugin.Invocation, error) {
	inv, err := p.sink(a)
	if err != nil {
		return plugin.Invocation{}, &AddressError{Address: a.Raw, Err: err}
	}
	return inv, nil
}

func (p *Planner) sink(a address.Address) (plugin.Invocation, error) {
	a, forced := takeReserved(a)

	switch a.Kind {
	case address.KindStdout:
		if a.Format == "" && forced == "" {
			return plugin.Passthrough(plugin.ModeWrite), nil
		}
		d, err := p.pick(forced, a.Format)
		if err != nil {
			return plugin.Invocation{}, err
		}
		return invoke(d, plugin.ModeWrite, a.Params, "")

	case address.KindFile:
		if a.Compression != "" {
			return plugin.Invocation{}, fmt.Errorf("writing %s-compressed files is not supported", a.Compression)
		}
		d, err := p.formatFor(forced, a)
		if err != nil {
			return plugin.Invocation{}, err
		}
		inv, err := invoke(d, plugin.ModeWrite, a.Params, "")
		if err != nil {
			return plugin.Invocation{}, err
		}
		inv.Output = a.Path
		return inv, nil

	case address.KindProtocol:
		proto, err := p.registry.ForURL(a.URL())
		if forced != "" {
			proto, err = p.registry.ByID(forced)
		}
		if err != nil {
			return plugin.Invocation{}, err
		}
		return invoke(proto, plugin.ModeWrite, a.Params, a.URL())

	case address.KindProfile:
		res, err := p.profiles.Resolve(a, plugin.ModeWrite)
		if err != nil {
			return plugin.Invocation{}, err
		}
		if len(res.Stages) != 1 {
			return plugin.Invocation{}, fmt.Errorf("profile %s resolves to %d stages; a sink needs one", res.Ref, len(res.Stages))
		}
		return res.Stages[0], nil

	case address.KindPlugin:
		d, err := p.registry.ByID(a.Name)
		if err != nil {
			return plugin.Invocation{}, err
		}
		return invoke(d, plugin.ModeWrite, a.Params, "")
	}
	return plugin.Invocation{}, fmt.Errorf("%s address cannot be written", a.Kind)
}

// takeReserved moves reserved keys out of the params. A "format" key only
// applies when there is no ~fmt suffix.
func takeReserved(a address.Address) (address.Address, string) {
	if a.Format == "" && a.Params.Has(KeyFormat) {
		a.Format = a.Params.Get(KeyFormat)
	}
	forced := a.Params.Get(KeyPlugin)
	a.Params = a.Params.Without(KeyFormat, KeyPlugin)
	return a, forced
}

func (p *Planner) pick(forced, format string) (*plugin.Descriptor, error) {
	if forced != "" {
		return p.registry.ByID(forced)
	}
	return p.registry.ByID(format)
}

// formatFor picks the format plugin for a file: a forced plugin, else the
// registry's own match (the ~fmt override, then the path).
func (p *Planner) formatFor(forced string, a address.Address) (*plugin.Descriptor, error) {
	if forced != "" {
		return p.registry.ByID(forced)
	}
	return p.registry.Resolve(a)
}

func (p *Planner) decoder(ext string) (plugin.Invocation, error) {
	d, err := p.registry.ForCompression(ext)
	if err != nil {
		return plugin.Invocation{}, err
	}
	return d.Invocation(plugin.ModeRaw, nil, ""), nil
}

// invoke checks that d supports mode before building the invocation.
func invoke(d *plugin.Descriptor, mode plugin.Mode, params address.Params, target string) (plugin.Invocation, error) {
	if !d.Supports(mode) {
		return plugin.Invocation{}, fmt.Errorf("plugin %s does not support %s mode", d.ID, mode)
	}
	return d.Invocation(mode, params, target), nil
}
