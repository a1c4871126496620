package plugin

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/marcelocantos/jn/internal/address"
)

// Descriptor is one discovered plugin.
type Descriptor struct {
	ID           string
	Kind         Kind
	Description  string
	Path         string   // executable or script
	Runner       []string // interpreter prefix, e.g. ["uv", "run", "--script"]
	Modes        []Mode
	Dependencies []string
	Tier         Tier
	Root         string // search path the plugin was found under

	patterns   []*regexp.Regexp
	extensions []string
	schemes    []string
}

// NewDescriptor builds a descriptor from a manifest. Invalid patterns are
// returned as errors alongside a usable descriptor so the caller can log
// them without losing the plugin.
func NewDescriptor(m Manifest, path string, kind Kind, tier Tier) (*Descriptor, []error) {
	d := &Descriptor{
		ID:           m.Name,
		Kind:         kind,
		Description:  m.Description,
		Path:         path,
		Runner:       m.Runner,
		Dependencies: m.Dependencies,
		Tier:         tier,
	}
	if d.ID == "" {
		d.ID = stem(path)
	}

	var errs []error
	for _, s := range m.Modes {
		d.Modes = append(d.Modes, Mode(s))
	}
	if len(d.Modes) == 0 {
		d.Modes = defaultModes(kind)
	}
	if m.Raw && !slices.Contains(d.Modes, ModeRaw) {
		d.Modes = append(d.Modes, ModeRaw)
	}
	for _, p := range m.Matches {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: pattern %q: %w", d.ID, p, err))
			continue
		}
		d.patterns = append(d.patterns, re)
	}
	for _, e := range m.Extensions {
		d.extensions = append(d.extensions, strings.ToLower(strings.TrimPrefix(e, ".")))
	}
	for _, s := range m.Schemes {
		d.schemes = append(d.schemes, strings.ToLower(s))
	}
	return d, errs
}

// stem is the file name without directory and extension.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Supports reports whether the plugin accepts mode.
func (d *Descriptor) Supports(m Mode) bool {
	return slices.Contains(d.Modes, m)
}

// CanRead reports whether the plugin can act as a source.
func (d *Descriptor) CanRead() bool { return d.Supports(ModeRead) }

// CanWrite reports whether the plugin can act as a sink.
func (d *Descriptor) CanWrite() bool { return d.Supports(ModeWrite) }

// Patterns returns the declared match rules in their source form.
func (d *Descriptor) Patterns() []string {
	var out []string
	for _, e := range d.extensions {
		out = append(out, "*."+e)
	}
	for _, s := range d.schemes {
		out = append(out, s+"://")
	}
	for _, re := range d.patterns {
		out = append(out, re.String())
	}
	return out
}

// MatchesPath reports whether path matches a declared extension or pattern.
func (d *Descriptor) MatchesPath(path string) bool {
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		if slices.Contains(d.extensions, strings.ToLower(ext)) {
			return true
		}
	}
	for _, re := range d.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// MatchesURL reports whether rawURL's scheme or full text matches.
func (d *Descriptor) MatchesURL(rawURL string) bool {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if ok && slices.Contains(d.schemes, strings.ToLower(scheme)) {
		return true
	}
	for _, re := range d.patterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Invocation builds the command that runs this plugin:
//
//	[runner...] path --mode <mode> [--key value]... [target]
func (d *Descriptor) Invocation(mode Mode, config address.Params, target string) Invocation {
	inv := Invocation{Plugin: d.ID, Mode: mode}
	if len(d.Runner) > 0 {
		inv.Executable = d.Runner[0]
		inv.Args = append(inv.Args, d.Runner[1:]...)
		inv.Args = append(inv.Args, d.Path)
	} else {
		inv.Executable = d.Path
	}
	inv.Args = append(inv.Args, "--mode", string(mode))
	inv.Args = append(inv.Args, ConfigArgs(config)...)
	if target != "" {
		inv.Args = append(inv.Args, target)
	}
	return inv
}
