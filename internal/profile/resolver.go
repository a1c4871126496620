package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/marcelocantos/jn/internal/address"
	"github.com/marcelocantos/jn/internal/plugin"
)

// MetaFile is the connection-level record of a profile namespace.
const MetaFile = "_meta"

// Root is a profiles directory at a given precedence. Its children are
// profile types ("http", "mcp", "jq"), each holding namespaces.
type Root struct {
	Dir  string
	Tier plugin.Tier
}

// Resolver turns @namespace/name references into invocations.
type Resolver struct {
	roots     []Root
	registry  *plugin.Registry
	logger    hclog.Logger
	lookupEnv func(string) (string, bool)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupEnv replaces os.LookupEnv for ${NAME} substitution.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookupEnv = fn }
}

// WithLogger sets the logger used for parameter warnings.
func WithLogger(l hclog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a resolver searching roots in tier order. The
// registry supplies the plugins that execute resolved profiles.
func NewResolver(roots []Root, reg *plugin.Registry, opts ...Option) *Resolver {
	ordered := make([]Root, len(roots))
	copy(ordered, roots)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Tier < ordered[j].Tier })

	r := &Resolver{
		roots:     ordered,
		registry:  reg,
		logger:    hclog.NewNullLogger(),
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolution is the outcome of resolving one profile reference.
type Resolution struct {
	Ref        string
	Type       string
	Root       Root
	Definition Definition
	Params     address.Params

	// URL is set for URL backends.
	URL string

	// Stages holds one invocation, or two when an adapter parses a raw
	// response.
	Stages []plugin.Invocation
}

// location is where a namespace was found.
type location struct {
	root    Root
	typ     string
	dir     string
	meta    string // may be empty
	op      string // may be empty
	content string // non-JSON operation body, may be empty
}

// Resolve finds ref's definition and builds its invocation in mode.
// Caller params come from ref.Params.
func (r *Resolver) Resolve(ref address.Address, mode plugin.Mode) (*Resolution, error) {
	if ref.Kind != address.KindProfile {
		return nil, fmt.Errorf("%q is not a profile reference", ref.Raw)
	}
	name := ref.Ref()

	loc, err := r.find(ref.Namespace, ref.Name)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Ref: name, Type: loc.typ, Root: loc.root}
	if loc.content != "" {
		return r.resolveContent(res, loc, ref.Params)
	}
	if loc.op == "" && loc.typ != "mcp" {
		return nil, &NotFoundError{Ref: name, Detail: fmt.Sprintf("namespace %q has no operation %q", ref.Namespace, ref.Name), Searched: []string{loc.dir}}
	}

	var layers []map[string]any
	for _, path := range []string{loc.meta, loc.op} {
		if path == "" {
			continue
		}
		layer, err := readLayer(path)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		layers = append(layers, layer)
	}

	expanded, missing := expandValue(mergeLayers(layers...), r.lookupEnv)
	if missing != "" {
		return nil, &EnvVarMissingError{Name: missing, Profile: name}
	}
	def, err := decodeDefinition(expanded.(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	def.Type = loc.typ
	res.Definition = def

	if def.Tool == "" && loc.typ == "mcp" {
		res.Definition.Tool = ref.Name
	}

	caller := ref.Params.Clone()
	if loc.typ == "mcp" {
		caller = caller.Without(mcpReserved...)
	}
	for _, k := range caller.Keys() {
		if !def.Declares(k) {
			r.logger.Warn("parameter not declared by profile", "profile", name, "param", k)
		}
	}
	res.Params = MergeParams(def.DeclaredDefaults(), def.CuratedDefaults(), caller)
	for _, p := range def.Params {
		if p.Required && !res.Params.Has(p.Name) {
			return nil, fmt.Errorf("profile %s: required parameter %q not set", name, p.Name)
		}
	}

	switch {
	case loc.typ == "mcp":
		err = r.resolveMCP(res, ref.Params, mode)
	case def.BaseURL != "":
		err = r.resolveURL(res, mode)
	case def.Command != "":
		r.resolveCommand(res, mode)
	default:
		err = fmt.Errorf("profile %s defines neither base_url nor command", name)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// find returns the first root, in tier order, holding namespace ns under
// any type. Types within a root are tried in name order.
func (r *Resolver) find(ns, name string) (location, error) {
	var searched []string
	for _, root := range r.roots {
		types, err := os.ReadDir(root.Dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Debug("profile root unreadable", "dir", root.Dir, "error", err)
			}
			continue
		}
		searched = append(searched, root.Dir)
		for _, t := range types {
			if !t.IsDir() {
				continue
			}
			dir := filepath.Join(root.Dir, t.Name(), ns)
			loc := location{
				root: root,
				typ:  t.Name(),
				dir:  dir,
				meta: firstFile(dir, MetaFile+".json", MetaFile+".jsonc"),
				op:   firstFile(dir, name+".json", name+".jsonc"),
			}
			if loc.meta == "" && loc.op == "" {
				loc.content = contentFile(dir, name)
			}
			if loc.meta != "" || loc.op != "" || loc.content != "" {
				r.logger.Debug("profile found", "ref", "@"+ns+"/"+name, "dir", dir, "tier", root.Tier)
				return loc, nil
			}
		}
	}
	return location{}, &NotFoundError{Ref: "@" + ns + "/" + name, Searched: searched}
}

func firstFile(dir string, names ...string) string {
	for _, n := range names {
		p := filepath.Join(dir, n)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// resolveURL builds base_url/path?params and the protocol plugin call.
func (r *Resolver) resolveURL(res *Resolution, mode plugin.Mode) error {
	def := res.Definition
	params := res.Params.Clone()

	path := def.Path
	for _, k := range params.Keys() {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(params.Get(k)))
			delete(params, k)
		}
	}

	u := joinURL(def.BaseURL, path)
	if q := params.Encode(); q != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + q
	}
	res.URL = u

	proto, err := r.protocolFor(def, u)
	if err != nil {
		return fmt.Errorf("profile %s: %w", res.Ref, err)
	}

	config := address.Params{}
	if def.Method != "" {
		config.Set("method", def.Method)
	}
	if len(def.Timeout) > 0 {
		config.Set("timeout", def.Timeout.String())
	}
	if len(def.Headers) > 0 {
		headers, err := json.Marshal(def.Headers)
		if err != nil {
			return fmt.Errorf("profile %s: headers: %w", res.Ref, err)
		}
		config.Set("headers", string(headers))
	}

	if def.Adapter == "" || mode != plugin.ModeRead {
		res.Stages = []plugin.Invocation{proto.Invocation(mode, config, u)}
		return nil
	}
	adapter, err := r.registry.ByID(def.Adapter)
	if err != nil {
		return fmt.Errorf("profile %s: adapter: %w", res.Ref, err)
	}
	res.Stages = []plugin.Invocation{
		proto.Invocation(plugin.ModeRaw, config, u),
		adapter.Invocation(plugin.ModeRead, nil, ""),
	}
	return nil
}

// protocolFor prefers the declared plugin, then the profile type, then
// whichever protocol plugin claims the URL.
func (r *Resolver) protocolFor(def Definition, u string) (*plugin.Descriptor, error) {
	if def.Plugin != "" {
		return r.registry.ByID(def.Plugin)
	}
	if d, err := r.registry.ByID(def.Type); err == nil && d.Kind == plugin.KindProtocol {
		return d, nil
	}
	return r.registry.ForURL(u)
}

// resolveCommand launches the profile's own command with params as flags.
func (r *Resolver) resolveCommand(res *Resolution, mode plugin.Mode) {
	def := res.Definition
	inv := plugin.Invocation{
		Plugin:     res.Ref,
		Executable: def.Command,
		Mode:       mode,
	}
	inv.Args = append(inv.Args, def.Args...)
	inv.Args = append(inv.Args, plugin.ConfigArgs(res.Params)...)
	inv.Env = envList(def.Env)
	res.Stages = []plugin.Invocation{inv}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
