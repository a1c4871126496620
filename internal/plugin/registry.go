package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/marcelocantos/jn/internal/address"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("plugin not found")

// NotFoundError reports a lookup with no matching plugin.
type NotFoundError struct {
	What      string // "plugin", "format", "protocol"
	Query     string
	Available []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("no %s plugin for %q", e.What, e.Query)
	if e.What == "plugin" {
		msg = fmt.Sprintf("unknown plugin: %q", e.Query)
	}
	if len(e.Available) > 0 {
		msg += " (available: " + strings.Join(e.Available, ", ") + ")"
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// SearchPath is a directory scanned for plugins at a given precedence.
type SearchPath struct {
	Dir  string
	Tier Tier
}

// LoadOptions configures Load.
type LoadOptions struct {
	Cache  *Cache
	Logger hclog.Logger
}

// Registry is an immutable catalog of plugins. Build it once with Load or
// New and pass it to whatever needs lookups.
type Registry struct {
	plugins []*Descriptor // tier order, then registration order
	byID    map[string]*Descriptor
}

// New builds a registry from descriptors in registration order. Within
// that order lower tiers come first; a later descriptor whose ID is
// already taken is dropped.
func New(descs ...*Descriptor) *Registry {
	ordered := make([]*Descriptor, len(descs))
	copy(ordered, descs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Tier < ordered[j].Tier
	})

	r := &Registry{byID: make(map[string]*Descriptor, len(ordered))}
	for _, d := range ordered {
		if _, taken := r.byID[d.ID]; taken {
			continue
		}
		r.byID[d.ID] = d
		r.plugins = append(r.plugins, d)
	}
	return r
}

// Load scans paths for plugins. Missing directories are skipped. A
// candidate with a broken header is logged and skipped.
func Load(paths []SearchPath, opts LoadOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	ordered := make([]SearchPath, len(paths))
	copy(ordered, paths)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Tier < ordered[j].Tier
	})

	var descs []*Descriptor
	for _, sp := range ordered {
		found, err := scan(sp, opts.Cache, logger)
		if err != nil {
			return nil, err
		}
		descs = append(descs, found...)
	}

	if opts.Cache != nil {
		if err := opts.Cache.Save(); err != nil {
			logger.Warn("plugin cache not saved", "path", opts.Cache.Path(), "error", err)
		}
	}

	r := New(descs...)
	if len(r.plugins) < len(descs) {
		for _, d := range descs {
			if winner := r.byID[d.ID]; winner != d {
				logger.Debug("plugin shadowed", "id", d.ID, "path", d.Path, "by", winner.Path)
			}
		}
	}
	logger.Debug("plugins loaded", "count", len(r.plugins))
	return r, nil
}

func scan(sp SearchPath, cache *Cache, logger hclog.Logger) ([]*Descriptor, error) {
	var descs []*Descriptor
	err := filepath.WalkDir(sp.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == sp.Dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		name := d.Name()
		if path != sp.Dir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || strings.HasPrefix(name, "test_") || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		m, ok, err := readManifest(path, info, cache)
		if err != nil {
			logger.Warn("invalid plugin metadata", "path", path, "error", err)
			return nil
		}
		if !ok {
			return nil
		}

		exe := path
		if strings.HasSuffix(name, ManifestSuffix) {
			exe = strings.TrimSuffix(path, ManifestSuffix)
			if m.Exec != "" {
				exe = filepath.Join(filepath.Dir(path), m.Exec)
			}
			if m.Name == "" {
				m.Name = filepath.Base(strings.TrimSuffix(name, ManifestSuffix))
			}
		}

		if len(m.Runner) == 0 {
			exeInfo := info
			if exe != path {
				if exeInfo, err = os.Stat(exe); err != nil {
					logger.Warn("plugin executable missing", "manifest", path, "error", err)
					return nil
				}
			}
			if !isExecutable(exeInfo) {
				logger.Warn("plugin not executable and declares no runner", "path", exe)
				return nil
			}
		}

		kind, err := manifestKind(m, sp.Dir, path)
		if err != nil {
			logger.Warn("invalid plugin kind", "path", path, "error", err)
			return nil
		}
		desc, errs := NewDescriptor(m, exe, kind, sp.Tier)
		for _, e := range errs {
			logger.Warn("ignoring plugin pattern", "error", e)
		}
		desc.Root = sp.Dir
		descs = append(descs, desc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", sp.Dir, err)
	}
	return descs, nil
}

func readManifest(path string, info fs.FileInfo, cache *Cache) (Manifest, bool, error) {
	if cache != nil {
		if m, ok, hit := cache.lookup(path, info); hit {
			return m, ok, nil
		}
	}
	var (
		m   Manifest
		ok  bool
		err error
	)
	if strings.HasSuffix(path, ManifestSuffix) {
		m, err = ReadManifestFile(path)
		ok = err == nil
	} else {
		m, ok, err = ReadHeader(path)
	}
	if err != nil {
		return Manifest{}, false, err
	}
	if cache != nil {
		cache.store(path, info, m, ok)
	}
	return m, ok, nil
}

// manifestKind uses the declared kind, else the first directory under the
// search root ("formats/csv_.py" is a format).
func manifestKind(m Manifest, root, path string) (Kind, error) {
	if m.Kind != "" {
		return ParseKind(m.Kind)
	}
	rel, err := filepath.Rel(root, path)
	if err == nil {
		if first, _, ok := strings.Cut(filepath.ToSlash(rel), "/"); ok {
			if k, err := ParseKind(first); err == nil {
				return k, nil
			}
		}
	}
	return 0, fmt.Errorf("no kind declared and none implied by directory")
}

// All returns every plugin sorted by ID.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, len(r.plugins))
	copy(out, r.plugins)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByID returns the plugin with the given ID. "csv" also finds "csv_".
func (r *Registry) ByID(id string) (*Descriptor, error) {
	if d, ok := r.byID[id]; ok {
		return d, nil
	}
	if d, ok := r.byID[id+"_"]; ok {
		return d, nil
	}
	return nil, &NotFoundError{What: "plugin", Query: id, Available: r.ids()}
}

// ByExtension returns the first format plugin claiming ext ("csv" or ".csv").
func (r *Registry) ByExtension(ext string) (*Descriptor, error) {
	ext = strings.TrimPrefix(ext, ".")
	if d := r.first(KindFormat, func(d *Descriptor) bool { return d.MatchesPath("file." + ext) }); d != nil {
		return d, nil
	}
	return nil, &NotFoundError{What: "format", Query: "." + ext}
}

// ForPath returns the first format plugin matching path.
func (r *Registry) ForPath(path string) (*Descriptor, error) {
	if d := r.first(KindFormat, func(d *Descriptor) bool { return d.MatchesPath(path) }); d != nil {
		return d, nil
	}
	return nil, &NotFoundError{What: "format", Query: path}
}

// ForURL returns the first protocol plugin matching rawURL.
func (r *Registry) ForURL(rawURL string) (*Descriptor, error) {
	if d := r.first(KindProtocol, func(d *Descriptor) bool { return d.MatchesURL(rawURL) }); d != nil {
		return d, nil
	}
	return nil, &NotFoundError{What: "protocol", Query: rawURL}
}

// ForCompression returns the decoder for a compression suffix.
func (r *Registry) ForCompression(ext string) (*Descriptor, error) {
	if d := r.first(KindCompression, func(d *Descriptor) bool { return d.MatchesPath("file." + ext) }); d != nil {
		return d, nil
	}
	if d, err := r.ByID(ext); err == nil && d.Kind == KindCompression {
		return d, nil
	}
	return nil, &NotFoundError{What: "compression", Query: "." + ext}
}

// Resolve maps an address to the plugin that handles it. Profile and
// stdio addresses are not registry lookups.
func (r *Registry) Resolve(a address.Address) (*Descriptor, error) {
	if a.Format != "" {
		return r.ByID(a.Format)
	}
	switch a.Kind {
	case address.KindFile:
		return r.ForPath(a.StripCompression())
	case address.KindProtocol:
		return r.ForURL(a.URL())
	case address.KindPlugin:
		return r.ByID(a.Name)
	default:
		return nil, fmt.Errorf("%s address %q does not name a plugin", a.Kind, a.Raw)
	}
}

func (r *Registry) first(k Kind, match func(*Descriptor) bool) *Descriptor {
	for _, d := range r.plugins {
		if d.Kind == k && match(d) {
			return d
		}
	}
	return nil
}

func (r *Registry) ids() []string {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// isExecutable reports whether any execute bit is set.
func isExecutable(info os.FileInfo) bool {
	return info.Mode().Perm()&0o111 != 0
}
