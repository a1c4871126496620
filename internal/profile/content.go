package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcelocantos/jn/internal/address"
	"github.com/marcelocantos/jn/internal/plugin"
)

// contentFile finds <dir>/<name>.<ext> for a non-JSON extension. Content
// profiles hold a program body, such as a jq query, for the plugin named
// by their type directory.
func contentFile(dir, name string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, name+".*"))
	sort.Strings(matches)
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".json", ".jsonc":
			continue
		}
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			return m
		}
	}
	return ""
}

// resolveContent substitutes $param references in the body with JSON
// string literals and hands the body to the type's plugin as its query.
func (r *Resolver) resolveContent(res *Resolution, loc location, caller address.Params) (*Resolution, error) {
	data, err := os.ReadFile(loc.content)
	if err != nil {
		return nil, fmt.Errorf("profile %s: reading %s: %w", res.Ref, loc.content, err)
	}

	body := string(data)
	keys := caller.Keys()
	// Longest names first so $limit is not clobbered by $lim.
	sort.SliceStable(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		lit, _ := json.Marshal(caller.Get(k))
		body = strings.ReplaceAll(body, "$"+k, string(lit))
	}
	body = strings.TrimSpace(body)

	d, err := r.registry.ByID(loc.typ)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", res.Ref, err)
	}
	res.Params = caller.Clone()
	res.Stages = []plugin.Invocation{
		d.Invocation(plugin.ModeFilter, address.Params{"query": {body}}, ""),
	}
	return res, nil
}
