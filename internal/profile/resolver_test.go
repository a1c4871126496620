package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/marcelocantos/jn/internal/address"
	"github.com/marcelocantos/jn/internal/plugin"
)

func testRegistry() *plugin.Registry {
	http, _ := plugin.NewDescriptor(plugin.Manifest{Name: "http_", Schemes: []string{"http", "https"}, Raw: true}, "/plugins/http_", plugin.KindProtocol, plugin.TierBundled)
	gmail, _ := plugin.NewDescriptor(plugin.Manifest{Name: "gmail_", Schemes: []string{"gmail"}}, "/plugins/gmail_", plugin.KindProtocol, plugin.TierBundled)
	mcp, _ := plugin.NewDescriptor(plugin.Manifest{Name: "mcp"}, "/plugins/mcp", plugin.KindProtocol, plugin.TierBundled)
	csv, _ := plugin.NewDescriptor(plugin.Manifest{Name: "csv_", Extensions: []string{"csv"}}, "/plugins/csv_", plugin.KindFormat, plugin.TierBundled)
	jq, _ := plugin.NewDescriptor(plugin.Manifest{Name: "jq_"}, "/plugins/jq_", plugin.KindFilter, plugin.TierBundled)
	return plugin.New(http, gmail, mcp, csv, jq)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func env(vars map[string]string) Option {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	})
}

func resolve(t *testing.T, r *Resolver, raw string) *Resolution {
	t.Helper()
	res, err := r.Resolve(address.ParseSource(raw), plugin.ModeRead)
	require.NoError(t, err)
	return res
}

func TestResolveMergesMetaAndOperation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "acme", "_meta.json"), `{
		// connection
		"base_url": "https://api.acme.test/v1",
		"timeout": 30,
		"headers": {"Accept": "application/json"}
	}`)
	writeFile(t, filepath.Join(root, "http", "acme", "widgets.json"), `{
		"path": "/widgets",
		"params": [{"name": "limit", "default": 100}, "status"],
		"headers": {"X-Op": "widgets"}
	}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())
	res := resolve(t, r, "@acme/widgets?limit=5")

	assert.Equal(t, address.Params{"limit": {"5"}}, res.Params)
	assert.Equal(t, "30", res.Definition.Timeout.String())
	assert.Equal(t, "https://api.acme.test/v1/widgets?limit=5", res.URL)
	assert.Equal(t, map[string]string{"Accept": "application/json", "X-Op": "widgets"}, res.Definition.Headers)

	require.Len(t, res.Stages, 1)
	inv := res.Stages[0]
	assert.Equal(t, "/plugins/http_", inv.Executable)
	assert.Equal(t, []string{
		"--mode", "read",
		"--headers", `{"Accept":"application/json","X-Op":"widgets"}`,
		"--timeout", "30",
		"https://api.acme.test/v1/widgets?limit=5",
	}, inv.Args)
}

func TestResolveDefaultsApplyWithoutCallerParams(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "acme", "_meta.json"), `{"base_url": "https://api.acme.test"}`)
	writeFile(t, filepath.Join(root, "http", "acme", "widgets.json"), `{
		"path": "widgets",
		"params": [{"name": "limit", "default": 100}],
		"defaults": {"status": ["active", "pending"]}
	}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())
	res := resolve(t, r, "@acme/widgets")
	assert.Equal(t, address.Params{"limit": {"100"}, "status": {"active", "pending"}}, res.Params)
	assert.Equal(t, "https://api.acme.test/widgets?limit=100&status=active&status=pending", res.URL)
}

func TestResolvePathPlaceholders(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "gh", "_meta.json"), `{"base_url": "https://api.github.test"}`)
	writeFile(t, filepath.Join(root, "http", "gh", "issues.json"), `{"path": "/repos/{repo}/issues", "params": ["repo", "state"]}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())
	res := resolve(t, r, "@gh/issues?repo=a%2Fb&state=open")
	assert.Equal(t, "https://api.github.test/repos/a%2Fb/issues?state=open", res.URL)
}

func TestResolveEnvSubstitution(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "acme", "_meta.json"), `{
		"base_url": "https://${ACME_HOST}/api",
		"headers": {"Authorization": "Bearer ${ACME_TOKEN}"}
	}`)
	writeFile(t, filepath.Join(root, "http", "acme", "widgets.json"), `{"path": "widgets"}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry(),
		env(map[string]string{"ACME_HOST": "acme.test", "ACME_TOKEN": "s3cret"}))
	res := resolve(t, r, "@acme/widgets")
	assert.Equal(t, "https://acme.test/api/widgets", res.URL)
	assert.Equal(t, "Bearer s3cret", res.Definition.Headers["Authorization"])

	r = NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry(),
		env(map[string]string{"ACME_HOST": "acme.test"}))
	_, err := r.Resolve(address.ParseSource("@acme/widgets"), plugin.ModeRead)
	var missing *EnvVarMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ACME_TOKEN", missing.Name)
	assert.Contains(t, err.Error(), "ACME_TOKEN")
}

func TestResolveEmptyEnvIsNotMissing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "acme", "_meta.json"), `{"base_url": "https://acme.test${SUFFIX}"}`)
	writeFile(t, filepath.Join(root, "http", "acme", "x.json"), `{}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry(), env(map[string]string{"SUFFIX": ""}))
	res := resolve(t, r, "@acme/x")
	assert.Equal(t, "https://acme.test", res.URL)
}

func TestResolvePrecedenceProjectWins(t *testing.T) {
	project := t.TempDir()
	bundled := t.TempDir()
	for dir, host := range map[string]string{project: "project.test", bundled: "bundled.test"} {
		writeFile(t, filepath.Join(dir, "http", "acme", "_meta.json"), `{"base_url": "https://`+host+`"}`)
		writeFile(t, filepath.Join(dir, "http", "acme", "widgets.json"), `{"path": "w"}`)
	}
	// Only the bundled tier knows this operation; the project namespace
	// still claims @acme entirely.
	writeFile(t, filepath.Join(bundled, "http", "acme", "gadgets.json"), `{"path": "g"}`)

	for _, roots := range [][]Root{
		{{Dir: project, Tier: plugin.TierProject}, {Dir: bundled, Tier: plugin.TierBundled}},
		{{Dir: bundled, Tier: plugin.TierBundled}, {Dir: project, Tier: plugin.TierProject}},
	} {
		r := NewResolver(roots, testRegistry())
		res := resolve(t, r, "@acme/widgets")
		assert.Equal(t, "https://project.test/w", res.URL)
		assert.Equal(t, plugin.TierProject, res.Root.Tier)

		_, err := r.Resolve(address.ParseSource("@acme/gadgets"), plugin.ModeRead)
		assert.ErrorIs(t, err, ErrProfileNotFound)
	}
}

func TestResolveNotFound(t *testing.T) {
	root := t.TempDir()
	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}, {Dir: filepath.Join(root, "missing"), Tier: plugin.TierUser}}, testRegistry())
	_, err := r.Resolve(address.ParseSource("@nobody/nothing"), plugin.ModeRead)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "@nobody/nothing", nf.Ref)
	assert.Equal(t, []string{root}, nf.Searched)
}

func TestResolveAdapterAddsParseStage(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "census", "_meta.json"), `{"base_url": "https://census.test"}`)
	writeFile(t, filepath.Join(root, "http", "census", "counties.json"), `{"path": "counties.csv", "adapter": "csv"}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())
	res := resolve(t, r, "@census/counties")
	require.Len(t, res.Stages, 2)
	assert.Equal(t, plugin.ModeRaw, res.Stages[0].Mode)
	assert.Equal(t, "http_", res.Stages[0].Plugin)
	assert.Equal(t, plugin.ModeRead, res.Stages[1].Mode)
	assert.Equal(t, "csv_", res.Stages[1].Plugin)
}

func TestResolveProtocolByURLScheme(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "mail", "gmail", "_meta.json"), `{"base_url": "gmail://me/messages"}`)
	writeFile(t, filepath.Join(root, "mail", "gmail", "inbox.json"), `{"defaults": {"in": "inbox"}}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())
	res := resolve(t, r, "@gmail/inbox?from=boss")
	assert.Equal(t, "gmail://me/messages?from=boss&in=inbox", res.URL)
	assert.Equal(t, "gmail_", res.Stages[0].Plugin)
}

func TestResolveCommandBackend(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "exec", "db", "_meta.json"), `{
		"command": "psql-export",
		"args": ["--dsn", "${DB_DSN}"],
		"env": {"PGAPPNAME": "jn"}
	}`)
	writeFile(t, filepath.Join(root, "exec", "db", "users.json"), `{"args": ["--table", "users"], "params": [{"name": "limit", "default": 10}]}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry(), env(map[string]string{"DB_DSN": "postgres://x"}))
	res := resolve(t, r, "@db/users")
	require.Len(t, res.Stages, 1)
	inv := res.Stages[0]
	assert.Equal(t, "psql-export", inv.Executable)
	// The operation's args replace the meta's list.
	assert.Equal(t, []string{"--table", "users", "--limit", "10"}, inv.Args)
	assert.Equal(t, []string{"PGAPPNAME=jn"}, inv.Env)
}

func TestResolveMCP(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "mcp", "bio", "_meta.json"), `{"command": "uvx", "args": ["biomcp", "run"]}`)
	writeFile(t, filepath.Join(root, "mcp", "bio", "search.json"), `{"tool": "article_searcher", "defaults": {"page_size": 10}}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())

	flags := func(inv plugin.Invocation) map[string]string {
		out := map[string]string{}
		for i := 0; i+1 < len(inv.Args); i += 2 {
			out[strings.TrimPrefix(inv.Args[i], "--")] = inv.Args[i+1]
		}
		return out
	}

	res := resolve(t, r, "@bio/search?gene=BRAF")
	f := flags(res.Stages[0])
	assert.Equal(t, "tools/call", f["method"])
	assert.JSONEq(t, `{"command":"uvx","args":["biomcp","run"]}`, f["server"])
	assert.JSONEq(t, `{"name":"article_searcher","arguments":{"gene":"BRAF","page_size":"10"}}`, f["params"])

	// No operation file: the name is the tool.
	res = resolve(t, r, "@bio/variant_getter?id=rs113488022")
	assert.Equal(t, "variant_getter", res.Definition.Tool)

	res = resolve(t, r, "@bio/anything?list=tools")
	f = flags(res.Stages[0])
	assert.Equal(t, "tools/list", f["method"])
	assert.NotContains(t, f, "params")

	res = resolve(t, r, "@bio/anything?resource=file%3A%2F%2Freadme")
	f = flags(res.Stages[0])
	assert.Equal(t, "resources/read", f["method"])
	var p map[string]any
	require.NoError(t, json.Unmarshal([]byte(f["params"]), &p))
	assert.Equal(t, "file://readme", p["uri"])
}

func TestResolveContentProfile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "jq", "sales", "by_region.jq"), "# sum per region\nselect(.region == $region) | .amount\n")

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())
	res, err := r.Resolve(address.ParseSource("@sales/by_region?region=west"), plugin.ModeFilter)
	require.NoError(t, err)
	require.Len(t, res.Stages, 1)
	inv := res.Stages[0]
	assert.Equal(t, "jq_", inv.Plugin)
	assert.Equal(t, plugin.ModeFilter, inv.Mode)
	assert.Equal(t, "# sum per region\nselect(.region == \"west\") | .amount", inv.Args[len(inv.Args)-1])
}

func TestResolveWarnsOnUndeclaredParam(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "acme", "_meta.json"), `{"base_url": "https://acme.test"}`)
	writeFile(t, filepath.Join(root, "http", "acme", "widgets.json"), `{"params": ["limit"]}`)

	var buf strings.Builder
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Warn})
	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry(), WithLogger(logger))
	res := resolve(t, r, "@acme/widgets?limt=5")
	assert.Equal(t, "5", res.Params.Get("limt"))
	assert.Contains(t, buf.String(), "limt")
}

func TestResolveRequiredParam(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "http", "acme", "_meta.json"), `{"base_url": "https://acme.test"}`)
	writeFile(t, filepath.Join(root, "http", "acme", "item.json"), `{"path": "items/{id}", "params": [{"name": "id", "required": true}]}`)

	r := NewResolver([]Root{{Dir: root, Tier: plugin.TierBundled}}, testRegistry())
	_, err := r.Resolve(address.ParseSource("@acme/item"), plugin.ModeRead)
	assert.ErrorContains(t, err, `"id"`)

	res := resolve(t, r, "@acme/item?id=42")
	assert.Equal(t, "https://acme.test/items/42", res.URL)
}

func TestMergeLayersIsPure(t *testing.T) {
	meta := map[string]any{"headers": map[string]any{"A": "1"}, "timeout": 30}
	op := map[string]any{"headers": map[string]any{"B": "2"}, "path": "x"}

	merged := mergeLayers(meta, op)
	assert.Equal(t, map[string]any{"A": "1", "B": "2"}, merged["headers"])
	assert.Equal(t, 30, merged["timeout"])
	assert.Equal(t, map[string]any{"A": "1"}, meta["headers"], "inputs untouched")
}

func TestMergeParamsCallerWins(t *testing.T) {
	value := rapid.StringMatching(`[a-z0-9]{0,6}`)
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "key")
		d := address.Params{key: {value.Draw(t, "d")}}
		p := address.Params{key: {value.Draw(t, "p")}}
		c := address.Params{key: rapid.SliceOfN(value, 1, 3).Draw(t, "c")}

		got := MergeParams(d, p, c)
		assert.Equal(t, c[key], got[key])

		// Without a caller value the curated default wins.
		got = MergeParams(d, p, address.Params{})
		assert.Equal(t, p[key], got[key])
	})
}

func TestExpandValueReportsFirstMissingDeterministically(t *testing.T) {
	in := map[string]any{"b": "${B}", "a": []any{"${A}"}}
	_, missing := expandValue(in, func(string) (string, bool) { return "", false })
	assert.Equal(t, "A", missing)
}
