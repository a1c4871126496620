package address

import (
	"net/url"
	"regexp"
	"strings"
)

// formatPattern accepts "csv", "table", "table.grid". Anything else after a
// '~' is part of the path, so "~/data.csv" stays a file.
var formatPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*(\.[A-Za-z0-9_-]+)?$`)

var compressionSuffixes = []string{"gz", "bz2", "xz"}

// ParseSource parses an address appearing in source position.
func ParseSource(raw string) Address { return Parse(raw, Source) }

// ParseSink parses an address appearing in sink position.
func ParseSink(raw string) Address { return Parse(raw, Sink) }

// ParseSources parses each raw address independently, preserving order.
func ParseSources(raws []string) []Address {
	out := make([]Address, len(raws))
	for i, raw := range raws {
		out[i] = Parse(raw, Source)
	}
	return out
}

// Parse classifies raw into exactly one Address variant. It never fails;
// a malformed query string yields empty Params.
func Parse(raw string, pos Position) Address {
	a := Address{Raw: raw, Params: Params{}}

	base, query, hasQuery := strings.Cut(raw, "?")

	if strings.Contains(base, "://") {
		return parseProtocol(a)
	}

	if hasQuery {
		a.Params = parseQuery(query)
	}
	base = a.takeFormat(base)

	switch {
	case strings.HasPrefix(base, "@"):
		body := base[1:]
		if ns, name, ok := strings.Cut(body, "/"); ok {
			a.Kind = KindProfile
			a.Namespace = ns
			a.Name = name
		} else {
			a.Kind = KindPlugin
			a.Name = body
		}
	case pos == Source && (base == "-" || base == "stdin" || base == "" && a.Format != ""):
		a.Kind = KindStdin
	case pos == Sink && (base == "-" || base == "stdout" || base == ""):
		a.Kind = KindStdout
	default:
		a.Kind = KindFile
		a.Path = base
		a.Compression = compressionOf(base)
	}
	return a
}

// parseProtocol keeps the remote query inside Rest. A "~fmt" after the
// last '~' splits the address: everything before it is the URL, query
// included, and a query after it configures the format plugin.
//
//	https://example.com/data?token=xyz~csv?delimiter=,
func parseProtocol(a Address) Address {
	a.Kind = KindProtocol

	target := a.Raw
	hostStart := strings.Index(a.Raw, "://") + len("://")
	if i := strings.LastIndexByte(a.Raw, '~'); i > hostStart && a.Raw[i-1] != '/' {
		spec, query, hasQuery := strings.Cut(a.Raw[i+1:], "?")
		if formatPattern.MatchString(spec) {
			if hasQuery {
				a.Params = parseQuery(query)
			}
			target = a.takeFormat(a.Raw[:i+1+len(spec)])
		}
	}

	scheme, rest, _ := strings.Cut(target, "://")
	a.Scheme = strings.ToLower(scheme)
	a.Rest = rest

	path, _, _ := strings.Cut(rest, "?")
	a.Compression = compressionOf(path)
	return a
}

// takeFormat strips a trailing "~fmt" from base and records it. The
// "table.<style>" shorthand also sets tablefmt unless the caller gave one.
func (a *Address) takeFormat(base string) string {
	i := strings.LastIndexByte(base, '~')
	if i < 0 || i > 0 && base[i-1] == '/' {
		return base
	}
	spec := base[i+1:]
	if !formatPattern.MatchString(spec) {
		return base
	}
	name, style, dotted := strings.Cut(spec, ".")
	a.Format = name
	if dotted && name == "table" && !a.Params.Has("tablefmt") {
		a.Params.Set("tablefmt", style)
	} else if dotted {
		a.Format = spec
	}
	return base[:i]
}

// parseQuery decodes "k=v&k=v". Repeated keys accumulate in order; a key
// without '=' gets an empty value. Any undecodable escape discards the
// whole map.
func parseQuery(query string) Params {
	params := Params{}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return Params{}
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return Params{}
		}
		if key == "" {
			continue
		}
		params[key] = append(params[key], value)
	}
	return params
}

func compressionOf(path string) string {
	for _, ext := range compressionSuffixes {
		if strings.HasSuffix(path, "."+ext) {
			return ext
		}
	}
	return ""
}
