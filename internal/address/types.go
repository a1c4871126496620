package address

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Kind identifies which variant of Address is populated.
type Kind int

const (
	KindFile     Kind = iota // local path
	KindProtocol             // scheme://rest
	KindProfile              // @namespace/name
	KindPlugin               // @name
	KindStdin                // - or stdin, source position
	KindStdout               // -, stdout or empty, sink position
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindProtocol:
		return "protocol"
	case KindProfile:
		return "profile"
	case KindPlugin:
		return "plugin"
	case KindStdin:
		return "stdin"
	case KindStdout:
		return "stdout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Position tells the parser where an address appears on the command line.
// It only matters for the stdio spellings.
type Position int

const (
	Source Position = iota
	Sink
)

// Params maps a query key to its values in the order they appeared.
// A key with one value is a single value; more than one is a list.
type Params map[string][]string

// Get returns the first value for key, or "".
func (p Params) Get(key string) string {
	if vs := p[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Set replaces all values for key.
func (p Params) Set(key string, values ...string) {
	p[key] = append([]string(nil), values...)
}

// Clone returns a deep copy. The zero value clones to an empty map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, vs := range p {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Without returns a copy with the named keys removed.
func (p Params) Without(keys ...string) Params {
	out := p.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Keys returns the keys in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode renders the params as a query string with sorted keys.
// Repeated values are emitted as repeated keys.
func (p Params) Encode() string {
	var b strings.Builder
	for _, k := range p.Keys() {
		for _, v := range p[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Address is a parsed user-supplied location. Exactly one variant's fields
// are meaningful, selected by Kind.
type Address struct {
	Raw  string
	Kind Kind

	// KindFile.
	Path string

	// KindProtocol. Rest keeps the remote query string.
	Scheme string
	Rest   string

	// KindProfile uses Namespace and Name; KindPlugin uses Name.
	Namespace string
	Name      string

	// Format is a "~fmt" override; empty when absent.
	Format string

	// Compression is "gz", "bz2" or "xz" when the path or URL carries that
	// suffix.
	Compression string

	Params Params
}

// URL returns the full protocol URL.
func (a Address) URL() string {
	if a.Kind != KindProtocol {
		return ""
	}
	return a.Scheme + "://" + a.Rest
}

// Ref returns the address without its query or format override.
func (a Address) Ref() string {
	switch a.Kind {
	case KindFile:
		return a.Path
	case KindProtocol:
		return a.URL()
	case KindProfile:
		return "@" + a.Namespace + "/" + a.Name
	case KindPlugin:
		return "@" + a.Name
	case KindStdin, KindStdout:
		return "-"
	}
	return a.Raw
}

// String re-encodes the address. Parsing the result in the same position
// yields the same Kind, reference and params.
func (a Address) String() string {
	s := a.Ref()
	if a.Format != "" {
		s += "~" + a.Format
	}
	if q := a.Params.Encode(); q != "" {
		s += "?" + q
	}
	return s
}

// StripCompression returns the path with any compression suffix removed.
// Format matching looks at this form.
func (a Address) StripCompression() string {
	target := a.Path
	if a.Kind == KindProtocol {
		target = a.Rest
		if i := strings.IndexByte(target, '?'); i >= 0 {
			target = target[:i]
		}
	}
	if a.Compression == "" {
		return target
	}
	return strings.TrimSuffix(target, "."+a.Compression)
}
