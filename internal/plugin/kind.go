package plugin

import "fmt"

// Kind is the closed set of plugin roles.
type Kind int

const (
	KindFormat      Kind = iota // converts a file format to and from NDJSON
	KindProtocol                // fetches or sends over a URL scheme
	KindFilter                  // NDJSON in, NDJSON out
	KindCompression             // byte stream decoder
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindProtocol:
		return "protocol"
	case KindFilter:
		return "filter"
	case KindCompression:
		return "compression"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a string to a Kind. Directory names ("formats",
// "protocols") are accepted alongside the singular forms.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "format", "formats":
		return KindFormat, nil
	case "protocol", "protocols":
		return KindProtocol, nil
	case "filter", "filters":
		return KindFilter, nil
	case "compression":
		return KindCompression, nil
	default:
		return 0, fmt.Errorf("unknown plugin kind: %q", s)
	}
}

// Tier is a search-path precedence level. Lower tiers shadow higher ones.
type Tier int

const (
	TierProject Tier = iota // ./.jn
	TierUser                // ~/.local/jn
	TierBundled             // $JN_HOME
)

func (t Tier) String() string {
	switch t {
	case TierProject:
		return "project"
	case TierUser:
		return "user"
	case TierBundled:
		return "bundled"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Mode selects what a plugin does when invoked.
type Mode string

const (
	ModeRead   Mode = "read"   // emit NDJSON on stdout
	ModeWrite  Mode = "write"  // consume NDJSON on stdin
	ModeRaw    Mode = "raw"    // emit undecoded bytes
	ModeFilter Mode = "filter" // NDJSON to NDJSON
)

// defaultModes applies when a manifest lists no modes.
func defaultModes(k Kind) []Mode {
	switch k {
	case KindFormat, KindProtocol:
		return []Mode{ModeRead, ModeWrite}
	case KindFilter:
		return []Mode{ModeFilter}
	case KindCompression:
		return []Mode{ModeRaw}
	}
	return nil
}
