package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/marcelocantos/jn/internal/address"
)

// Definition is a profile's meta record merged with one operation record.
type Definition struct {
	Type        string `json:"-"`
	Plugin      string `json:"plugin"`
	Description string `json:"description"`

	// URL backends.
	BaseURL string            `json:"base_url"`
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Timeout Value             `json:"timeout"`

	// Command backends, and the server launch spec for MCP.
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Tool    string            `json:"tool"`

	Params   []ParamDecl      `json:"params"`
	Defaults map[string]Value `json:"defaults"`

	// Adapter names a format plugin that parses the raw response.
	Adapter string `json:"adapter"`
}

// ParamDecl declares an operation parameter. In JSON it is either a bare
// name or an object.
type ParamDecl struct {
	Name        string `json:"name"`
	Default     Value  `json:"default"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

func (p *ParamDecl) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = ParamDecl{Name: name}
		return nil
	}
	type plain ParamDecl
	var decl plain
	if err := json.Unmarshal(data, &decl); err != nil {
		return fmt.Errorf("parameter declaration: %w", err)
	}
	*p = ParamDecl(decl)
	return nil
}

// Value is a parameter value list. JSON scalars become one element and
// arrays become one element per item.
type Value []string

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch typed := raw.(type) {
	case nil:
		*v = nil
	case []any:
		out := make(Value, 0, len(typed))
		for _, item := range typed {
			out = append(out, scalarString(item))
		}
		*v = out
	default:
		*v = Value{scalarString(typed)}
	}
	return nil
}

// String joins the values with commas.
func (v Value) String() string { return strings.Join(v, ",") }

func scalarString(x any) string {
	switch typed := x.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		data, _ := json.Marshal(typed)
		return string(data)
	}
}

// DeclaredDefaults returns defaults attached to parameter declarations.
func (d *Definition) DeclaredDefaults() address.Params {
	out := address.Params{}
	for _, p := range d.Params {
		if len(p.Default) > 0 {
			out[p.Name] = append([]string(nil), p.Default...)
		}
	}
	return out
}

// CuratedDefaults returns the definition's "defaults" object.
func (d *Definition) CuratedDefaults() address.Params {
	out := address.Params{}
	for k, v := range d.Defaults {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Declares reports whether name is a declared parameter. A definition
// declaring nothing accepts anything.
func (d *Definition) Declares(name string) bool {
	if len(d.Params) == 0 {
		return true
	}
	for _, p := range d.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// readLayer loads a JSON-with-comments object.
func readLayer(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	var layer map[string]any
	if err := dec.Decode(&layer); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if layer == nil {
		layer = map[string]any{}
	}
	return layer, nil
}

// decodeDefinition converts a merged layer map into a Definition.
func decodeDefinition(merged map[string]any) (Definition, error) {
	data, err := json.Marshal(merged)
	if err != nil {
		return Definition{}, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, err
	}
	def.BaseURL = strings.TrimSpace(def.BaseURL)
	return def, nil
}
