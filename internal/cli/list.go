package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcelocantos/jn/internal/plugin"
)

// RunPlugins lists discovered plugins, optionally of one kind.
func (a *App) RunPlugins(w io.Writer, kindFilter string) int {
	var filter *plugin.Kind
	if kindFilter != "" {
		k, err := plugin.ParseKind(kindFilter)
		if err != nil {
			fmt.Fprintf(a.Stderr, "jn plugins: %v\n", err)
			return ExitUsage
		}
		filter = &k
	}

	var shown []*plugin.Descriptor
	idWidth := len("ID")
	for _, d := range a.Registry.All() {
		if filter != nil && d.Kind != *filter {
			continue
		}
		shown = append(shown, d)
		idWidth = max(idWidth, len(d.ID))
	}
	if len(shown) == 0 {
		fmt.Fprintln(w, "no plugins found")
		return 0
	}

	format := fmt.Sprintf("%%-%ds  %%-11s  %%-7s  %%-17s  %%s", idWidth)
	header := lipgloss.NewRenderer(w).NewStyle().Bold(true)
	fmt.Fprintln(w, header.Render(fmt.Sprintf(format, "ID", "KIND", "TIER", "MODES", "MATCHES")))
	for _, d := range shown {
		modes := make([]string, len(d.Modes))
		for i, m := range d.Modes {
			modes[i] = string(m)
		}
		fmt.Fprintf(w, format+"\n", d.ID, d.Kind, d.Tier, strings.Join(modes, ","), strings.Join(d.Patterns(), " "))
	}
	return 0
}
