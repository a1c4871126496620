package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/marcelocantos/jn/internal/address"
)

// Stdio names the run's own stdin as an invocation input.
const Stdio = "-"

// Invocation is a fully resolved command ready to become a pipeline stage.
// An Invocation without an Executable is a passthrough: the run's stdin
// (as a source) or stdout (as a sink) with no conversion.
type Invocation struct {
	Plugin     string   `json:"plugin,omitempty"`
	Executable string   `json:"executable,omitempty"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"` // KEY=VALUE, added to the process environment
	Mode       Mode     `json:"mode"`

	// Input is a file opened as the process's stdin, or Stdio for the
	// run's stdin. Empty means whatever the pipeline wires in.
	Input string `json:"input,omitempty"`
	// Output is a file created as the process's stdout. Empty means the
	// next stage or the run's stdout.
	Output string `json:"output,omitempty"`
}

// Passthrough returns an invocation that spawns nothing.
func Passthrough(mode Mode) Invocation {
	return Invocation{Mode: mode}
}

// IsPassthrough reports whether the invocation spawns no process.
func (inv Invocation) IsPassthrough() bool {
	return inv.Executable == ""
}

// Command returns the argv, executable first.
func (inv Invocation) Command() []string {
	return append([]string{inv.Executable}, inv.Args...)
}

func (inv Invocation) String() string {
	if inv.IsPassthrough() {
		return "(passthrough)"
	}
	parts := inv.Command()
	for i, p := range parts {
		if strings.ContainsAny(p, " \t'\"$") {
			parts[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
		}
	}
	s := strings.Join(parts, " ")
	if inv.Input != "" && inv.Input != Stdio {
		s += " < " + inv.Input
	}
	if inv.Output != "" {
		s += " > " + inv.Output
	}
	return s
}

// ConfigArgs renders params as "--key value" pairs with sorted keys.
// Repeated values repeat the flag.
func ConfigArgs(params address.Params) []string {
	var args []string
	for _, k := range params.Keys() {
		for _, v := range params[k] {
			args = append(args, "--"+k, v)
		}
	}
	return args
}

// Environment variables every plugin process receives.
const (
	EnvHome       = "JN_HOME"
	EnvWorkingDir = "JN_WORKING_DIR"
	EnvProjectDir = "JN_PROJECT_DIR"
)

// Environ builds the jn-specific environment for plugin processes. The
// project dir is only set when workDir contains a .jn directory.
func Environ(home, workDir string) []string {
	env := []string{
		EnvHome + "=" + home,
		EnvWorkingDir + "=" + workDir,
	}
	if fi, err := os.Stat(filepath.Join(workDir, ".jn")); err == nil && fi.IsDir() {
		env = append(env, EnvProjectDir+"="+filepath.Join(workDir, ".jn"))
	}
	return env
}
