package plugin

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestSuffix marks a sidecar manifest describing a sibling executable.
const ManifestSuffix = ".jn.yaml"

// headerLimit bounds how much of a candidate is read looking for a header.
const headerLimit = 64 << 10

const (
	headerOpen  = "/// jn"
	headerClose = "///"
)

// Manifest is the self-declared metadata of a plugin. It is read from a
// comment block at the top of a script or from a sidecar YAML file.
type Manifest struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Description  string   `yaml:"description"`
	Matches      []string `yaml:"matches"`
	Extensions   []string `yaml:"extensions"`
	Schemes      []string `yaml:"schemes"`
	Modes        []string `yaml:"modes"`
	Raw          bool     `yaml:"raw"`
	Runner       []string `yaml:"runner"`
	Dependencies []string `yaml:"dependencies"`
	Exec         string   `yaml:"exec"`
}

// ReadHeader scans the start of the file at path for a header block:
//
//	# /// jn
//	# kind: format
//	# matches: ['.*\.csv$']
//	# ///
//
// "//" comments work the same way. ok is false when there is no block.
func ReadHeader(path string) (m Manifest, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, false, err
	}
	defer f.Close()
	return parseHeader(io.LimitReader(f, headerLimit))
}

func parseHeader(r io.Reader) (Manifest, bool, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), headerLimit)

	var (
		prefix string
		body   bytes.Buffer
		inside bool
	)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !inside {
			if p, ok := headerPrefix(line); ok {
				prefix = p
				inside = true
			}
			continue
		}
		content, ok := strings.CutPrefix(line, prefix)
		if !ok {
			return Manifest{}, false, fmt.Errorf("unterminated header block")
		}
		content = strings.TrimPrefix(content, " ")
		if strings.TrimSpace(content) == headerClose {
			var m Manifest
			if err := yaml.Unmarshal(body.Bytes(), &m); err != nil {
				return Manifest{}, false, fmt.Errorf("parse header: %w", err)
			}
			return m, true, nil
		}
		body.WriteString(content)
		body.WriteByte('\n')
	}
	if inside {
		return Manifest{}, false, fmt.Errorf("unterminated header block")
	}
	// Binary files can trip the scanner's token limit; that just means
	// there is no header.
	return Manifest{}, false, nil
}

// headerPrefix reports the comment prefix of an opening line.
func headerPrefix(line string) (string, bool) {
	for _, p := range []string{"#", "//"} {
		rest, ok := strings.CutPrefix(line, p)
		if ok && strings.TrimSpace(rest) == headerOpen {
			return p, true
		}
	}
	return "", false
}

// ReadManifestFile parses a sidecar manifest.
func ReadManifestFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
