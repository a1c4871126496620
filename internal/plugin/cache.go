package plugin

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	cacheEnc cbor.EncMode
	cacheDec cbor.DecMode
)

func init() {
	var err error
	cacheEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("plugin: CBOR encoder initialization failed: " + err.Error())
	}
	cacheDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("plugin: CBOR decoder initialization failed: " + err.Error())
	}
}

// cacheVersion is bumped whenever Manifest or cacheEntry changes shape.
const cacheVersion = 1

type cacheFile struct {
	Version int                   `cbor:"version"`
	Entries map[string]cacheEntry `cbor:"entries"`
}

type cacheEntry struct {
	Size     int64    `cbor:"size"`
	ModTime  int64    `cbor:"mtime"`
	Found    bool     `cbor:"found"`
	Manifest Manifest `cbor:"manifest"`
}

// Cache remembers parsed plugin metadata between runs. An entry is reused
// while the file's size and modification time are unchanged. One cache
// file exists per distinct set of search paths.
type Cache struct {
	path    string
	entries map[string]cacheEntry
	seen    map[string]bool
	dirty   bool
}

// OpenCache loads (or starts) the cache for paths under dir. An unreadable
// or outdated cache file is treated as empty.
func OpenCache(dir string, paths []SearchPath) *Cache {
	c := &Cache{
		path:    filepath.Join(dir, "plugins-"+searchKey(paths)+".cbor"),
		entries: make(map[string]cacheEntry),
		seen:    make(map[string]bool),
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return c
	}
	var f cacheFile
	if err := cacheDec.Unmarshal(data, &f); err != nil || f.Version != cacheVersion {
		c.dirty = true
		return c
	}
	if f.Entries != nil {
		c.entries = f.Entries
	}
	return c
}

// searchKey fingerprints the ordered search-path set.
func searchKey(paths []SearchPath) string {
	var b strings.Builder
	for _, sp := range paths {
		fmt.Fprintf(&b, "%d\x00%s\x00", sp.Tier, sp.Dir)
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Path returns the cache file location.
func (c *Cache) Path() string { return c.path }

func (c *Cache) lookup(path string, info fs.FileInfo) (Manifest, bool, bool) {
	c.seen[path] = true
	e, ok := c.entries[path]
	if !ok || e.Size != info.Size() || e.ModTime != info.ModTime().UnixNano() {
		return Manifest{}, false, false
	}
	return e.Manifest, e.Found, true
}

func (c *Cache) store(path string, info fs.FileInfo, m Manifest, found bool) {
	c.seen[path] = true
	c.entries[path] = cacheEntry{
		Size:     info.Size(),
		ModTime:  info.ModTime().UnixNano(),
		Found:    found,
		Manifest: m,
	}
	c.dirty = true
}

// Save drops entries for files no longer present and writes the cache if
// anything changed. The write is atomic.
func (c *Cache) Save() error {
	for path := range c.entries {
		if !c.seen[path] {
			delete(c.entries, path)
			c.dirty = true
		}
	}
	if !c.dirty {
		return nil
	}

	data, err := cacheEnc.Marshal(cacheFile{Version: cacheVersion, Entries: c.entries})
	if err != nil {
		return fmt.Errorf("encode plugin cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".plugins-*.tmp")
	if err != nil {
		return fmt.Errorf("write plugin cache: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write plugin cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write plugin cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write plugin cache: %w", err)
	}
	c.dirty = false
	return nil
}
