// Package webfiles is the read-only table of static resources served by the
// board. Files are embedded at build time; manifest.yaml lists which of them
// are published and which may be cached by clients.
package webfiles

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const ManifestFilename = "manifest.yaml"

var ErrNoFiles = errors.New("webfiles: manifest lists no files")

//go:embed www
var embedded embed.FS

// File is one static resource. Content is shared with the table and must not
// be modified.
type File struct {
	Name      string
	Content   []byte
	Cacheable bool
}

func (f File) Size() int { return len(f.Content) }

type Manifest struct {
	Version int             `yaml:"version"`
	Files   []ManifestEntry `yaml:"files"`
}

type ManifestEntry struct {
	Name      string `yaml:"name"`
	Cacheable bool   `yaml:"cacheable,omitempty"`
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	for i := range m.Files {
		m.Files[i].Name = strings.TrimPrefix(path.Clean("/"+m.Files[i].Name), "/")
	}
}

// Table maps resource names, without a leading slash, to files.
type Table struct {
	files map[string]File
	names []string
}

// Load reads the manifest at manifest inside fsys and loads every file it
// lists, relative to the manifest's directory.
func Load(fsys fs.FS, manifest string) (*Table, error) {
	data, err := fs.ReadFile(fsys, manifest)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifest, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifest, err)
	}
	m.normalize()
	if len(m.Files) == 0 {
		return nil, ErrNoFiles
	}

	dir := path.Dir(manifest)
	t := &Table{files: make(map[string]File, len(m.Files))}
	for _, entry := range m.Files {
		if entry.Name == "" || entry.Name == "." {
			return nil, fmt.Errorf("%s: empty file name", manifest)
		}
		if _, dup := t.files[entry.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate file %q", manifest, entry.Name)
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", entry.Name, err)
		}
		t.files[entry.Name] = File{Name: entry.Name, Content: content, Cacheable: entry.Cacheable}
		t.names = append(t.names, entry.Name)
	}
	slices.Sort(t.names)
	return t, nil
}

// Default loads the embedded resources.
func Default() (*Table, error) {
	return Load(embedded, path.Join("www", ManifestFilename))
}

// Find looks up name, which must not carry a leading slash.
func (t *Table) Find(name string) (File, bool) {
	if t == nil {
		return File{}, false
	}
	f, ok := t.files[name]
	return f, ok
}

// Names returns the published resource names in sorted order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	return slices.Clone(t.names)
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}
