package webfiles

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestDefaultTable(t *testing.T) {
	table, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	want := []string{"app.js", "index.html", "style.css"}
	got := table.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	index, ok := table.Find("index.html")
	if !ok {
		t.Fatalf("index.html missing")
	}
	if index.Cacheable {
		t.Fatalf("index.html should not be cacheable")
	}
	raw, err := fs.ReadFile(embedded, "www/index.html")
	if err != nil {
		t.Fatalf("read embedded: %v", err)
	}
	if !bytes.Equal(index.Content, raw) || index.Size() != len(raw) {
		t.Fatalf("index.html content mismatch")
	}

	css, ok := table.Find("style.css")
	if !ok || !css.Cacheable {
		t.Fatalf("style.css should be present and cacheable")
	}
	if _, ok := table.Find("/style.css"); ok {
		t.Fatalf("names must not carry a leading slash")
	}
	if _, ok := table.Find("manifest.yaml"); ok {
		t.Fatalf("manifest must not be published")
	}
}

func TestLoadNormalizesNames(t *testing.T) {
	fsys := fstest.MapFS{
		"site/manifest.yaml": {Data: []byte("files:\n  - name: /a/../b.txt\n    cacheable: true\n")},
		"site/b.txt":         {Data: []byte("bee")},
	}
	table, err := Load(fsys, "site/manifest.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f, ok := table.Find("b.txt")
	if !ok || string(f.Content) != "bee" || !f.Cacheable {
		t.Fatalf("unexpected entry %+v (found %v)", f, ok)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		files    fstest.MapFS
		is       error
	}{
		{name: "empty", manifest: "version: 1\n", is: ErrNoFiles},
		{name: "missing file", manifest: "files:\n  - name: gone.html\n", is: fs.ErrNotExist},
		{name: "duplicate", manifest: "files:\n  - name: a\n  - name: /a\n", files: fstest.MapFS{"a": {Data: []byte("x")}}},
		{name: "bad yaml", manifest: "files: [\n"},
		{name: "blank name", manifest: "files:\n  - cacheable: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{ManifestFilename: {Data: []byte(tt.manifest)}}
			for k, v := range tt.files {
				fsys[k] = v
			}
			_, err := Load(fsys, ManifestFilename)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("expected %v, got %v", tt.is, err)
			}
		})
	}
}

func TestNilTable(t *testing.T) {
	var table *Table
	if _, ok := table.Find("index.html"); ok {
		t.Fatalf("nil table should be empty")
	}
	if table.Len() != 0 || table.Names() != nil {
		t.Fatalf("nil table should be empty")
	}
}
