package extension

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validModule = `
def contacts(x):
    return x

register("CONTACTS", contacts)
`

func validManifestYAML(entrypoint string) string {
	return `
metadata:
  name: contacts
  version: 1.2.0
  author: MD Lab
backend: starlark
entrypoint: ` + entrypoint + `
actions:
  - keyword: CONTACTS
    description: coordination-style contact count
`
}

func TestLoadManifest_Valid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "contacts.star", validModule)
	path := writeFile(t, dir, "manifest.yaml", validManifestYAML("contacts.star"))

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.Metadata.Name != "contacts" || m.Metadata.Version != "1.2.0" {
		t.Errorf("metadata = %+v", m.Metadata)
	}
	if m.Backend != BackendStarlark {
		t.Errorf("backend = %s", m.Backend)
	}
	if m.ModulePath != filepath.Join(dir, "contacts.star") {
		t.Errorf("module path = %s", m.ModulePath)
	}
	if kw := m.Keywords(); len(kw) != 1 || kw[0] != "CONTACTS" {
		t.Errorf("keywords = %v", kw)
	}
	if m.Verified {
		t.Error("no checksum given, manifest must not claim verification")
	}
}

func TestLoadManifest_ChecksumVerified(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "contacts.star", validModule)
	sum := sha256.Sum256([]byte(validModule))

	path := writeFile(t, dir, "manifest.yaml",
		validManifestYAML("contacts.star")+"checksum: "+hex.EncodeToString(sum[:])+"\n")

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if !m.Verified {
		t.Error("matching checksum should set Verified")
	}
}

func TestLoadManifest_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "contacts.star", validModule)
	path := writeFile(t, dir, "manifest.yaml",
		validManifestYAML("contacts.star")+"checksum: "+strings.Repeat("0", 64)+"\n")

	if _, err := LoadManifest(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("error = %v, want checksum mismatch", err)
	}
}

func TestLoadManifest_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name: "missing name",
			manifest: `
metadata:
  version: 1.0.0
backend: starlark
entrypoint: contacts.star
actions:
  - keyword: CONTACTS
`,
			wantErr: "name is required",
		},
		{
			name: "missing version",
			manifest: `
metadata:
  name: contacts
backend: starlark
entrypoint: contacts.star
actions:
  - keyword: CONTACTS
`,
			wantErr: "version is required",
		},
		{
			name: "bad backend",
			manifest: `
metadata:
  name: contacts
  version: 1.0.0
backend: lua
entrypoint: contacts.star
actions:
  - keyword: CONTACTS
`,
			wantErr: "unsupported backend",
		},
		{
			name: "no actions",
			manifest: `
metadata:
  name: contacts
  version: 1.0.0
backend: starlark
entrypoint: contacts.star
`,
			wantErr: "at least one action",
		},
		{
			name: "duplicate keyword",
			manifest: `
metadata:
  name: contacts
  version: 1.0.0
backend: starlark
entrypoint: contacts.star
actions:
  - keyword: CONTACTS
  - keyword: CONTACTS
`,
			wantErr: "duplicate action keyword",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "contacts.star", validModule)
			path := writeFile(t, dir, "manifest.yaml", tc.manifest)

			_, err := LoadManifest(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadManifest_MissingModuleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "manifest.yaml", validManifestYAML("gone.star"))

	if _, err := LoadManifest(path); err == nil || !strings.Contains(err.Error(), "module not found") {
		t.Fatalf("error = %v, want module not found", err)
	}
}
