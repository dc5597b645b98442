package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const wallLimitRego = `# description: upper walls carry an explicit LIMIT
# severity: warning

package site.wall_limit

import rego.v1

deny contains v if {
	some a in input.actions
	a.keyword == "UPPER_WALLS"
	not a.fields.LIMIT
	v := {
		"message": sprintf("action %s: UPPER_WALLS without LIMIT never aborts on escape", [a.label]),
		"label": a.label,
		"line": a.line,
	}
}
`

func TestLoadFromPaths_FileMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wall_limit.rego")
	if err := os.WriteFile(path, []byte(wallLimitRego), 0o644); err != nil {
		t.Fatal(err)
	}

	ps, err := LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(ps) != 1 {
		t.Fatalf("policies = %d, want 1", len(ps))
	}
	p := ps[0]
	if p.Name != "wall_limit" {
		t.Errorf("name = %q", p.Name)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("severity = %q, want warning from the header comment", p.Severity)
	}
	if !strings.Contains(p.Description, "LIMIT") {
		t.Errorf("description = %q", p.Description)
	}
}

func TestLoadFromPaths_DirectoryWalk(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "wall_limit.rego"), []byte(wallLimitRego), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-rego files are skipped.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644); err != nil {
		t.Fatal(err)
	}

	ps, err := LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(ps) != 1 || ps[0].Name != "wall_limit" {
		t.Fatalf("policies = %+v", ps)
	}
}

func TestLoadFromPaths_Rejections(t *testing.T) {
	dir := t.TempDir()

	noPackage := filepath.Join(dir, "nopkg.rego")
	if err := os.WriteFile(noPackage, []byte("deny contains v if { v := 1 }\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromPaths([]string{noPackage}); err == nil || !strings.Contains(err.Error(), "package") {
		t.Errorf("error = %v, want missing-package rejection", err)
	}

	badSeverity := filepath.Join(dir, "badsev.rego")
	if err := os.WriteFile(badSeverity, []byte("# severity: fatal\npackage x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromPaths([]string{badSeverity}); err == nil || !strings.Contains(err.Error(), "severity") {
		t.Errorf("error = %v, want severity rejection", err)
	}

	if _, err := LoadFromPaths([]string{filepath.Join(dir, "missing.rego")}); err == nil {
		t.Error("missing path should error")
	}
}

func TestEngine_SitePolicyJoinsEvaluation(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wall_limit.rego"), []byte(wallLimitRego), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	in := parseInput(t, `
d1: DISTANCE ATOMS=1,2
w1: UPPER_WALLS ARG=d1 AT=3.0 KAPPA=50
`, 10)
	res, err := e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	vs := violationsOf(res, "wall_limit")
	if len(vs) != 1 {
		t.Fatalf("wall_limit violations = %+v", vs)
	}
	if !res.Allowed {
		t.Error("warning-grade site policy must not block")
	}

	// Loading the same policy twice collides on the name.
	if err := e.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("duplicate policy name should fail")
	}
}
