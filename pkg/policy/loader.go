package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromPaths reads policies from .rego files. Each path may be a file or
// a directory; directories are walked recursively.
func LoadFromPaths(paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := loadFile(path)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}

		err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(file, ".rego") {
				return nil
			}
			p, err := loadFile(file)
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking policy dir %s: %w", path, err)
		}
	}
	return out, nil
}

// loadFile reads one rego file. Metadata rides in leading comments:
//
//	# description: what the rule checks
//	# severity: warning|error|critical
func loadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy %s: %w", path, err)
	}

	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Severity: SeverityError,
		Enabled:  true,
		Rego:     string(data),
		Source:   path,
	}

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if desc, ok := strings.CutPrefix(comment, "description:"); ok {
			p.Description = strings.TrimSpace(desc)
		}
		if sev, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch s := Severity(strings.TrimSpace(sev)); s {
			case SeverityWarning, SeverityError, SeverityCritical:
				p.Severity = s
			default:
				return Policy{}, fmt.Errorf("policy %s: unknown severity %q", path, strings.TrimSpace(sev))
			}
		}
	}

	if packageName(p.Rego) == "" {
		return Policy{}, fmt.Errorf("policy %s has no package declaration", path)
	}
	return p, nil
}
