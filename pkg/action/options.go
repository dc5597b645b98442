package action

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Options gives a constructor typed access to the KEY=value fields and bare
// flags of one keyword line. Every access marks the key consumed; keys left
// unconsumed after construction are a configuration error, surfaced by the
// parser with the offending line.
type Options struct {
	keyword  string
	label    string
	line     int
	raw      string
	fields   map[string]string
	flags    map[string]bool
	consumed map[string]bool
}

// NewOptions wraps the parsed tokens of one input line.
func NewOptions(keyword, label string, line int, raw string, fields map[string]string, flags []string) *Options {
	fm := make(map[string]bool, len(flags))
	for _, f := range flags {
		fm[f] = true
	}
	return &Options{
		keyword:  keyword,
		label:    label,
		line:     line,
		raw:      raw,
		fields:   fields,
		flags:    fm,
		consumed: make(map[string]bool),
	}
}

// Keyword returns the action keyword of the line.
func (o *Options) Keyword() string { return o.keyword }

// Label returns the label of the line.
func (o *Options) Label() string { return o.label }

// Line returns the 1-based line number in the input script.
func (o *Options) Line() int { return o.line }

// Raw returns the original line text, for error messages.
func (o *Options) Raw() string { return o.raw }

// String returns the raw value for key, consuming it.
func (o *Options) String(key string) (string, bool) {
	v, ok := o.fields[key]
	if ok {
		o.consumed[key] = true
	}
	return v, ok
}

// Scalar parses key as a float64. Missing keys return an error; use
// ScalarDefault for optional keys.
func (o *Options) Scalar(key string) (float64, error) {
	s, ok := o.String(key)
	if !ok {
		return 0, fmt.Errorf("line %d: missing required keyword %s", o.line, key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: keyword %s: %q is not a number", o.line, key, s)
	}
	return v, nil
}

// ScalarDefault parses key as a float64, returning def when absent.
func (o *Options) ScalarDefault(key string, def float64) (float64, error) {
	if _, ok := o.fields[key]; !ok {
		return def, nil
	}
	return o.Scalar(key)
}

// Int64 parses key as an int64.
func (o *Options) Int64(key string) (int64, error) {
	s, ok := o.String(key)
	if !ok {
		return 0, fmt.Errorf("line %d: missing required keyword %s", o.line, key)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: keyword %s: %q is not an integer", o.line, key, s)
	}
	return v, nil
}

// Int64Default parses key as an int64, returning def when absent.
func (o *Options) Int64Default(key string, def int64) (int64, error) {
	if _, ok := o.fields[key]; !ok {
		return def, nil
	}
	return o.Int64(key)
}

// Labels splits key as a comma-separated list of action labels
// (ARG=d1,d2). Absent keys return nil.
func (o *Options) Labels(key string) []string {
	s, ok := o.String(key)
	if !ok || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Scalars parses key as a comma-separated list of float64 values.
func (o *Options) Scalars(key string) ([]float64, error) {
	s, ok := o.String(key)
	if !ok {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: keyword %s: %q is not a number", o.line, key, p)
		}
		out = append(out, v)
	}
	return out, nil
}

// AtomList parses key as comma-separated 1-based atom serials and returns
// 0-based indices, matching the convention MD input files use.
func (o *Options) AtomList(key string) ([]int, error) {
	s, ok := o.String(key)
	if !ok {
		return nil, fmt.Errorf("line %d: missing required keyword %s", o.line, key)
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("line %d: keyword %s: %q is not an atom serial", o.line, key, p)
		}
		if n < 1 {
			return nil, fmt.Errorf("line %d: keyword %s: atom serials are 1-based, got %d", o.line, key, n)
		}
		out = append(out, n-1)
	}
	return out, nil
}

// Flag reports whether the bare flag is present, consuming it.
func (o *Options) Flag(key string) bool {
	if o.flags[key] {
		o.consumed[key] = true
		return true
	}
	return false
}

// Unconsumed returns the keys of the line that no one read, sorted. The
// parser turns a non-empty result into a configuration error.
func (o *Options) Unconsumed() []string {
	var left []string
	for k := range o.fields {
		if !o.consumed[k] {
			left = append(left, k)
		}
	}
	for k := range o.flags {
		if !o.consumed[k] {
			left = append(left, k)
		}
	}
	sort.Strings(left)
	return left
}
