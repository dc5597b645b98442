// Package script parses the line-oriented declarative input format: one
// action per keyword line, `label: KEYWORD KEY=value FLAG` tokens, `#`
// comments and `...` continuation blocks. The parser produces directives;
// binding keywords to action types happens in the engine.
package script

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Directive is one parsed action line.
type Directive struct {
	// Label is the unique action label. Lines without an explicit label get
	// a positional one (@<line>).
	Label string

	// Keyword names the action type.
	Keyword string

	// Fields holds the KEY=value tokens of the line.
	Fields map[string]string

	// Flags holds the bare tokens of the line (e.g. FATAL, NOPBC).
	Flags []string

	// Line is the 1-based number of the line the directive started on.
	Line int

	// Raw is the assembled directive text, for error messages.
	Raw string
}

// ParseError is a configuration error in the input script. It always names
// the offending line.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("input line %d (%q): %s", e.Line, e.Text, e.Msg)
}

// Parse reads an input script and returns its directives in declaration
// order. Blank lines and comments are skipped; continuation blocks are
// merged into the directive of their opening line.
func Parse(r io.Reader) ([]Directive, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var directives []Directive
	var cont []string
	contLine := 0

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}

		if cont != nil {
			// Inside a continuation block: a line starting with "..." ends
			// it (an optional trailing keyword is allowed and ignored).
			if tokens[0] == "..." {
				d, err := buildDirective(cont, contLine)
				if err != nil {
					return nil, err
				}
				directives = append(directives, d)
				cont = nil
				continue
			}
			cont = append(cont, tokens...)
			continue
		}

		if tokens[len(tokens)-1] == "..." {
			cont = tokens[:len(tokens)-1]
			contLine = lineNo
			continue
		}

		d, err := buildDirective(tokens, lineNo)
		if err != nil {
			return nil, err
		}
		directives = append(directives, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if cont != nil {
		return nil, &ParseError{Line: contLine, Text: strings.Join(cont, " "), Msg: "unterminated continuation block"}
	}
	return directives, nil
}

// buildDirective assembles one directive from its tokens.
func buildDirective(tokens []string, line int) (Directive, error) {
	raw := strings.Join(tokens, " ")
	d := Directive{Fields: make(map[string]string), Line: line, Raw: raw}

	// Leading `label:` form.
	if strings.HasSuffix(tokens[0], ":") {
		d.Label = strings.TrimSuffix(tokens[0], ":")
		if d.Label == "" {
			return d, &ParseError{Line: line, Text: raw, Msg: "empty label"}
		}
		tokens = tokens[1:]
		if len(tokens) == 0 {
			return d, &ParseError{Line: line, Text: raw, Msg: "label without an action keyword"}
		}
	}

	d.Keyword = tokens[0]
	if strings.Contains(d.Keyword, "=") {
		return d, &ParseError{Line: line, Text: raw, Msg: "line must start with an action keyword"}
	}

	for _, tok := range tokens[1:] {
		if i := strings.IndexByte(tok, '='); i >= 0 {
			key, val := tok[:i], tok[i+1:]
			if key == "" {
				return d, &ParseError{Line: line, Text: raw, Msg: fmt.Sprintf("malformed token %q", tok)}
			}
			// LABEL=x is the alternative labelling form.
			if key == "LABEL" {
				if d.Label != "" {
					return d, &ParseError{Line: line, Text: raw, Msg: "label given twice"}
				}
				d.Label = val
				continue
			}
			if _, dup := d.Fields[key]; dup {
				return d, &ParseError{Line: line, Text: raw, Msg: fmt.Sprintf("keyword %s given twice", key)}
			}
			d.Fields[key] = val
			continue
		}
		d.Flags = append(d.Flags, tok)
	}

	if d.Label == "" {
		d.Label = fmt.Sprintf("@%d", line)
	}
	return d, nil
}

// stripComment removes a trailing # comment from a line.
func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}
