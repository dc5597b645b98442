package driver

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Frame is one XYZ trajectory frame.
type Frame struct {
	// Natoms is the atom count from the frame header.
	Natoms int

	// Comment is the second header line, verbatim.
	Comment string

	// Symbols holds the element symbol of each atom.
	Symbols []string

	// Positions holds 3 coordinates per atom, in file order.
	Positions []float64
}

// XYZReader streams frames out of an XYZ trajectory.
type XYZReader struct {
	s    *bufio.Scanner
	line int
}

// NewXYZReader wraps a trajectory stream.
func NewXYZReader(r io.Reader) *XYZReader {
	return &XYZReader{s: bufio.NewScanner(r)}
}

func (x *XYZReader) next() (string, bool) {
	if !x.s.Scan() {
		return "", false
	}
	x.line++
	return x.s.Text(), true
}

// Next returns the next frame, or io.EOF at a clean end of stream. A
// truncated frame is an error, not EOF.
func (x *XYZReader) Next() (*Frame, error) {
	header, ok := x.next()
	for ok && strings.TrimSpace(header) == "" {
		header, ok = x.next()
	}
	if !ok {
		if err := x.s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	natoms, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || natoms <= 0 {
		return nil, fmt.Errorf("line %d: bad atom count %q", x.line, strings.TrimSpace(header))
	}

	comment, ok := x.next()
	if !ok {
		return nil, fmt.Errorf("line %d: frame truncated before comment line", x.line)
	}

	f := &Frame{
		Natoms:    natoms,
		Comment:   comment,
		Symbols:   make([]string, 0, natoms),
		Positions: make([]float64, 0, 3*natoms),
	}
	for i := 0; i < natoms; i++ {
		text, ok := x.next()
		if !ok {
			return nil, fmt.Errorf("line %d: frame truncated at atom %d of %d", x.line, i+1, natoms)
		}
		fields := strings.Fields(text)
		if len(fields) < 4 {
			return nil, fmt.Errorf("line %d: atom record needs symbol and 3 coordinates", x.line)
		}
		f.Symbols = append(f.Symbols, fields[0])
		for _, c := range fields[1:4] {
			v, err := strconv.ParseFloat(c, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad coordinate %q", x.line, c)
			}
			f.Positions = append(f.Positions, v)
		}
	}
	return f, nil
}
