package generic

import (
	"fmt"
	"os"
	"strings"

	"github.com/biasflow/biasflow/pkg/action"
)

// Print samples scalar values every STRIDE steps and writes them to a
// file, one row per sampled step:
//
//	PRINT ARG=d1,r1 STRIDE=100 FILE=colvar.dat
//
// Print is a pilot: on the steps where it fires it activates its whole
// dependency chain. Undefined inputs print as "nan" so rows stay aligned
// for downstream column tools.
type Print struct {
	core   action.Core
	args   []action.Valued
	labels []string
	stride int64
	path   string
	files  action.FileOpener
	step   func() int64

	file      *os.File
	wroteHead bool
}

// NewPrint is the constructor registered for the PRINT keyword.
func NewPrint(in action.Input) (action.Action, error) {
	labels := in.Options.Labels("ARG")
	if len(labels) == 0 {
		return nil, fmt.Errorf("line %d: PRINT requires ARG", in.Options.Line())
	}

	stride, err := in.Options.Int64Default("STRIDE", 1)
	if err != nil {
		return nil, err
	}
	if stride <= 0 {
		return nil, fmt.Errorf("line %d: PRINT STRIDE must be positive, got %d", in.Options.Line(), stride)
	}

	path, ok := in.Options.String("FILE")
	if !ok {
		return nil, fmt.Errorf("line %d: PRINT requires FILE", in.Options.Line())
	}

	p := &Print{
		core:   action.NewCore(in.Label),
		labels: labels,
		stride: stride,
		path:   path,
		files:  in.Files,
		step:   in.Step,
	}
	if p.step == nil {
		p.step = func() int64 { return 0 }
	}

	for _, l := range labels {
		a, err := in.Resolve(l)
		if err != nil {
			return nil, err
		}
		v, ok := a.(action.Valued)
		if !ok {
			return nil, fmt.Errorf("line %d: PRINT argument %s produces no value", in.Options.Line(), l)
		}
		p.args = append(p.args, v)
		p.core.AddDependency(l)
	}
	return p, nil
}

// Core returns the bookkeeping record.
func (p *Print) Core() *action.Core { return &p.core }

// OnStep fires every stride steps, starting at step 0.
func (p *Print) OnStep(step int64) bool {
	return step%p.stride == 0
}

// Prepare opens the output file on first use.
func (p *Print) Prepare() error {
	if p.file != nil {
		return nil
	}
	f, err := p.files.OpenFile(p.path, "w")
	if err != nil {
		return fmt.Errorf("opening %s: %w", p.path, err)
	}
	p.file = f
	return nil
}

// Calculate writes one sample row; the arguments were computed earlier in
// the same pass, since Print depends on all of them.
func (p *Print) Calculate() error {
	if !p.wroteHead {
		if _, err := fmt.Fprintf(p.file, "#! FIELDS step %s\n", strings.Join(p.labels, " ")); err != nil {
			return err
		}
		p.wroteHead = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d", p.step())
	for _, arg := range p.args {
		v := arg.Value()
		if v.Valid() {
			fmt.Fprintf(&sb, " %.9f", v.Get())
		} else {
			sb.WriteString(" nan")
		}
	}
	sb.WriteByte('\n')

	_, err := p.file.WriteString(sb.String())
	return err
}

// Apply closes the step for Print; it pushes no forces.
func (p *Print) Apply() error { return nil }

// Close releases the output file. The engine's exit path does not track
// per-action files, so drivers that own a Print call this when done.
func (p *Print) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.files.CloseFile(p.file)
	p.file = nil
	return err
}
