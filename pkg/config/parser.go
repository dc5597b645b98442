package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Parser loads run-configuration files. One parser can load any number of
// files; it holds the compiled schema and the struct validator.
type Parser struct {
	ctx       *cue.Context
	schemaDef cue.Value
	validate  *validator.Validate
}

// NewParser creates a parser with the builtin schema compiled.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	compiled := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := compiled.Err(); err != nil {
		return nil, fmt.Errorf("compiling builtin schema: %w", err)
	}
	def := compiled.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return nil, fmt.Errorf("builtin schema has no #Config definition")
	}
	return &Parser{
		ctx:       ctx,
		schemaDef: def,
		validate:  validator.New(),
	}, nil
}

// Load reads and validates a run-configuration file.
func (p *Parser) Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return p.parse(string(content), path)
}

// ParseInline validates configuration given as a CUE string.
func (p *Parser) ParseInline(content string) (*Config, error) {
	return p.parse(content, "inline")
}

func (p *Parser) parse(content, filename string) (*Config, error) {
	val := p.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	// Unifying with the closed definition applies defaults and rejects
	// unknown or out-of-range fields in one step.
	unified := val.Unify(p.schemaDef)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, convertCUEErrors(err)
	}

	if err := p.validate.Struct(&cfg); err != nil {
		return nil, convertValidatorErrors(err)
	}
	return &cfg, nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) error {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: e.Error(),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return err
	}
	return out
}

// convertValidatorErrors maps struct-tag violations into the same error
// shape the CUE pass produces.
func convertValidatorErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var out ValidationErrors
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
		})
	}
	return out
}
