// Package builtin registers the standard action vocabulary with a
// registry. Hosts that want only a subset, or extension-defined actions
// on top, register keyword by keyword instead.
package builtin

import (
	"github.com/biasflow/biasflow/pkg/action"
	"github.com/biasflow/biasflow/pkg/bias"
	"github.com/biasflow/biasflow/pkg/colvar"
	"github.com/biasflow/biasflow/pkg/generic"
)

// Register adds the builtin action types to the registry.
func Register(reg *action.Registry) error {
	for keyword, ctor := range map[string]action.Constructor{
		"DISTANCE":    colvar.NewDistance,
		"COMBINE":     colvar.NewCombine,
		"RESTRAINT":   bias.NewRestraint,
		"UPPER_WALLS": bias.NewUpperWalls,
		"PRINT":       generic.NewPrint,
		"ENDRUN":      generic.NewEndRun,
	} {
		if err := reg.Register(keyword, ctor); err != nil {
			return err
		}
	}
	return nil
}
