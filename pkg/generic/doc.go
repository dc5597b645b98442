// Package generic implements the builtin actions that are neither
// collective variables nor bias potentials: the PRINT pilot that samples
// values to an output stream, and the ENDRUN pilot that terminates a run
// at a chosen step.
package generic
