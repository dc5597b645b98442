// Package colvar implements the builtin collective variables: actions that
// reduce atomic coordinates (or other scalars) to a single value with
// derivatives, so downstream bias actions can push forces back through
// them.
package colvar
