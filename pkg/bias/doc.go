// Package bias implements the builtin bias potentials: actions that read
// collective-variable values, contribute bias energy to the step total,
// and push restoring forces back onto their arguments during the apply
// phase.
package bias
