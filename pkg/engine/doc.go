// Package engine is the orchestration core of BiasFlow: the insertion-
// ordered ActionSet owning all actions of a run, the activation engine that
// derives the per-step active subset and its execution order from the
// dependency graph, and the Engine driver implementing the host-facing
// per-step protocol (prepare, share, calculate, apply) and the generic
// cmd() interface MD hosts call into.
package engine
