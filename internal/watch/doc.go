// Package watch holds the set of active watchpoints and evaluates them
// against captured tensor values.
//
// A watchpoint pairs a numeric condition (NaN, Inf, overflow, or a
// threshold predicate) with target patterns matching node names exactly or
// by scope prefix. Evaluation emits at most one hit per (watchpoint, tensor)
// pair, in watchpoint registration order then capture order; hits carry a
// tensor indicator only, never content.
package watch
