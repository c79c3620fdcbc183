// Package protocol defines the wire vocabulary between the debugger and the
// controller: metadata pushes, graph topology, watchpoint hits, tensor
// chunks, and the closed command set (exit, run, set, view) carried by
// replies.
package protocol
