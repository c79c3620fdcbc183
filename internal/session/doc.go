// Package session implements the debugger's session state machine.
//
// A Session is embedded in a training process and drives the suspend/resume
// protocol with one remote controller. The execution engine calls in at
// well-defined instrumentation points:
//   - PreExecute: once per graph submission
//   - PostExecute: once per completed graph step
//   - PostExecuteNode: once per executed node (when the backend has node hooks)
//   - PostDebugOp: after a node emits debug-dump data
//
// When the session decides to suspend, it enters a blocking command loop on
// the engine thread and dispatches controller commands (run/set/view/exit)
// to the watch store and tensor snapshot cache until told to resume.
//
// Lifecycle:
//
//	sess := session.New(cfg.Debugger, log)
//	sess.Init(deviceID, "GPU")
//	sess.Enable()
//	...instrumentation hooks...
//	sess.Reset()
//
// Data-loading graphs (containing a GetNext or InitDataSetQueue node) are
// classified at PreExecute and never debugged.
package session
