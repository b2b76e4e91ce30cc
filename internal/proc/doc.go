// Package proc launches and supervises external child processes.
//
// The package provides two layers:
//
//   - Launch/Process: spawn a child with explicit command, working
//     directory, and environment, with platform-specific flags applied
//     (no visible console window on Windows), and track its lifecycle.
//     Every launched process is reaped on every exit path; if an
//     orderly stop does not complete within a grace period the process
//     is forcibly killed.
//
//   - Supervisor: a tracked set of in-flight processes and their
//     background output pumps. RunCapture runs a command to completion
//     and returns its combined output even when the timeout kills it.
//     RunStreamLines pumps stdout line-by-line to a callback and
//     returns a live handle immediately.
//
// Protocol sessions consume a launched Process's pipes through a framed
// connection; the Supervisor consumes raw byte and line streams for
// non-protocol commands.
package proc
