// Package process launches child workloads and exposes each one as a readable,
// waitable Handle.
//
// Two kinds of children are supported. Spawn forks and executes an external
// program whose standard output and standard error are captured through pipes.
// SpawnFunc re-executes the running binary and invokes a callable registered
// with Register; its return value, or the error it produced, travels back to the
// parent as an encoded payload and is surfaced by ResultHandle.Read.
//
// A handle moves from StateRunning to StateDone the first time Poll, Wait or a
// Read observes end-of-output; at that point the output is collected and the
// exit status reaped exactly once. Close terminates a child that is still
// running: the termination signal is sent first, and the kill signal follows if
// the child survives the grace period.
//
// Every live handle is tracked by a Registry. The registry installs a signal
// hook on first use so that a SIGTERM delivered to the parent closes all
// outstanding children before the signal is passed on.
//
// Binaries that use SpawnFunc must call Init at the very start of main so that
// the re-executed child runs the requested callable instead of the program:
//
//	func main() {
//		process.Init()
//		...
//	}
//
// The package only builds on unix platforms.
package process
