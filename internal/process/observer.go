package process

import "time"

// Handle kinds reported to observers and logs.
const (
	KindCommand  = "command"
	KindCallable = "callable"
)

// Outcomes reported to Observer.HandleFinished.
const (
	OutcomeSuccess  = "success"
	OutcomeExitCode = "exit_code"
	OutcomeSignaled = "signaled"
	OutcomeError    = "error"
	OutcomeClosed   = "closed"
)

// Observer receives lifecycle notifications from handles. Implementations must
// be safe for concurrent use.
type Observer interface {
	HandleStarted(kind string)
	SpawnFailed(kind string)
	// HandleFinished is called exactly once per started handle, either when
	// its completion is observed or when it is closed before completing.
	HandleFinished(kind, outcome string, elapsed time.Duration)
	KillEscalated(kind string)
}

type nopObserver struct{}

func (nopObserver) HandleStarted(string) {}
func (nopObserver) SpawnFailed(string) {}
func (nopObserver) HandleFinished(string, string, time.Duration) {}
func (nopObserver) KillEscalated(string) {}
