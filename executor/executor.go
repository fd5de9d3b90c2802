// Package executor defines the capability interfaces the scheduler takes
// as parameters. The scheduler never inspects what they do; callers
// inject concrete implementations (real LLM inference, a toy simulator,
// whatever). Composition over inheritance: each interface is a single
// method.
package executor

import "context"

// Executor consumes a task payload and yields a result. It is async from
// the caller's point of view: Execute may block for as long as the real
// work takes, but must respect ctx cancellation.
type Executor[P any, R any] interface {
	Execute(ctx context.Context, payload P, meta ExecMeta) (R, error)
}

// ExecMeta is the subset of task.Metadata an Executor is handed alongside
// the payload — enough to log/trace against, without importing the
// scheduler's internal task bookkeeping fields.
type ExecMeta struct {
	TaskID   uint64
	Priority int
}

// Spawner fires off a unit of work without waiting for it, the mechanism
// ResourcePool uses to run an admitted task's Executor off the admission
// path. Spawn must not block beyond what it takes to hand work to the
// runtime (e.g. `go func(){...}()` on native Go, which is why the default
// Spawner below never returns an error).
type Spawner interface {
	Spawn(fn func())
}

// GoSpawner is the default, zero-allocation Spawner: it starts fn on a
// new goroutine and returns immediately. It cannot fail, matching the
// native-runtime assumption in §5 that spawn failures are only possible
// on constrained runtimes this module does not target.
type GoSpawner struct{}

func (GoSpawner) Spawn(fn func()) { go fn() }

// Func adapts a plain function to the Executor interface.
type Func[P any, R any] func(ctx context.Context, payload P, meta ExecMeta) (R, error)

func (f Func[P, R]) Execute(ctx context.Context, payload P, meta ExecMeta) (R, error) {
	return f(ctx, payload, meta)
}
