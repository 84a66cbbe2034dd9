// Package scope provides structured-concurrency primitives for Go.
// Scopes own the tasks they spawn, provide a join point (Join/Wait), and
// propagate cancellation and errors predictably according to a policy.
//
// Every task runs on a dispatch.Dispatcher inherited from the spawning task
// unless overridden, carries its own cancellation token linked to the scope's,
// and observes cancellation cooperatively: only at suspension points such as
// channel operations, dispatch.Yield, dispatch.Sleep, mutex and deferred waits,
// and Join. A task body that never suspends runs to completion even after it
// is cancelled.
package scope
