// Package dispatch maps tasks onto execution slots.
//
// A Dispatcher owns a fixed number of slots (a worker pool), exactly one slot
// (a single cooperative thread) or no bound at all (unconfined). A task holds
// a slot through a Lease while it executes and gives it up at every
// suspension point via Park, so a blocked task never occupies a worker.
//
// Suspension points defined here are Park, Yield, Sleep and Switch; the
// channel, mutex and deferred packages build their blocking operations on
// Park.
package dispatch
