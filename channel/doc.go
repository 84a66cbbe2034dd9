// Package channel provides typed FIFO channels with close semantics and an
// atomic multi-way Select.
//
// Unlike built-in Go channels, every blocking operation here is a suspension
// point in the sense of package dispatch: the calling task gives up its
// dispatcher slot while it waits and reports cancellation of its context.
//
// A Chan is either a rendezvous channel (capacity 0: a send completes only
// when a receiver takes the value), a bounded buffer, an unlimited buffer, or
// a conflated channel that keeps only the most recent value.
//
// Receiving from a closed channel first drains any buffered values and then
// reports ErrClosed, which marks end of stream the same way io.EOF does.
package channel
