// Package token provides hierarchical cancellation tokens.
//
// Tokens form a tree. Cancelling a token records a cause, closes its Done
// channel and cancels every registered descendant with the same cause.
// Cancellation is permanent; repeated calls to Cancel are no-ops.
//
// A token can drive a context.Context through Bind, which is how tasks and
// scopes hand cancellation to ordinary context-aware code.
package token
