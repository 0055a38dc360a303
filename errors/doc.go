// Package errors provides the error handling conventions used across graphsync.
//
// Errors are classified into three classes that drive handling policy:
//
//   - Transient: infrastructure hiccups (store unavailable, timeouts). Recovered
//     locally via retry with backoff; they do not surface past the merge engine.
//   - Invalid: structural problems (malformed envelope, unknown type, tenant
//     violation). Never retried; routed to the dead-letter sink.
//   - Fatal: unrecoverable conditions (bad configuration). Stop processing.
//
// Use WrapTransient, WrapInvalid, and WrapFatal to attach classification and
// component/operation context, and IsTransient/IsInvalid/IsFatal to branch on it.
package errors
