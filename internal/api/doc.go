// Package api is the REST snapshot client. The inbox uses it to hydrate the
// working set at session start and after every reconnect, to page in message
// history for opened conversations, and to close conversations.
//
// Every failure, whether a transport error or a non-2xx status, wraps
// ErrRequestFailed. Callers treat such failures as retryable and leave their
// state untouched.
package api
