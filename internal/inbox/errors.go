// ABOUTME: Error taxonomy for caller-facing inbox operations
// ABOUTME: Re-exports lower-level sentinels so callers only import this package

package inbox

import (
	"errors"

	"github.com/2389/coven-inbox/internal/claim"
	"github.com/2389/coven-inbox/internal/protocol"
)

var (
	// ErrMissingAgentIdentity is a local precondition failure; no network
	// call was attempted.
	ErrMissingAgentIdentity = claim.ErrMissingAgentIdentity
	// ErrClaimRejected means another agent holds the escalation or the
	// backend refused the claim. The reason is recorded on the inbox row.
	ErrClaimRejected = claim.ErrClaimRejected
	// ErrClaimTimedOut means the claim received no answer in time.
	ErrClaimTimedOut = claim.ErrClaimTimedOut
	// ErrNotAssigned guards sends into a conversation the agent does not own.
	ErrNotAssigned = errors.New("not assigned to this conversation")
	// ErrTransportUnavailable means the realtime connection is not CONNECTED.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrSnapshotFetchFailed means a REST fetch failed. The working set is
	// unchanged and the call is safe to retry.
	ErrSnapshotFetchFailed = errors.New("snapshot fetch failed")
	// ErrCloseFailed means the backend did not confirm a close. The
	// conversation stays open locally.
	ErrCloseFailed = errors.New("close conversation failed")
	// ErrNoActiveEscalation means the conversation has nothing to claim.
	ErrNoActiveEscalation = errors.New("no active escalation")
	// ErrMalformedFrame is logged for inbound frames of unknown shape; they
	// are dropped and never returned to callers.
	ErrMalformedFrame = protocol.ErrMalformedFrame
)

// SendRejectedError reports a message the backend refused.
type SendRejectedError struct {
	Reason string
}

func (e *SendRejectedError) Error() string {
	if e.Reason == "" {
		return "message rejected"
	}
	return "message rejected: " + e.Reason
}

func rejectedSend(reason string) error {
	return &SendRejectedError{Reason: reason}
}
