// Package claim issues CLAIM commands and reconciles their outcome.
//
// A claim never sets ownership locally. Claim marks the escalation as "claim
// requested" in the store and sends the command; ownership changes only when
// the backend answers, either with a command response correlated by request
// id (falling back to escalation id) or with a state broadcast that moves the
// escalation out of a claimable status. Rejections are recorded per
// conversation for display and leave ownership untouched.
//
// Each claim returns a Ticket the caller may wait on. Requests that receive no
// answer expire after the configured timeout.
package claim
