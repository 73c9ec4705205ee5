// ABOUTME: Claim race resolver tracking in-flight CLAIM commands by request id
// ABOUTME: Applies authoritative responses and broadcasts, expires unanswered claims

package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/store"
)

// DefaultTimeout bounds how long a claim waits for its answer.
const DefaultTimeout = 15 * time.Second

// TimeoutReason follows FailedPrefix in the claim error of an expired claim.
const TimeoutReason = "claim timed out"

// FailedPrefix marks claim errors that are failures rather than rejections.
const FailedPrefix = "claim failed: "

var (
	// ErrMissingAgentIdentity means no agent user id was available. No
	// command is sent.
	ErrMissingAgentIdentity = errors.New("missing agent identity")
	// ErrClaimRejected means the backend gave the escalation to someone else
	// or refused the claim.
	ErrClaimRejected = errors.New("claim rejected")
	// ErrClaimTimedOut means no answer arrived in time.
	ErrClaimTimedOut = errors.New("claim timed out")
	// ErrAbandoned means the session ended before an answer arrived.
	ErrAbandoned = errors.New("claim abandoned")
)

// Sender delivers commands to the transport.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Store is the part of the working set the resolver reads and reduces.
type Store interface {
	Escalation(id string) (store.Escalation, bool)
	MarkClaimRequested(conversationID, escalationID, agentUserID string)
	HandleClaimResponse(outcome store.ClaimOutcome)
	ExpireClaimRequest(conversationID, escalationID, reason string)
}

// Ticket tracks one claim attempt.
type Ticket struct {
	RequestID      string
	ConversationID string
	EscalationID   string
	AgentUserID    string

	done chan struct{}
	err  error
}

func newTicket(requestID, conversationID, escalationID, agentUserID string) *Ticket {
	return &Ticket{
		RequestID:      requestID,
		ConversationID: conversationID,
		EscalationID:   escalationID,
		AgentUserID:    agentUserID,
		done:           make(chan struct{}),
	}
}

func completedTicket(conversationID, escalationID, agentUserID string) *Ticket {
	t := newTicket("", conversationID, escalationID, agentUserID)
	close(t.done)
	return t
}

// Done is closed once the claim has an outcome.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the outcome: nil when the caller owns the escalation. It is
// only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the claim has an outcome or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type request struct {
	ticket *Ticket
	timer  *time.Timer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout sets how long a claim waits for its answer.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithRequestIDs overrides request id generation.
func WithRequestIDs(next func() string) Option {
	return func(r *Resolver) { r.newID = next }
}

// Resolver owns the pending-claim bookkeeping for one session.
type Resolver struct {
	mu           sync.Mutex
	byRequest    map[string]*request
	byEscalation map[string]*request

	store   Store
	sender  Sender
	timeout time.Duration
	newID   func() string
	logger  *slog.Logger
}

// New creates a resolver. Pass nil logger for default.
func New(st Store, sender Sender, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		byRequest:    make(map[string]*request),
		byEscalation: make(map[string]*request),
		store:        st,
		sender:       sender,
		timeout:      DefaultTimeout,
		newID:        func() string { return uuid.New().String() },
		logger:       logger.With("component", "claim"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Claim sends a CLAIM for escalationID on behalf of agentUserID. Claiming an
// escalation the agent already owns, or one with a claim already in flight,
// is a no-op that returns the existing outcome.
func (r *Resolver) Claim(ctx context.Context, conversationID, escalationID, agentUserID string) (*Ticket, error) {
	if agentUserID == "" {
		return nil, ErrMissingAgentIdentity
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e, ok := r.store.Escalation(escalationID); ok {
		if e.OwnedBy(agentUserID) {
			r.logger.Debug("claim skipped, already owned",
				"escalation_id", escalationID,
				"agent_user_id", agentUserID)
			return completedTicket(conversationID, escalationID, agentUserID), nil
		}
		if conversationID == "" {
			conversationID = e.ConversationID
		}
	}

	r.mu.Lock()
	if existing, ok := r.byEscalation[escalationID]; ok {
		r.mu.Unlock()
		return existing.ticket, nil
	}
	ticket := newTicket(r.newID(), conversationID, escalationID, agentUserID)
	req := &request{ticket: ticket}
	r.byRequest[ticket.RequestID] = req
	r.byEscalation[escalationID] = req
	r.mu.Unlock()

	env, err := protocol.ClaimEnvelope(ticket.RequestID, protocol.ClaimCommand{
		EscalationID:   escalationID,
		ConversationID: conversationID,
		AgentUserID:    agentUserID,
	})
	if err == nil {
		r.store.MarkClaimRequested(conversationID, escalationID, agentUserID)
		err = r.sender.Send(env)
	}
	if err != nil {
		if r.take(req) {
			r.store.ExpireClaimRequest(conversationID, escalationID, FailedPrefix+err.Error())
			req.complete(fmt.Errorf("send claim: %w", err))
		}
		return nil, fmt.Errorf("send claim: %w", err)
	}

	r.mu.Lock()
	if _, still := r.byRequest[ticket.RequestID]; still && r.timeout > 0 {
		req.timer = time.AfterFunc(r.timeout, func() { r.expire(ticket.RequestID) })
	}
	r.mu.Unlock()

	r.logger.Info("claim requested",
		"request_id", ticket.RequestID,
		"conversation_id", conversationID,
		"escalation_id", escalationID,
		"agent_user_id", agentUserID)
	return ticket, nil
}

// HandleResponse applies a command response. It reports whether the response
// belonged to a claim.
func (r *Resolver) HandleResponse(resp *protocol.CommandResponse) bool {
	if resp.Action != "" && resp.Action != protocol.ActionClaim {
		return false
	}

	r.mu.Lock()
	req, ok := r.byRequest[resp.RequestID]
	if !ok && resp.RequestID == "" && resp.EscalationID != "" {
		req, ok = r.byEscalation[resp.EscalationID]
	}
	r.mu.Unlock()

	if !ok {
		return r.applyUnsolicited(resp)
	}

	t := req.ticket
	outcome := store.ClaimOutcome{
		ConversationID: firstNonEmpty(resp.ConversationID, t.ConversationID),
		EscalationID:   t.EscalationID,
	}
	var result error
	switch {
	case resp.AgentUserID == t.AgentUserID, resp.OK() && resp.AgentUserID == "":
		// A response naming us as owner is an acceptance even when the
		// backend reports it as an error, e.g. a re-claim from a second session.
		outcome.Accepted = true
		outcome.AgentUserID = t.AgentUserID
	case resp.OK():
		outcome.Reason = "taken by " + resp.AgentUserID
		result = fmt.Errorf("%w: %s", ErrClaimRejected, outcome.Reason)
	default:
		outcome.Reason = firstNonEmpty(resp.Error, "claim rejected")
		result = fmt.Errorf("%w: %s", ErrClaimRejected, outcome.Reason)
	}

	if !r.take(req) {
		return true
	}
	r.store.HandleClaimResponse(outcome)
	req.complete(result)
	return true
}

// applyUnsolicited handles a claim response with no matching request, such as
// one arriving after its claim expired. Only acceptances carrying an agent
// are applied, since they are authoritative on their own.
func (r *Resolver) applyUnsolicited(resp *protocol.CommandResponse) bool {
	if resp.Action != protocol.ActionClaim || resp.EscalationID == "" {
		return false
	}
	if !resp.OK() || resp.AgentUserID == "" {
		r.logger.Debug("late claim response ignored",
			"request_id", resp.RequestID,
			"escalation_id", resp.EscalationID,
			"status", resp.Status)
		return true
	}
	r.store.HandleClaimResponse(store.ClaimOutcome{
		ConversationID: resp.ConversationID,
		EscalationID:   resp.EscalationID,
		Accepted:       true,
		AgentUserID:    resp.AgentUserID,
	})
	return true
}

// ObserveEscalation settles a pending claim from a broadcast. Call it after
// the store has merged the delta; the store applies the same rule to its own
// claim markers.
func (r *Resolver) ObserveEscalation(e store.Escalation) {
	if e.Status.Claimable() || e.Status == "" {
		return
	}
	r.mu.Lock()
	req, ok := r.byEscalation[e.ID]
	r.mu.Unlock()
	if !ok {
		return
	}

	var result error
	if !e.OwnedBy(req.ticket.AgentUserID) {
		reason := "escalation " + string(e.Status)
		if e.Status.Owned() {
			reason = "taken by " + e.AgentUserID
		}
		result = fmt.Errorf("%w: %s", ErrClaimRejected, reason)
	}
	if r.take(req) {
		req.complete(result)
	}
}

// Pending returns the number of claims awaiting an answer.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRequest)
}

// Reset abandons every pending claim.
func (r *Resolver) Reset() {
	r.mu.Lock()
	reqs := make([]*request, 0, len(r.byRequest))
	for _, req := range r.byRequest {
		reqs = append(reqs, req)
	}
	r.mu.Unlock()

	for _, req := range reqs {
		if r.take(req) {
			req.complete(ErrAbandoned)
		}
	}
}

func (r *Resolver) expire(requestID string) {
	r.mu.Lock()
	req, ok := r.byRequest[requestID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if !r.take(req) {
		return
	}
	t := req.ticket
	r.store.ExpireClaimRequest(t.ConversationID, t.EscalationID, FailedPrefix+TimeoutReason)
	req.complete(ErrClaimTimedOut)
	r.logger.Warn("claim timed out",
		"request_id", requestID,
		"conversation_id", t.ConversationID,
		"escalation_id", t.EscalationID)
}

// take removes req from the pending maps. It reports false when another path
// already settled it. Store updates happen after take and before complete, so
// a waiter always observes the settled store.
func (r *Resolver) take(req *request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byRequest[req.ticket.RequestID]
	if !ok || current != req {
		return false
	}
	delete(r.byRequest, req.ticket.RequestID)
	if r.byEscalation[req.ticket.EscalationID] == req {
		delete(r.byEscalation, req.ticket.EscalationID)
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	return true
}

func (req *request) complete(result error) {
	req.ticket.err = result
	close(req.ticket.done)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
