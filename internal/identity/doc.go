// Package identity resolves the agent user id the inbox acts as.
//
// The inbox never authenticates anyone. Its token is issued and validated by
// the backend; the client only reads the subject claim out of it so claims
// and sends carry the right agent id. Verifier is the signing side and is
// used by the simulator backend.
package identity
