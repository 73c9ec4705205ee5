// Package simulator is a self-contained escalation backend for development
// and end-to-end tests.
//
// It persists conversations, escalations and messages in SQLite, serves the
// REST snapshot endpoints the inbox reads from, and runs the realtime room
// protocol over websockets. Claims are arbitrated in the database with a
// conditional update, so exactly one agent wins each escalation no matter
// how many race for it.
package simulator
