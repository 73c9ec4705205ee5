// Package dedupe suppresses repeated attention signals. A key marked in the
// cache stays "seen" for a fixed window, so the inbox raises at most one
// notification per escalation state within that window even when the backend
// re-notifies or redelivers.
package dedupe
