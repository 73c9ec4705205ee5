// ABOUTME: Open-tab membership, focus pointer and per-conversation unread counters
// ABOUTME: Unread accrues only for open, unfocused tabs and only for remote turns

package store

import "slices"

// attention tracks which conversations the agent has open and which one has
// focus. Open and focused are independent: a tab can be open without focus.
type attention struct {
	tabs    []string // open order
	focused string
	unread  map[string]int
}

func newAttention() attention {
	return attention{unread: make(map[string]int)}
}

func (a *attention) isOpen(id string) bool {
	return slices.Contains(a.tabs, id)
}

// open adds id to the open tabs and resets its counter.
func (a *attention) open(id string) {
	if !a.isOpen(id) {
		a.tabs = append(a.tabs, id)
	}
	a.unread[id] = 0
}

// close removes id from the open tabs and forgets its counter.
func (a *attention) close(id string) {
	a.tabs = slices.DeleteFunc(a.tabs, func(t string) bool { return t == id })
	delete(a.unread, id)
	if a.focused == id {
		a.focused = ""
	}
}

// focus opens id if needed and gives it focus.
func (a *attention) focus(id string) {
	a.open(id)
	a.focused = id
}

func (a *attention) blur() {
	a.focused = ""
}

func (a *attention) clear(id string) {
	if _, ok := a.unread[id]; ok {
		a.unread[id] = 0
	}
}

// recordRemoteTurn counts a newly appended remote message. It reports whether
// the counter moved.
func (a *attention) recordRemoteTurn(id string) bool {
	if id == a.focused || !a.isOpen(id) {
		return false
	}
	a.unread[id]++
	return true
}

func (a *attention) count(id string) int {
	return a.unread[id]
}

func (a *attention) openTabs() []string {
	return slices.Clone(a.tabs)
}
