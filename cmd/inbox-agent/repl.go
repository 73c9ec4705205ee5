// ABOUTME: Line-oriented terminal UI over the inbox engine
// ABOUTME: Slash commands for listing, claiming, chatting and closing; async notices for updates

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-inbox/internal/inbox"
	"github.com/2389/coven-inbox/internal/ledger"
	"github.com/2389/coven-inbox/internal/protocol"
	"github.com/2389/coven-inbox/internal/store"
	"github.com/2389/coven-inbox/internal/transport"
)

// session is the part of *inbox.Engine the REPL drives.
type session interface {
	Store() store.Selector
	State() transport.State
	AgentUserID() string
	Refresh(ctx context.Context) error
	OpenConversation(ctx context.Context, conversationID string) error
	CloseTab(conversationID string)
	Focus(conversationID string)
	Blur()
	Claim(ctx context.Context, conversationID, escalationID string) error
	SendMessage(ctx context.Context, conversationID, text string) (ledger.Entry, error)
	CloseConversation(ctx context.Context, conversationID string) error
}

var _ session = (*inbox.Engine)(nil)

var errQuit = errors.New("quit")

type repl struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	engine  session

	mu      sync.Mutex // serializes writes to out
	printed map[string]struct{}
	rows    []store.Row // last /list output, for numeric selection
}

func newREPL(in io.Reader, out io.Writer, timeout time.Duration) *repl {
	return &repl{
		in:      in,
		out:     out,
		timeout: timeout,
		printed: make(map[string]struct{}),
	}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// loop reads commands until EOF, /quit or ctx ends.
func (r *repl) loop(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		r.prompt()
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line := <-lines:
			if err := r.execute(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.printf("%s %v\n", color.RedString("[error]"), err)
			}
		}
	}
}

func (r *repl) prompt() {
	if active := r.engine.Store().Active(); active != "" {
		r.printf("[%s]> ", short(active))
		return
	}
	r.printf("> ")
}

func (r *repl) execute(ctx context.Context, input string) error {
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, "/") {
		return r.send(ctx, r.engine.Store().Active(), input)
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout(cmd))
	defer cancel()

	switch cmd {
	case "/quit", "/exit", "/q":
		return errQuit
	case "/help":
		r.help()
	case "/status":
		r.printf("connection: %s  agent: %s\n", r.engine.State(), r.engine.AgentUserID())
	case "/list", "/ls":
		r.list()
	case "/refresh":
		if err := r.engine.Refresh(opCtx); err != nil {
			return err
		}
		r.list()
	case "/open":
		id, err := r.resolve(arg)
		if err != nil {
			return err
		}
		if err := r.engine.OpenConversation(opCtx, id); err != nil {
			return err
		}
		r.history(id)
	case "/focus":
		id, err := r.resolve(arg)
		if err != nil {
			return err
		}
		r.engine.Focus(id)
	case "/blur":
		r.engine.Blur()
	case "/tabs":
		r.tabs()
	case "/history":
		id, err := r.resolveOrActive(arg)
		if err != nil {
			return err
		}
		r.history(id)
	case "/claim":
		id, err := r.resolveOrActive(arg)
		if err != nil {
			return err
		}
		if err := r.engine.Claim(opCtx, id, ""); err != nil {
			return err
		}
		r.engine.Focus(id)
		r.printf("%s claimed %s\n", color.GreenString("✓"), short(id))
	case "/send":
		return r.send(ctx, r.engine.Store().Active(), arg)
	case "/close":
		id, err := r.resolveOrActive(arg)
		if err != nil {
			return err
		}
		if err := r.engine.CloseConversation(opCtx, id); err != nil {
			return err
		}
		r.printf("%s closed %s\n", color.GreenString("✓"), short(id))
	case "/closetab":
		id, err := r.resolveOrActive(arg)
		if err != nil {
			return err
		}
		r.engine.CloseTab(id)
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}

// opTimeout gives claims their own budget; the engine enforces the claim
// timeout itself, so the outer bound only needs to be generous.
func (r *repl) opTimeout(cmd string) time.Duration {
	if cmd == "/claim" {
		return r.timeout * 3
	}
	return r.timeout
}

func (r *repl) send(ctx context.Context, conversationID, text string) error {
	if conversationID == "" {
		return errors.New("no active conversation (use /open or /focus)")
	}
	if text == "" {
		return errors.New("nothing to send")
	}
	entry, err := r.engine.SendMessage(ctx, conversationID, text)
	if err != nil {
		return err
	}
	r.markPrinted(entry)
	return nil
}

// resolve maps a row number from the last /list, or a conversation id
// prefix, to a conversation id.
func (r *repl) resolve(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("conversation required")
	}
	r.mu.Lock()
	rows := r.rows
	r.mu.Unlock()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(rows) {
			return "", fmt.Errorf("no row %d (run /list)", n)
		}
		return rows[n-1].Conversation.ID, nil
	}
	for _, row := range r.engine.Store().Inbox(r.engine.AgentUserID()) {
		if strings.HasPrefix(row.Conversation.ID, arg) {
			return row.Conversation.ID, nil
		}
	}
	return arg, nil
}

func (r *repl) resolveOrActive(arg string) (string, error) {
	if arg == "" {
		if active := r.engine.Store().Active(); active != "" {
			return active, nil
		}
		return "", errors.New("no active conversation")
	}
	return r.resolve(arg)
}

func (r *repl) list() {
	rows := r.engine.Store().Inbox(r.engine.AgentUserID())
	r.mu.Lock()
	r.rows = rows
	r.mu.Unlock()

	if len(rows) == 0 {
		r.printf("inbox empty\n")
		return
	}
	for i, row := range rows {
		r.printf("%2d. %s  %-8s %-12s %s%s\n",
			i+1,
			short(row.Conversation.ID),
			row.Conversation.Channel,
			row.Escalation.Status,
			rowBadge(row),
			unreadBadge(row.Unread))
	}
}

func rowBadge(row store.Row) string {
	switch {
	case row.Mine:
		return color.GreenString("mine")
	case row.ClaimPending:
		return color.YellowString("claiming…")
	case row.Taken && row.ClaimError != "":
		return color.RedString("taken (%s)", row.ClaimError)
	case row.Taken:
		return color.RedString("taken by %s", row.Escalation.AgentUserID)
	case row.Claimable && row.ClaimError != "":
		return color.YellowString("claimable (%s)", row.ClaimError)
	case row.Claimable:
		return color.CyanString("claimable")
	}
	return ""
}

func unreadBadge(n int) string {
	if n == 0 {
		return ""
	}
	return color.MagentaString(" [%d unread]", n)
}

func (r *repl) tabs() {
	sel := r.engine.Store()
	active := sel.Active()
	tabs := sel.OpenTabs()
	if len(tabs) == 0 {
		r.printf("no open tabs\n")
		return
	}
	for _, id := range tabs {
		marker := " "
		if id == active {
			marker = "*"
		}
		r.printf("%s %s%s\n", marker, short(id), unreadBadge(sel.Unread(id)))
	}
}

func (r *repl) history(conversationID string) {
	for _, e := range r.engine.Store().Messages(conversationID) {
		r.markPrinted(e)
		r.printEntry(e)
	}
}

func (r *repl) printEntry(e ledger.Entry) {
	who := string(e.SenderType)
	switch e.SenderType {
	case protocol.SenderAgent:
		who = color.GreenString("%s", who)
	case protocol.SenderUser:
		who = color.CyanString("%s", who)
	default:
		who = color.HiBlackString("%s", who)
	}
	suffix := ""
	if e.Pending() {
		suffix = color.HiBlackString(" (sending)")
	}
	r.printf("%s %s: %s%s\n", color.HiBlackString("%s", e.SentAt.Local().Format("15:04")), who, e.Text, suffix)
}

// notifyUpdate runs on the engine's delivery goroutine; it only prints.
func (r *repl) notifyUpdate(u inbox.Update) {
	switch u.Kind {
	case inbox.UpdateConnection:
		if u.State != transport.StateConnected {
			r.printf("\n%s %s\n", color.YellowString("[connection]"), u.State)
		}
	case inbox.UpdateMessage:
		if r.engine == nil || u.ConversationID != r.engine.Store().Active() {
			return
		}
		for _, e := range r.engine.Store().Messages(u.ConversationID) {
			if e.Origin == ledger.OriginRemote && r.markPrinted(e) {
				r.printf("\n")
				r.printEntry(e)
			}
		}
	case inbox.UpdateSendFailed:
		r.printf("\n%s message to %s not delivered: %v\n", color.RedString("[send failed]"), short(u.ConversationID), u.Err)
	}
}

func (r *repl) notifyAttention(a inbox.Attention) {
	label := "new escalation"
	if a.Renotified {
		label = "still waiting"
	}
	reason := ""
	if a.Reason != "" {
		reason = ": " + a.Reason
	}
	r.printf("\a\n%s %s in %s%s\n", color.New(color.FgYellow, color.Bold).Sprint("[attention]"), label, short(a.ConversationID), reason)
}

// markPrinted records e and reports whether it was new.
func (r *repl) markPrinted(e ledger.Entry) bool {
	key := entryKey(e)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.printed[key]; ok {
		return false
	}
	r.printed[key] = struct{}{}
	return true
}

func entryKey(e ledger.Entry) string {
	if id, ok := e.ServerID(); ok && id != "" {
		return "s:" + id
	}
	if e.ClientID != "" {
		return "c:" + e.ClientID
	}
	return fmt.Sprintf("t:%s|%d|%s", e.ConversationID, e.SentAt.UnixNano(), e.Text)
}

func (r *repl) help() {
	r.printf(`Commands:
  /list                 List the inbox (numbers can be used below)
  /refresh              Re-fetch the inbox from the server
  /open N|ID            Open a conversation tab and show its history
  /focus N|ID           Focus an open tab
  /blur                 Clear focus; all open tabs count unread
  /tabs                 Show open tabs and unread counts
  /history [N|ID]       Show a conversation's messages
  /claim [N|ID]         Claim the conversation's active escalation
  /send TEXT            Send to the focused conversation (or just type)
  /close [N|ID]         Close the conversation
  /closetab [N|ID]      Close the tab without closing the conversation
  /status               Connection state and identity
  /quit                 Exit
`)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
