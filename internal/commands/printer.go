package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"localconnect/internal/chat"
	"localconnect/internal/content"
	"localconnect/internal/models"
	"localconnect/internal/session"
)

// Printer writes session events to a terminal. Only timeline rows that are
// new or changed since the last event are printed.
type Printer struct {
	mu  *sync.Mutex
	out io.Writer

	seen   map[string]string
	room   string
	unread int
}

var _ session.Observer = (*Printer)(nil)

func NewPrinter(mu *sync.Mutex, out io.Writer) *Printer {
	return &Printer{mu: mu, out: out, seen: make(map[string]string)}
}

func (p *Printer) OnTimeline(roomID string, entries []chat.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if roomID != p.room {
		p.room = roomID
		p.seen = make(map[string]string)
	}
	for _, e := range entries {
		key := e.TempID
		if key == "" {
			key = e.Message.ID
		}
		state := fmt.Sprintf("%s|%s|%t|%t", e.Status, e.Message.Content, e.Message.IsEdited, e.Message.IsDeleted)
		if p.seen[key] == state {
			continue
		}
		p.seen[key] = state
		_, _ = fmt.Fprint(p.out, formatEntry(e))
	}
}

func (p *Printer) OnTyping(roomID string, users []string) {
	if len(users) == 0 {
		return
	}
	verb := "is"
	if len(users) > 1 {
		verb = "are"
	}
	p.printf("%s %s typing...\n", strings.Join(users, ", "), verb)
}

func (p *Printer) OnDegraded(roomID string, err error) {
	p.printf("(%s offline: %v; messages go through the API)\n", roomID, err)
}

func (p *Printer) OnDiagnostic(roomID, text string) {
	p.printf("(%s: %s)\n", roomID, text)
}

func (p *Printer) OnSendFailed(roomID, tempID string, err error) {
	p.printf("(send failed: %v; /retry %s or /discard %s)\n", err, tempID, tempID)
}

func (p *Printer) OnNotifications(list []models.Notification, unread int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if unread > p.unread {
		_, _ = fmt.Fprintf(p.out, "(%d unread notifications)\n", unread)
	}
	p.unread = unread
}

func (p *Printer) printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, a...)
}

func formatEntry(e chat.Entry) string {
	var b strings.Builder
	m := e.Message
	if e.Reply != nil {
		fmt.Fprintf(&b, "    > %s: %s\n", e.Reply.Sender, e.Reply.Content)
	}

	at := "--:--"
	if !m.CreatedAt.IsZero() {
		at = m.CreatedAt.Local().Format("15:04")
	}
	text := content.Render(m.Content)
	switch {
	case m.IsDeleted:
		text = "(deleted)"
	case m.FileURL != "":
		text = fmt.Sprintf("[%s] %s %s", m.Kind, m.FileName, m.FileURL)
	}
	fmt.Fprintf(&b, "[%s] %s: %s", at, m.Sender.Username, text)

	if m.IsEdited && !m.IsDeleted {
		b.WriteString(" (edited)")
	}
	switch e.Status {
	case chat.StatusPending:
		b.WriteString(" (sending)")
	case chat.StatusFailed:
		fmt.Fprintf(&b, " (failed: %s, id %s)", e.Reason, e.TempID)
	case chat.StatusConfirmed:
		if m.ID != "" {
			fmt.Fprintf(&b, " #%s", m.ID)
		}
	}
	b.WriteString("\n")
	return b.String()
}
