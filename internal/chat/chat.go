// Package chat keeps the visible message sequence of one room and reconciles
// server messages with locally authored drafts.
package chat

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"localconnect/internal/content"
	"localconnect/internal/models"
)

var ErrUnknownDraft = errors.New("unknown draft")

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

type Result int

const (
	Inserted Result = iota
	Confirmed
	Duplicate
	Ignored
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Confirmed:
		return "confirmed"
	case Duplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// ReplySnapshot is what the client shows for a reply target.
type ReplySnapshot struct {
	ID        string
	Sender    string
	Content   string
	Available bool
}

// Entry is one visible row. Drafts have a TempID and no Message.ID until
// confirmed; confirmed drafts keep their TempID.
type Entry struct {
	Message models.Message
	TempID  string
	Status  Status
	Reason  string
	Draft   models.Draft
	Reply   *ReplySnapshot
}

func (e *Entry) confirmed() bool {
	return e.Status == StatusConfirmed
}

type Config struct {
	RoomID string
	Self   models.User
	Clock  clock.Clock
	// MaxRecords caps the confirmed messages kept; zero keeps all.
	MaxRecords int
	OnChange   func()
	// OnConfirm fires when a draft becomes a confirmed message, by echo or
	// by an explicit Confirm.
	OnConfirm func(tempID string, msg models.Message)
}

type Timeline struct {
	cfg Config

	mux       sync.Mutex
	entries   []*Entry
	byID      map[string]*Entry
	byTemp    map[string]*Entry
	snapshots map[string]ReplySnapshot
}

func New(cfg Config) *Timeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Timeline{
		cfg:       cfg,
		byID:      make(map[string]*Entry),
		byTemp:    make(map[string]*Entry),
		snapshots: make(map[string]ReplySnapshot),
	}
}

func (t *Timeline) RoomID() string {
	return t.cfg.RoomID
}

// LoadHistory replaces the confirmed baseline with msgs. Live messages the
// history does not contain are kept, and drafts stay after the baseline.
func (t *Timeline) LoadHistory(msgs []models.Message) {
	history := slices.Clone(msgs)
	slices.SortStableFunc(history, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	t.mux.Lock()
	seen := make(map[string]bool, len(history))
	entries := make([]*Entry, 0, len(history)+len(t.entries))
	byID := make(map[string]*Entry, len(history))
	for _, m := range history {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		e := &Entry{Message: m, Status: StatusConfirmed}
		if old, ok := t.byID[m.ID]; ok {
			e.TempID = old.TempID
		}
		entries = append(entries, e)
		byID[m.ID] = e
		t.remember(m)
	}

	var live, drafts []*Entry
	for _, e := range t.entries {
		switch {
		case !e.confirmed():
			drafts = append(drafts, e)
		case !seen[e.Message.ID]:
			live = append(live, e)
		}
	}

	t.entries = append(entries, drafts...)
	t.byID = byID
	for _, e := range live {
		t.insertConfirmed(e)
	}
	t.trim()
	t.mux.Unlock()

	t.changed()
}

// ApplyOptimistic appends a pending draft and returns its temp id.
func (t *Timeline) ApplyOptimistic(d models.Draft) string {
	tempID := "tmp-" + uuid.NewString()

	t.mux.Lock()
	e := t.draftEntry(tempID, d, t.cfg.Clock.Now())
	e.Status = StatusPending
	t.entries = append(t.entries, e)
	t.byTemp[tempID] = e
	t.mux.Unlock()

	t.changed()
	return tempID
}

// RestoreFailed re-adds a draft that failed in an earlier run under its
// original temp id. It is a no-op when the temp id is already present.
func (t *Timeline) RestoreFailed(tempID string, d models.Draft, createdAt time.Time, reason string) {
	t.mux.Lock()
	if _, ok := t.byTemp[tempID]; ok {
		t.mux.Unlock()
		return
	}
	e := t.draftEntry(tempID, d, createdAt)
	e.Status = StatusFailed
	e.Reason = reason
	t.entries = append(t.entries, e)
	t.byTemp[tempID] = e
	t.mux.Unlock()

	t.changed()
}

func (t *Timeline) draftEntry(tempID string, d models.Draft, at time.Time) *Entry {
	kind := d.Kind
	if kind == "" {
		kind = models.MessageKindText
	}
	d.RoomID = t.cfg.RoomID
	m := models.Message{
		RoomID:    t.cfg.RoomID,
		Sender:    t.cfg.Self,
		Content:   d.Content,
		Kind:      kind,
		FileURL:   d.FileURL,
		FileName:  d.FileName,
		FileSize:  d.FileSize,
		CreatedAt: at,
	}
	if d.ReplyTo != "" {
		m.ReplyTo = &models.ReplyRef{ID: d.ReplyTo}
	}
	return &Entry{Message: m, TempID: tempID, Draft: d}
}

// ApplyIncoming reconciles a server-pushed message.
func (t *Timeline) ApplyIncoming(m models.Message) Result {
	if m.ID == "" || (m.RoomID != "" && m.RoomID != t.cfg.RoomID) {
		return Ignored
	}

	t.mux.Lock()
	if _, ok := t.byID[m.ID]; ok {
		t.mux.Unlock()
		return Duplicate
	}

	if e := t.matchDraft(m); e != nil {
		tempID := e.TempID
		t.confirmInPlace(e, m)
		t.mux.Unlock()

		t.confirmed(tempID, m)
		t.changed()
		return Confirmed
	}

	t.insertConfirmed(&Entry{Message: m, Status: StatusConfirmed})
	t.remember(m)
	t.trim()
	t.mux.Unlock()

	t.changed()
	return Inserted
}

// Confirm resolves a draft with the server's copy. If the message is
// already visible the draft is dropped; an unknown temp id inserts it.
func (t *Timeline) Confirm(tempID string, m models.Message) error {
	if m.ID == "" {
		return errors.New("confirmed message has no id")
	}

	t.mux.Lock()
	e, ok := t.byTemp[tempID]
	_, visible := t.byID[m.ID]
	switch {
	case visible && ok:
		t.remove(e)
		delete(t.byTemp, tempID)
	case visible:
	case ok:
		t.confirmInPlace(e, m)
	default:
		slog.Debug("confirming unknown draft", "room_id", t.cfg.RoomID, "temp_id", tempID, "message_id", m.ID)
		t.insertConfirmed(&Entry{Message: m, TempID: tempID, Status: StatusConfirmed})
		t.remember(m)
	}
	t.mux.Unlock()

	t.confirmed(tempID, m)
	t.changed()
	return nil
}

func (t *Timeline) MarkFailed(tempID, reason string) error {
	return t.setStatus(tempID, StatusFailed, reason)
}

func (t *Timeline) MarkPending(tempID string) error {
	return t.setStatus(tempID, StatusPending, "")
}

func (t *Timeline) setStatus(tempID string, s Status, reason string) error {
	t.mux.Lock()
	e, ok := t.byTemp[tempID]
	if !ok {
		t.mux.Unlock()
		return ErrUnknownDraft
	}
	e.Status = s
	e.Reason = reason
	t.mux.Unlock()

	t.changed()
	return nil
}

// Discard removes an unconfirmed draft.
func (t *Timeline) Discard(tempID string) error {
	t.mux.Lock()
	e, ok := t.byTemp[tempID]
	if !ok {
		t.mux.Unlock()
		return ErrUnknownDraft
	}
	t.remove(e)
	delete(t.byTemp, tempID)
	t.mux.Unlock()

	t.changed()
	return nil
}

// ApplyEdit updates a confirmed message in place. It reports whether the
// message was known.
func (t *Timeline) ApplyEdit(m models.Message) bool {
	t.mux.Lock()
	e, ok := t.byID[m.ID]
	if !ok {
		t.mux.Unlock()
		return false
	}
	e.Message.Content = m.Content
	e.Message.IsEdited = true
	t.remember(e.Message)
	t.mux.Unlock()

	t.changed()
	return true
}

// MarkDeleted hides a message. Its last snapshot stays available to replies.
func (t *Timeline) MarkDeleted(id string) bool {
	t.mux.Lock()
	e, ok := t.byID[id]
	if !ok {
		t.mux.Unlock()
		return false
	}
	e.Message.IsDeleted = true
	t.mux.Unlock()

	t.changed()
	return true
}

// Lookup returns the entry for a temp id.
func (t *Timeline) Lookup(tempID string) (Entry, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	e, ok := t.byTemp[tempID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// VisibleSequence returns the entries to render, oldest first, with reply
// targets resolved.
func (t *Timeline) VisibleSequence() []Entry {
	t.mux.Lock()
	defer t.mux.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Message.IsDeleted {
			continue
		}
		v := *e
		if r := e.Message.ReplyTo; r != nil && r.ID != "" {
			snap := t.resolveReply(r)
			v.Reply = &snap
		}
		out = append(out, v)
	}
	return out
}

// Pending returns the unconfirmed drafts in order.
func (t *Timeline) Pending() []Entry {
	t.mux.Lock()
	defer t.mux.Unlock()

	var out []Entry
	for _, e := range t.entries {
		if !e.confirmed() {
			out = append(out, *e)
		}
	}
	return out
}

func (t *Timeline) Len() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.entries)
}

func (t *Timeline) resolveReply(r *models.ReplyRef) ReplySnapshot {
	if e, ok := t.byID[r.ID]; ok && !e.Message.IsDeleted {
		return snapshotOf(e.Message)
	}
	if s, ok := t.snapshots[r.ID]; ok {
		return s
	}
	if r.Content != "" {
		return snapshotOf(models.Message{ID: r.ID, Content: r.Content, Sender: r.Sender})
	}
	return ReplySnapshot{ID: r.ID, Content: content.Unavailable}
}

func snapshotOf(m models.Message) ReplySnapshot {
	sender := m.Sender.Username
	if sender == "" {
		sender = "Unknown"
	}
	return ReplySnapshot{
		ID:        m.ID,
		Sender:    sender,
		Content:   content.Snippet(m.Content, content.SnippetLength),
		Available: true,
	}
}

func (t *Timeline) remember(m models.Message) {
	if m.ID != "" && !m.IsDeleted {
		t.snapshots[m.ID] = snapshotOf(m)
	}
}

type fingerprint struct {
	sender  string
	kind    models.MessageKind
	content string
	replyTo string
}

func fingerprintOf(m models.Message) fingerprint {
	kind := m.Kind
	if kind == "" {
		kind = models.MessageKindText
	}
	f := fingerprint{
		sender:  string(m.Sender.ID),
		kind:    kind,
		content: strings.TrimSpace(m.Content),
	}
	if m.ReplyTo != nil {
		f.replyTo = m.ReplyTo.ID
	}
	return f
}

// matchDraft finds the oldest outstanding draft the message could be the
// echo of.
func (t *Timeline) matchDraft(m models.Message) *Entry {
	fp := fingerprintOf(m)
	for _, e := range t.entries {
		if e.confirmed() {
			continue
		}
		if fingerprintOf(e.Message) == fp {
			return e
		}
	}
	return nil
}

func (t *Timeline) confirmInPlace(e *Entry, m models.Message) {
	delete(t.byTemp, e.TempID)
	e.Message = m
	e.Status = StatusConfirmed
	e.Reason = ""
	t.byID[m.ID] = e
	t.remember(m)
}

// insertConfirmed places e after every confirmed entry with an earlier or
// equal timestamp, ahead of trailing drafts.
func (t *Timeline) insertConfirmed(e *Entry) {
	pos := 0
	for i, cur := range t.entries {
		if cur.confirmed() && !cur.Message.CreatedAt.After(e.Message.CreatedAt) {
			pos = i + 1
		}
	}
	t.entries = slices.Insert(t.entries, pos, e)
	t.byID[e.Message.ID] = e
}

func (t *Timeline) remove(e *Entry) {
	if i := slices.Index(t.entries, e); i >= 0 {
		t.entries = slices.Delete(t.entries, i, i+1)
	}
}

// trim drops the oldest confirmed entries beyond MaxRecords.
func (t *Timeline) trim() {
	if t.cfg.MaxRecords <= 0 {
		return
	}
	confirmed := 0
	for _, e := range t.entries {
		if e.confirmed() {
			confirmed++
		}
	}
	for i := 0; confirmed > t.cfg.MaxRecords && i < len(t.entries); {
		e := t.entries[i]
		if !e.confirmed() {
			i++
			continue
		}
		// byID keeps the entry so a late echo is still a duplicate.
		t.entries = slices.Delete(t.entries, i, i+1)
		confirmed--
	}
}

func (t *Timeline) confirmed(tempID string, m models.Message) {
	if t.cfg.OnConfirm != nil {
		t.cfg.OnConfirm(tempID, m)
	}
}

func (t *Timeline) changed() {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange()
	}
}
