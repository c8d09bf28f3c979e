package chat

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"localconnect/internal/content"
	"localconnect/internal/models"
)

var (
	alice = models.User{ID: "u1", Username: "alice"}
	bob   = models.User{ID: "u2", Username: "bob"}
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func newTimeline() (*Timeline, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(t0.Add(time.Hour))
	return New(Config{RoomID: "r1", Self: alice, Clock: mock}), mock
}

func msg(id string, from models.User, text string, at time.Time) models.Message {
	return models.Message{ID: id, RoomID: "r1", Sender: from, Content: text, Kind: models.MessageKindText, CreatedAt: at}
}

func ids(entries []Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Message.ID != "" {
			parts = append(parts, e.Message.ID)
		} else {
			parts = append(parts, "draft:"+e.Message.Content)
		}
	}
	return strings.Join(parts, ",")
}

func TestTimeline_LoadHistory(t *testing.T) {
	tl, _ := newTimeline()

	tl.LoadHistory([]models.Message{
		msg("m2", bob, "second", t0.Add(2*time.Minute)),
		msg("m1", alice, "first", t0.Add(time.Minute)),
		msg("m2", bob, "second", t0.Add(2*time.Minute)),
		msg("m3", bob, "tie", t0.Add(2*time.Minute)),
	})

	if got := ids(tl.VisibleSequence()); got != "m1,m2,m3" {
		t.Errorf("unexpected order %s", got)
	}
}

func TestTimeline_NoDuplicates(t *testing.T) {
	tl, _ := newTimeline()
	tl.LoadHistory([]models.Message{msg("m1", bob, "hello", t0)})

	if r := tl.ApplyIncoming(msg("m1", bob, "hello", t0)); r != Duplicate {
		t.Errorf("expected Duplicate, got %v", r)
	}
	if r := tl.ApplyIncoming(msg("m2", bob, "again", t0.Add(time.Second))); r != Inserted {
		t.Errorf("expected Inserted, got %v", r)
	}
	if r := tl.ApplyIncoming(msg("m2", bob, "again", t0.Add(time.Second))); r != Duplicate {
		t.Errorf("expected Duplicate, got %v", r)
	}

	other := msg("m9", bob, "elsewhere", t0)
	other.RoomID = "r2"
	if r := tl.ApplyIncoming(other); r != Ignored {
		t.Errorf("expected Ignored for other room, got %v", r)
	}
	if r := tl.ApplyIncoming(msg("", bob, "no id", t0)); r != Ignored {
		t.Errorf("expected Ignored for missing id, got %v", r)
	}

	if got := ids(tl.VisibleSequence()); got != "m1,m2" {
		t.Errorf("unexpected sequence %s", got)
	}
}

func TestTimeline_EchoConfirmsInPlace(t *testing.T) {
	tl, _ := newTimeline()
	tl.LoadHistory([]models.Message{msg("m1", bob, "hi", t0)})

	var confirmed []string
	tl.cfg.OnConfirm = func(tempID string, m models.Message) {
		confirmed = append(confirmed, tempID+"="+m.ID)
	}

	first := tl.ApplyOptimistic(models.Draft{Content: "one"})
	second := tl.ApplyOptimistic(models.Draft{Content: "two"})
	if !strings.HasPrefix(first, "tmp-") || first == second {
		t.Fatalf("unexpected temp ids %q %q", first, second)
	}

	// Another user's message lands before the drafts.
	tl.ApplyIncoming(msg("m2", bob, "interleaved", t0.Add(time.Minute)))
	if got := ids(tl.VisibleSequence()); got != "m1,m2,draft:one,draft:two" {
		t.Fatalf("unexpected sequence %s", got)
	}

	// Echo of the second draft with surrounding whitespace.
	if r := tl.ApplyIncoming(msg("m4", alice, "  two ", t0.Add(3*time.Minute))); r != Confirmed {
		t.Fatalf("expected Confirmed, got %v", r)
	}
	if r := tl.ApplyIncoming(msg("m3", alice, "one", t0.Add(2*time.Minute))); r != Confirmed {
		t.Fatalf("expected Confirmed, got %v", r)
	}

	seq := tl.VisibleSequence()
	if got := ids(seq); got != "m1,m2,m3,m4" {
		t.Errorf("confirmation moved entries: %s", got)
	}
	if seq[2].TempID != first || seq[3].TempID != second {
		t.Errorf("confirmed entries lost temp ids: %+v", seq)
	}
	if len(tl.Pending()) != 0 {
		t.Errorf("expected no pending drafts")
	}
	if len(confirmed) != 2 || confirmed[0] != second+"=m4" {
		t.Errorf("unexpected confirm callbacks %v", confirmed)
	}

	// A repeated echo is a duplicate.
	if r := tl.ApplyIncoming(msg("m3", alice, "one", t0.Add(2*time.Minute))); r != Duplicate {
		t.Errorf("expected Duplicate, got %v", r)
	}
}

func TestTimeline_OldestDraftMatchedFirst(t *testing.T) {
	tl, _ := newTimeline()

	first := tl.ApplyOptimistic(models.Draft{Content: "same"})
	second := tl.ApplyOptimistic(models.Draft{Content: "same"})

	tl.ApplyIncoming(msg("m1", alice, "same", t0))

	pending := tl.Pending()
	if len(pending) != 1 || pending[0].TempID != second {
		t.Fatalf("expected second draft pending, got %+v", pending)
	}
	seq := tl.VisibleSequence()
	if seq[0].TempID != first || seq[0].Message.ID != "m1" {
		t.Errorf("oldest draft not confirmed: %+v", seq[0])
	}
}

func TestTimeline_FingerprintMismatchFailsOpen(t *testing.T) {
	tl, _ := newTimeline()
	tl.ApplyOptimistic(models.Draft{Content: "hello", ReplyTo: "m0"})

	// Same text without the reply target is not the echo.
	if r := tl.ApplyIncoming(msg("m1", alice, "hello", t0)); r != Inserted {
		t.Errorf("expected Inserted, got %v", r)
	}
	// Same text from someone else is not the echo either.
	if r := tl.ApplyIncoming(msg("m2", bob, "hello", t0)); r != Inserted {
		t.Errorf("expected Inserted, got %v", r)
	}
	if len(tl.Pending()) != 1 {
		t.Errorf("draft should still be pending")
	}
}

func TestTimeline_Confirm(t *testing.T) {
	tl, _ := newTimeline()
	tl.LoadHistory([]models.Message{msg("m1", bob, "hi", t0)})

	tempID := tl.ApplyOptimistic(models.Draft{Content: "via rest"})
	if err := tl.Confirm(tempID, msg("m2", alice, "via rest", t0.Add(time.Minute))); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	seq := tl.VisibleSequence()
	if ids(seq) != "m1,m2" || seq[1].Status != StatusConfirmed || seq[1].TempID != tempID {
		t.Errorf("unexpected sequence after confirm: %+v", seq)
	}

	// The echo arrived before the REST response: the draft is removed.
	raced := tl.ApplyOptimistic(models.Draft{Content: "raced", ReplyTo: "m1"})
	tl.ApplyIncoming(msg("m3", bob, "unrelated", t0.Add(2*time.Minute)))
	echo := msg("m4", alice, "raced", t0.Add(3*time.Minute))
	tl.LoadHistory([]models.Message{msg("m1", bob, "hi", t0), msg("m2", alice, "via rest", t0.Add(time.Minute)), msg("m3", bob, "unrelated", t0.Add(2*time.Minute)), echo})
	if err := tl.Confirm(raced, echo); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if got := ids(tl.VisibleSequence()); got != "m1,m2,m3,m4" {
		t.Errorf("unexpected sequence %s", got)
	}

	// Unknown temp id inserts.
	if err := tl.Confirm("tmp-missing", msg("m5", alice, "late", t0.Add(4*time.Minute))); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if got := ids(tl.VisibleSequence()); got != "m1,m2,m3,m4,m5" {
		t.Errorf("unexpected sequence %s", got)
	}

	if err := tl.Confirm(tempID, models.Message{}); err == nil {
		t.Error("expected error for message without id")
	}
}

func TestTimeline_FailedDrafts(t *testing.T) {
	tl, _ := newTimeline()

	tempID := tl.ApplyOptimistic(models.Draft{Content: "retry me"})
	if err := tl.MarkFailed(tempID, "server unavailable"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	e, ok := tl.Lookup(tempID)
	if !ok || e.Status != StatusFailed || e.Reason != "server unavailable" || e.Draft.Content != "retry me" {
		t.Fatalf("unexpected entry %+v", e)
	}

	// An echo for a failed draft still confirms it.
	if r := tl.ApplyIncoming(msg("m1", alice, "retry me", t0)); r != Confirmed {
		t.Errorf("expected Confirmed, got %v", r)
	}

	if err := tl.MarkFailed("tmp-unknown", "x"); err != ErrUnknownDraft {
		t.Errorf("expected ErrUnknownDraft, got %v", err)
	}
	if err := tl.MarkPending(tempID); err != ErrUnknownDraft {
		t.Errorf("confirmed draft should no longer be addressable, got %v", err)
	}

	other := tl.ApplyOptimistic(models.Draft{Content: "drop me"})
	if err := tl.Discard(other); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if err := tl.Discard(other); err != ErrUnknownDraft {
		t.Errorf("expected ErrUnknownDraft, got %v", err)
	}
	if got := ids(tl.VisibleSequence()); got != "m1" {
		t.Errorf("unexpected sequence %s", got)
	}
}

func TestTimeline_RestoreFailed(t *testing.T) {
	tl, _ := newTimeline()
	tl.LoadHistory([]models.Message{msg("m1", bob, "hi", t0)})

	tl.RestoreFailed("tmp-1", models.Draft{Content: "from outbox"}, t0.Add(-time.Hour), "offline")
	tl.RestoreFailed("tmp-1", models.Draft{Content: "from outbox"}, t0.Add(-time.Hour), "offline")

	pending := tl.Pending()
	if len(pending) != 1 || pending[0].Status != StatusFailed || pending[0].Message.RoomID != "r1" {
		t.Fatalf("unexpected pending %+v", pending)
	}
	if got := ids(tl.VisibleSequence()); got != "m1,draft:from outbox" {
		t.Errorf("restored draft should trail history, got %s", got)
	}
}

func TestTimeline_HistoryKeepsLiveAndDrafts(t *testing.T) {
	tl, _ := newTimeline()

	tl.ApplyIncoming(msg("live", bob, "pushed early", t0.Add(90*time.Second)))
	tl.ApplyOptimistic(models.Draft{Content: "mine"})

	tl.LoadHistory([]models.Message{
		msg("m1", bob, "one", t0.Add(time.Minute)),
		msg("m2", bob, "two", t0.Add(2*time.Minute)),
	})

	if got := ids(tl.VisibleSequence()); got != "m1,live,m2,draft:mine" {
		t.Errorf("unexpected sequence %s", got)
	}
}

func TestTimeline_ReplySnapshots(t *testing.T) {
	tl, _ := newTimeline()

	long := strings.Repeat("word ", 20)
	tl.LoadHistory([]models.Message{msg("m1", bob, "<b>"+long+"</b>", t0)})

	reply := msg("m2", alice, "answer", t0.Add(time.Minute))
	reply.ReplyTo = &models.ReplyRef{ID: "m1"}
	tl.ApplyIncoming(reply)

	server := msg("m3", bob, "old thread", t0.Add(2*time.Minute))
	server.ReplyTo = &models.ReplyRef{ID: "gone", Content: "from server", Sender: alice}
	tl.ApplyIncoming(server)

	orphan := msg("m4", bob, "orphan", t0.Add(3*time.Minute))
	orphan.ReplyTo = &models.ReplyRef{ID: "never-seen"}
	tl.ApplyIncoming(orphan)

	seq := tl.VisibleSequence()
	r := seq[1].Reply
	if r == nil || r.Sender != "bob" || !r.Available || !strings.HasSuffix(r.Content, "…") || strings.Contains(r.Content, "<b>") {
		t.Errorf("unexpected live snapshot %+v", r)
	}
	if r := seq[2].Reply; r == nil || r.Content != "from server" || r.Sender != "alice" {
		t.Errorf("unexpected server snapshot %+v", r)
	}
	if r := seq[3].Reply; r == nil || r.Available || r.Content != content.Unavailable {
		t.Errorf("unexpected placeholder %+v", r)
	}

	// Deleting the target keeps its last-known snapshot for the reply.
	if !tl.MarkDeleted("m1") {
		t.Fatal("MarkDeleted returned false")
	}
	seq = tl.VisibleSequence()
	if ids(seq) != "m2,m3,m4" {
		t.Fatalf("deleted message still visible: %s", ids(seq))
	}
	if r := seq[0].Reply; r == nil || r.Sender != "bob" || !r.Available {
		t.Errorf("snapshot lost after delete: %+v", r)
	}
}

func TestTimeline_ApplyEdit(t *testing.T) {
	tl, _ := newTimeline()
	tl.LoadHistory([]models.Message{msg("m1", bob, "typo", t0)})

	if !tl.ApplyEdit(models.Message{ID: "m1", Content: "fixed"}) {
		t.Fatal("ApplyEdit returned false")
	}
	seq := tl.VisibleSequence()
	if seq[0].Message.Content != "fixed" || !seq[0].Message.IsEdited {
		t.Errorf("edit not applied: %+v", seq[0].Message)
	}
	if tl.ApplyEdit(models.Message{ID: "nope"}) {
		t.Error("ApplyEdit of unknown message returned true")
	}
}

func TestTimeline_MaxRecords(t *testing.T) {
	tl := New(Config{RoomID: "r1", Self: alice, MaxRecords: 3})

	for i := range 5 {
		tl.ApplyIncoming(msg(fmt.Sprintf("m%d", i), bob, "x", t0.Add(time.Duration(i)*time.Second)))
	}
	tl.ApplyOptimistic(models.Draft{Content: "kept"})

	if got := ids(tl.VisibleSequence()); got != "m2,m3,m4,draft:kept" {
		t.Errorf("unexpected sequence %s", got)
	}
	if r := tl.ApplyIncoming(msg("m0", bob, "x", t0)); r != Duplicate {
		t.Errorf("trimmed message echo should be a duplicate, got %v", r)
	}
}

func TestTimeline_OnChange(t *testing.T) {
	changes := 0
	tl := New(Config{RoomID: "r1", Self: alice, OnChange: func() { changes++ }})

	tl.LoadHistory(nil)
	id := tl.ApplyOptimistic(models.Draft{Content: "a"})
	_ = tl.MarkFailed(id, "x")
	tl.ApplyIncoming(msg("m1", bob, "b", t0))
	tl.ApplyIncoming(msg("m1", bob, "b", t0))

	if changes != 4 {
		t.Errorf("expected 4 changes, got %d", changes)
	}
}
