package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"localconnect/internal/chat"
	"localconnect/internal/content"
	"localconnect/internal/models"
)

var ErrUsage = errors.New("usage")

// Session is the part of the session orchestrator the shell drives.
type Session interface {
	SelectRoom(ctx context.Context, roomID string) error
	LeaveRoom()
	Reconnect(ctx context.Context) error
	SendMessage(ctx context.Context, d models.Draft) (string, error)
	Retry(ctx context.Context, tempID string) error
	Discard(tempID string) error
	Typing()
	EditMessage(ctx context.Context, messageID, content string) error
	DeleteMessage(ctx context.Context, messageID string) error
	Participants(ctx context.Context) ([]models.Participant, error)
	AddParticipant(ctx context.Context, userID string) error
	RemoveParticipant(ctx context.Context, participantID string) error
	UpdateRole(ctx context.Context, participantID string, role models.Role) error
	Timeline() []chat.Entry
	ActiveRoom() string
	Role() models.Role
	Degraded() bool
}

type Rooms interface {
	Rooms(ctx context.Context) ([]models.Room, error)
	CreateRoom(ctx context.Context, name string, kind models.RoomKind, participantIDs []string) (models.Room, error)
}

type Notifications interface {
	Refresh(ctx context.Context) error
	List() []models.Notification
	UnreadCount() int
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) (int, error)
}

// Shell reads commands line by line. Lines that do not start with a slash
// are sent to the active room.
type Shell struct {
	sess  Session
	rooms Rooms
	notes Notifications

	mu  *sync.Mutex
	out io.Writer
}

// NewShell writes to out under mu, which it shares with the Printer.
func NewShell(sess Session, rooms Rooms, notes Notifications, mu *sync.Mutex, out io.Writer) *Shell {
	return &Shell{sess: sess, rooms: rooms, notes: notes, mu: mu, out: out}
}

// Run executes commands from in until /quit, end of input or ctx is done.
func (sh *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			quit, err := sh.Exec(ctx, line)
			if err != nil {
				sh.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Exec runs a single command line.
func (sh *Shell) Exec(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := sh.sess.SendMessage(ctx, models.Draft{Content: line})
		return false, err
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		sh.printf("%s", help)
		return false, nil
	case "rooms":
		return false, sh.listRooms(ctx)
	case "create":
		kind, name, ok := splitFirst(rest)
		if !ok {
			return false, fmt.Errorf("%w: /create <community|private|event> <name>", ErrUsage)
		}
		r, err := sh.rooms.CreateRoom(ctx, name, models.RoomKind(strings.ToLower(kind)), nil)
		if err != nil {
			return false, err
		}
		sh.printf("created %s  %s (%s)\n", r.ID, content.Sanitize(r.Name), r.Kind)
		return false, nil
	case "room":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /room <id>", ErrUsage)
		}
		if err := sh.sess.SelectRoom(ctx, args[0]); err != nil {
			return false, err
		}
		sh.printf("joined %s as %s\n", args[0], sh.sess.Role())
		return false, nil
	case "leave":
		sh.sess.LeaveRoom()
		return false, nil
	case "reconnect":
		return false, sh.sess.Reconnect(ctx)
	case "history":
		sh.printHistory()
		return false, nil
	case "typing":
		sh.sess.Typing()
		return false, nil
	case "reply":
		id, text, ok := splitFirst(rest)
		if !ok {
			return false, fmt.Errorf("%w: /reply <message id> <text>", ErrUsage)
		}
		_, err := sh.sess.SendMessage(ctx, models.Draft{Content: text, ReplyTo: id})
		return false, err
	case "attach":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: /attach <path> <url>", ErrUsage)
		}
		d, err := attachment(args[0], args[1])
		if err != nil {
			return false, err
		}
		_, err = sh.sess.SendMessage(ctx, d)
		return false, err
	case "edit":
		id, text, ok := splitFirst(rest)
		if !ok {
			return false, fmt.Errorf("%w: /edit <message id> <text>", ErrUsage)
		}
		return false, sh.sess.EditMessage(ctx, id, text)
	case "delete":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /delete <message id>", ErrUsage)
		}
		return false, sh.sess.DeleteMessage(ctx, args[0])
	case "retry":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /retry <temp id>", ErrUsage)
		}
		return false, sh.sess.Retry(ctx, args[0])
	case "discard":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /discard <temp id>", ErrUsage)
		}
		return false, sh.sess.Discard(args[0])
	case "who":
		return false, sh.listParticipants(ctx)
	case "add":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /add <user id>", ErrUsage)
		}
		return false, sh.sess.AddParticipant(ctx, args[0])
	case "kick":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /kick <participant id>", ErrUsage)
		}
		return false, sh.sess.RemoveParticipant(ctx, args[0])
	case "role":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: /role <participant id> <admin|moderator|member>", ErrUsage)
		}
		return false, sh.sess.UpdateRole(ctx, args[0], models.Role(strings.ToLower(args[1])))
	case "notifications":
		if err := sh.notes.Refresh(ctx); err != nil {
			return false, err
		}
		sh.printNotifications()
		return false, nil
	case "read":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /read <notification id|all>", ErrUsage)
		}
		if args[0] == "all" {
			return false, sh.notes.MarkAllRead(ctx)
		}
		return false, sh.notes.MarkRead(ctx, args[0])
	case "dismiss":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /dismiss <notification id>", ErrUsage)
		}
		return false, sh.notes.Delete(ctx, args[0])
	case "clear":
		n, err := sh.notes.ClearAll(ctx)
		if err != nil {
			return false, err
		}
		sh.printf("deleted %d notifications\n", n)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command /%s, try /help", name)
	}
}

func (sh *Shell) listRooms(ctx context.Context) error {
	rooms, err := sh.rooms.Rooms(ctx)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, r := range rooms {
		line := fmt.Sprintf("%s  %s (%s, %d members)", r.ID, content.Sanitize(r.Name), r.Kind, r.ParticipantCount)
		if r.UnreadCount > 0 {
			line += fmt.Sprintf(" [%d unread]", r.UnreadCount)
		}
		_, _ = fmt.Fprintln(sh.out, line)
	}
	return nil
}

func (sh *Shell) listParticipants(ctx context.Context) error {
	ps, err := sh.sess.Participants(ctx)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, p := range ps {
		_, _ = fmt.Fprintf(sh.out, "%s  %s (%s)\n", p.ID, p.User.Username, p.Role)
	}
	return nil
}

func (sh *Shell) printHistory() {
	entries := sh.sess.Timeline()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sess.Degraded() {
		_, _ = fmt.Fprintln(sh.out, "(offline: messages are sent through the API)")
	}
	for _, e := range entries {
		_, _ = fmt.Fprint(sh.out, formatEntry(e))
	}
}

func (sh *Shell) printNotifications() {
	list := sh.notes.List()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, _ = fmt.Fprintf(sh.out, "%d unread\n", sh.notes.UnreadCount())
	for _, n := range list {
		mark := " "
		if !n.IsRead {
			mark = "*"
		}
		line := fmt.Sprintf("%s %s  [%s] %s", mark, n.ID, n.Type, content.Snippet(n.Title, 80))
		switch {
		case n.Data.RoomID != "":
			line += fmt.Sprintf(" (room %s)", n.Data.RoomID)
		case n.Data.PostID != "":
			line += fmt.Sprintf(" (post %s)", n.Data.PostID)
		}
		_, _ = fmt.Fprintln(sh.out, line)
	}
}

func (sh *Shell) printf(format string, a ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, _ = fmt.Fprintf(sh.out, format, a...)
}

// attachment builds a draft for a file already uploaded to url; the local
// copy at path is only read to classify it.
func attachment(path, url string) (models.Draft, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Draft{}, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return models.Draft{}, err
	}
	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return models.Draft{}, err
	}

	name := filepath.Base(path)
	return models.Draft{
		Content:  name,
		Kind:     content.KindOf(head[:n]),
		FileURL:  url,
		FileName: name,
		FileSize: st.Size(),
	}, nil
}

func splitFirst(s string) (string, string, bool) {
	first, rest, ok := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	return first, rest, ok && first != "" && rest != ""
}

const help = `commands:
  /rooms                      list rooms
  /create <type> <name>       create a room (community, private, event)
  /room <id>                  open a room
  /leave                      close the current room
  /history                    print the current room
  <text>                      send a message
  /reply <id> <text>          reply to a message
  /attach <path> <url>        send an uploaded file
  /edit <id> <text>           edit a message
  /delete <id>                delete a message
  /retry <temp id>            resend a failed message
  /discard <temp id>          drop a failed message
  /typing                     announce typing
  /reconnect                  reopen the room socket
  /who                        list participants
  /add <user id>              add a participant (admin)
  /kick <participant id>      remove a participant (admin)
  /role <participant id> <r>  change a role (admin)
  /notifications              show notifications
  /read <id|all>              mark notifications read
  /dismiss <id>               delete a notification
  /clear                      delete all notifications
  /quit
`
