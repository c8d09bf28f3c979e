package content

import (
	"bytes"
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"localconnect/internal/models"
)

// Unavailable is shown in place of a reply target the client cannot resolve.
const Unavailable = "Message content unavailable"

// SnippetLength is the rune budget of a reply preview.
const SnippetLength = 50

var (
	markdown      = goldmark.New()
	policy        = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._@+-]+$`)
	spaceRegex    = regexp.MustCompile(`\s+`)
)

// Sanitize strips all markup from server-supplied text so it can be printed
// to a terminal. Entities escaped by the policy are decoded back.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// Render formats a markdown message body as plain terminal text.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Sanitize(input)
	}
	return strings.TrimSpace(Sanitize(buf.String()))
}

// Snippet returns the sanitised content collapsed to a single line and cut
// to at most n runes, with an ellipsis when truncated.
func Snippet(input string, n int) string {
	s := strings.TrimSpace(spaceRegex.ReplaceAllString(Sanitize(input), " "))
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}

// KindOf classifies an attachment by its leading bytes.
func KindOf(head []byte) models.MessageKind {
	if filetype.IsImage(head) {
		return models.MessageKindImage
	}
	return models.MessageKindFile
}

// ValidateUsername checks a username before it is sent to the server
// (alphanumeric plus . _ @ + -, not empty).
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore, @, +)")
	}
	return nil
}
