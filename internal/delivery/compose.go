package delivery

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/foxzi/outreach/internal/email"
)

// Message is a rendered outreach email for one recipient
type Message struct {
	From     string
	FromName string
	To       string
	ToName   string
	Subject  string
	HTML     string
	Text     string
	Headers  map[string]string
}

// Compose builds the MIME message. A Message-ID and a mailto
// List-Unsubscribe header are added unless supplied.
func Compose(msg *Message, now time.Time) ([]byte, error) {
	if msg.HTML == "" && msg.Text == "" {
		return nil, fmt.Errorf("message has no body")
	}

	b := enmime.Builder().
		From(msg.FromName, msg.From).
		To(msg.ToName, msg.To).
		Subject(msg.Subject).
		Date(now)

	if msg.Text != "" {
		b = b.Text([]byte(msg.Text))
	}
	if msg.HTML != "" {
		b = b.HTML([]byte(msg.HTML))
	}

	headers := map[string]string{
		"Message-ID":       fmt.Sprintf("<%s@%s>", uuid.New().String(), email.ExtractDomain(msg.From)),
		"List-Unsubscribe": fmt.Sprintf("<mailto:%s?subject=unsubscribe>", msg.From),
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = b.Header(k, headers[k])
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
