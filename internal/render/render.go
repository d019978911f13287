// Package render turns a recipient and a content combination into a
// transport-ready message using literal {{placeholder}} substitution.
package render

import (
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/rotasend/internal/content"
)

// Built-in placeholder names
const (
	PlaceholderEmail        = "email"
	PlaceholderTimestamp    = "timestamp"
	PlaceholderTemplateName = "template_name"
	PlaceholderSubjectText  = "subject_text"
	PlaceholderFromName     = "from_name"
	PlaceholderFromEmail    = "from_email"
)

// TimestampLayout is the format of {{timestamp}}
const TimestampLayout = "2006-01-02 15:04:05"

// messageIDSpace namespaces name-based Message-IDs
var messageIDSpace = uuid.MustParse("6f1c3a52-3d5e-4c1e-9a57-2b4f0f7e9d11")

// Options configures a Renderer
type Options struct {
	Mailer string       // X-Mailer header, empty to omit
	Rules  *HeaderRules // optional header rules
	Now    func() time.Time
}

// Renderer renders messages. It holds no per-message state.
type Renderer struct {
	mailer string
	rules  *HeaderRules
	now    func() time.Time
}

// New creates a renderer
func New(opts Options) *Renderer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Renderer{
		mailer: opts.Mailer,
		rules:  opts.Rules,
		now:    opts.Now,
	}
}

// Render builds the message for one recipient.
//
// Placeholders in the template body, the subject line and header rule
// values are replaced in a single pass: substituted values are never
// scanned again, so recipient-controlled data cannot inject placeholders.
// Unknown placeholders are left as they are.
func (r *Renderer) Render(recipient string, tmpl, subject, sender *content.Variant, extra map[string]string) (*Message, error) {
	if tmpl == nil || subject == nil || sender == nil {
		return nil, errors.New("template, subject and sender are required")
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}

	now := r.now()
	vars := map[string]string{
		PlaceholderEmail:        recipient,
		PlaceholderTimestamp:    now.Format(TimestampLayout),
		PlaceholderTemplateName: tmpl.Name,
		PlaceholderSubjectText:  subject.Text,
		PlaceholderFromName:     sender.Name,
		PlaceholderFromEmail:    sender.Address,
	}
	for k, v := range extra {
		vars[k] = v
	}
	rep := newReplacer(vars)

	msg := &Message{
		From:        sender.Address,
		FromName:    sender.Name,
		To:          recipient,
		Subject:     rep.Replace(subject.Text),
		ContentType: tmpl.ContentType,
		Body:        rep.Replace(tmpl.Body),
		TemplateID:  tmpl.ID,
		SubjectID:   subject.ID,
		SenderID:    sender.ID,
	}
	msg.ID = messageID(msg, now)

	if err := r.finish(msg, now, rep.Replace); err != nil {
		return nil, err
	}
	return msg, nil
}

// Compose builds a message from literal parts without placeholder
// substitution. Used for diagnostic messages.
func (r *Renderer) Compose(sender *content.Variant, to, subject, body, contentType string) (*Message, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}

	now := r.now()
	msg := &Message{
		From:        sender.Address,
		FromName:    sender.Name,
		To:          to,
		Subject:     subject,
		ContentType: contentType,
		Body:        body,
		SenderID:    sender.ID,
	}
	msg.ID = messageID(msg, now)

	if err := r.finish(msg, now, func(s string) string { return s }); err != nil {
		return nil, err
	}
	return msg, nil
}

// finish synthesizes the envelope headers, applies header rules and
// serializes the message
func (r *Renderer) finish(msg *Message, now time.Time, expand func(string) string) error {
	if msg.ContentType == "" {
		msg.ContentType = content.DefaultContentType
	}

	from := (&mail.Address{Name: clean(msg.FromName), Address: msg.From}).String()
	headers := []Header{
		{Name: "From", Value: from},
		{Name: "To", Value: clean(msg.To)},
		{Name: "Subject", Value: mime.QEncoding.Encode("utf-8", clean(msg.Subject))},
		{Name: "Date", Value: now.Format(time.RFC1123Z)},
		{Name: "Message-ID", Value: "<" + msg.ID + ">"},
		{Name: "MIME-Version", Value: "1.0"},
		{Name: "Content-Type", Value: msg.ContentType + "; charset=utf-8"},
		{Name: "Content-Transfer-Encoding", Value: "quoted-printable"},
	}
	if r.mailer != "" {
		headers = append(headers, Header{Name: "X-Mailer", Value: r.mailer})
	}

	headers = applyRules(headers, r.rules.forDomain(msg.Domain()), func(s string) string {
		return clean(expand(s))
	})
	msg.Headers = headers

	data, err := serialize(headers, msg.Body)
	if err != nil {
		return err
	}
	msg.Data = data
	return nil
}

// newReplacer builds a single-pass replacer. Longer tokens are listed
// first so that a token never loses to one of its prefixes.
func newReplacer(vars map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...)
}

// messageID derives a stable id from the message inputs
func messageID(msg *Message, now time.Time) string {
	name := fmt.Sprintf("%s|%s|%d|%d|%d|%s|%s", msg.From, msg.To, msg.TemplateID, msg.SubjectID, msg.SenderID, msg.Subject, now.UTC().Format(time.RFC3339Nano))
	domain := msg.Domain()
	if domain == "" {
		domain = "localhost"
	}
	return uuid.NewSHA1(messageIDSpace, []byte(name)).String() + "@" + domain
}

// clean strips line breaks so header values cannot be split
func clean(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
