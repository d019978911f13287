package render

import (
	"bytes"
	"fmt"
	"mime/quotedprintable"
	"strings"
)

// Header is a single message header; order is preserved on output
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is a fully rendered message ready for a transport
type Message struct {
	ID          string   `json:"id"`
	From        string   `json:"from"` // envelope sender
	FromName    string   `json:"from_name,omitempty"`
	To          string   `json:"to"` // envelope recipient
	Subject     string   `json:"subject"`
	ContentType string   `json:"content_type"`
	Headers     []Header `json:"headers"`
	Body        string   `json:"body"`
	Data        []byte   `json:"-"` // RFC 5322 bytes

	TemplateID int64 `json:"template_id,omitempty"`
	SubjectID  int64 `json:"subject_id,omitempty"`
	SenderID   int64 `json:"sender_id,omitempty"`
}

// Header returns the first header value with the given name
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Domain returns the domain of the envelope sender
func (m *Message) Domain() string {
	at := strings.LastIndex(m.From, "@")
	if at < 0 || at == len(m.From)-1 {
		return ""
	}
	return strings.ToLower(m.From[at+1:])
}

// serialize writes headers with CRLF line endings followed by a
// quoted-printable body
func serialize(headers []Header, body string) ([]byte, error) {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), nil
}
