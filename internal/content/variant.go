// Package content holds the interchangeable message variants (templates,
// subjects and sender identities) and the rotation logic that picks one
// variant per axis for every recipient.
package content

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Kind identifies one rotation axis
type Kind string

const (
	KindTemplate Kind = "template"
	KindSubject  Kind = "subject"
	KindSender   Kind = "sender"
)

// Kinds lists all rotation axes in a stable order
var Kinds = []Kind{KindTemplate, KindSubject, KindSender}

// ParseKind parses a kind name as used on the command line
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "template", "templates":
		return KindTemplate, nil
	case "subject", "subjects":
		return KindSubject, nil
	case "sender", "senders", "from", "from-line":
		return KindSender, nil
	}
	return "", fmt.Errorf("unknown content kind %q (must be template, subject or sender)", s)
}

// Default content type for templates
const DefaultContentType = "text/html"

// Variant is one interchangeable piece of content.
//
// Which fields are meaningful depends on Kind:
//   - template: Name, Body, ContentType
//   - subject:  Text
//   - sender:   Name (display name), Address
type Variant struct {
	ID          int64     `json:"id"`
	Kind        Kind      `json:"kind"`
	Name        string    `json:"name,omitempty"`
	Body        string    `json:"body,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Text        string    `json:"text,omitempty"`
	Address     string    `json:"address,omitempty"`
	Active      bool      `json:"active"`
	Weight      int       `json:"weight"`
	CreatedAt   time.Time `json:"created_at"`
}

// EffectiveWeight returns the weight used for selection (never below 1)
func (v *Variant) EffectiveWeight() int {
	if v.Weight < 1 {
		return 1
	}
	return v.Weight
}

// Label returns a short human readable description
func (v *Variant) Label() string {
	switch v.Kind {
	case KindTemplate:
		return v.Name
	case KindSubject:
		return v.Text
	case KindSender:
		if v.Name == "" {
			return v.Address
		}
		return fmt.Sprintf("%s <%s>", v.Name, v.Address)
	}
	return ""
}

// Validate checks that the variant carries the payload its kind requires
func (v *Variant) Validate() error {
	if v.Weight < 1 {
		return fmt.Errorf("weight must be >= 1, got %d", v.Weight)
	}

	switch v.Kind {
	case KindTemplate:
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("template name is required")
		}
		if v.Body == "" {
			return fmt.Errorf("template body is required")
		}
	case KindSubject:
		if strings.TrimSpace(v.Text) == "" {
			return fmt.Errorf("subject text is required")
		}
	case KindSender:
		if _, err := mail.ParseAddress(v.Address); err != nil {
			return fmt.Errorf("invalid sender address %q: %w", v.Address, err)
		}
	default:
		return fmt.Errorf("unknown content kind %q", v.Kind)
	}

	return nil
}
