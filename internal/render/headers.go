package render

import "strings"

// RuleAction defines the type of header manipulation
type RuleAction string

const (
	ActionRemove  RuleAction = "remove"
	ActionReplace RuleAction = "replace"
	ActionAdd     RuleAction = "add"
)

// HeaderRule manipulates the rendered header list
type HeaderRule struct {
	Action  RuleAction `yaml:"action" json:"action"`
	Headers []string   `yaml:"headers,omitempty" json:"headers,omitempty"` // remove
	Header  string     `yaml:"header,omitempty" json:"header,omitempty"`   // replace, add
	Value   string     `yaml:"value,omitempty" json:"value,omitempty"`     // replace, add
}

// HeaderRules holds global rules and rules keyed by sender domain.
// Values may contain placeholders.
type HeaderRules struct {
	Global  []HeaderRule            `yaml:"global,omitempty" json:"global,omitempty"`
	Domains map[string][]HeaderRule `yaml:"domains,omitempty" json:"domains,omitempty"`
}

// forDomain returns global rules followed by the sender domain's rules
func (c *HeaderRules) forDomain(domain string) []HeaderRule {
	if c == nil {
		return nil
	}
	rules := append([]HeaderRule(nil), c.Global...)
	if dr, ok := c.Domains[strings.ToLower(domain)]; ok {
		rules = append(rules, dr...)
	}
	return rules
}

// protected headers are owned by the renderer and never touched by rules
var protected = map[string]bool{
	"from":                      true,
	"to":                        true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}

func applyRules(headers []Header, rules []HeaderRule, expand func(string) string) []Header {
	for _, rule := range rules {
		switch rule.Action {
		case ActionRemove:
			for _, name := range rule.Headers {
				headers = removeHeader(headers, name)
			}
		case ActionReplace:
			if rule.Header == "" || protected[strings.ToLower(rule.Header)] {
				continue
			}
			value := expand(rule.Value)
			replaced := false
			for i := range headers {
				if strings.EqualFold(headers[i].Name, rule.Header) {
					headers[i].Value = value
					replaced = true
				}
			}
			if !replaced {
				headers = append(headers, Header{Name: rule.Header, Value: value})
			}
		case ActionAdd:
			if rule.Header == "" || protected[strings.ToLower(rule.Header)] {
				continue
			}
			headers = append(headers, Header{Name: rule.Header, Value: expand(rule.Value)})
		}
	}
	return headers
}

func removeHeader(headers []Header, name string) []Header {
	if protected[strings.ToLower(name)] {
		return headers
	}
	out := headers[:0]
	for _, h := range headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}
