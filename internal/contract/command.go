package contract

import "strings"

// Command is what a device receives from the pull endpoint. An empty ID means
// the server had nothing pending (the wire body was `{}`).
type Command struct {
	ID    string `json:"id,omitempty"`
	Phone string `json:"phone,omitempty"`

	// Refs are opaque CRM record references (contact, task, ...). Devices
	// pass them through untouched.
	Refs map[string]string `json:"refs,omitempty"`
}

func (c Command) Empty() bool { return c.ID == "" }

// Ack is the success body of update and the device plumbing endpoints.
type Ack struct {
	OK bool `json:"ok"`
}

// ValidPhone accepts digits with an optional leading '+' and the usual
// separators. It is applied both when a command is created and before a
// device dials, so a number never reaches a shell or dialer unchecked.
func ValidPhone(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" || len(p) > 32 {
		return false
	}
	digits := 0
	for i, r := range p {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}
