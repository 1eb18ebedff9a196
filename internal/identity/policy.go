package identity

import "strings"

// AdminPolicy is the static moderation allow-list for one deployment.
type AdminPolicy struct {
	emails []string
}

func NewAdminPolicy(emails []string) AdminPolicy {
	cleaned := make([]string, 0, len(emails))
	for _, email := range emails {
		if trimmed := strings.TrimSpace(email); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return AdminPolicy{emails: cleaned}
}

// IsAdmin reports exact allow-list membership; an empty email is never an
// admin.
func (p AdminPolicy) IsAdmin(email string) bool {
	if email == "" {
		return false
	}
	for _, candidate := range p.emails {
		if candidate == email {
			return true
		}
	}
	return false
}

func (p AdminPolicy) Emails() []string {
	return append([]string(nil), p.emails...)
}
