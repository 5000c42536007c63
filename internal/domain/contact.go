package domain

import (
	"net/mail"
	"strings"
	"time"
)

// Contact is a person at an Organization, keyed by normalized email.
type Contact struct {
	ID            string    `json:"id" db:"id"`
	OrgID         string    `json:"org_id" db:"org_id"`
	Name          string    `json:"name,omitempty" db:"name"`
	Title         string    `json:"title,omitempty" db:"title"`
	Email         string    `json:"email" db:"email"`
	EmailVerified bool      `json:"email_verified" db:"email_verified"`
	Phone         string    `json:"phone,omitempty" db:"phone"`
	LinkedInURL   string    `json:"linkedin_url,omitempty" db:"linkedin_url"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ContactCandidate is an unvalidated contact supplied by a collaborator.
type ContactCandidate struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Email       string `json:"email"`
	Verified    bool   `json:"verified,omitempty"`
	Phone       string `json:"phone,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
}

// Normalize validates the candidate and lower-cases its email.
func (c *ContactCandidate) Normalize() error {
	e, err := NormalizeEmail(c.Email)
	if err != nil {
		return err
	}
	c.Email = e
	c.Name = strings.TrimSpace(c.Name)
	c.Title = strings.TrimSpace(c.Title)
	c.Phone = strings.TrimSpace(c.Phone)
	return nil
}

// NormalizeEmail returns the dedup key for an email address.
func NormalizeEmail(raw string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(raw))
	if e == "" {
		return "", invalid("email", "empty")
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", invalid("email", "malformed %q", raw)
	}
	at := strings.LastIndex(e, "@")
	if at <= 0 || !strings.Contains(e[at+1:], ".") {
		return "", invalid("email", "malformed %q", raw)
	}
	return e, nil
}

// EmailDomain returns the host part of a normalized email.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}
