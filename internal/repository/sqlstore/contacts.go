package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/leadengine/internal/domain"
)

const contactColumns = `id, org_id, name, title, email, email_verified, phone, linkedin_url, created_at, updated_at`

func scanContact(r rowScanner) (*domain.Contact, error) {
	var c domain.Contact
	err := r.Scan(&c.ID, &c.OrgID, &c.Name, &c.Title, &c.Email, &c.EmailVerified, &c.Phone, &c.LinkedInURL, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// UpsertContact merges a candidate on its normalized email. The contact
// stays owned by the organization that first inserted it: naming another
// organization fails with ErrConflict. Creating a contact for a suppressed
// email fails with ErrSuppressed; merging an existing one is still allowed
// so enrichment never resurrects outreach.
func (s *Store) UpsertContact(ctx context.Context, orgID string, c domain.ContactCandidate) (contact *domain.Contact, created bool, err error) {
	if err := c.Normalize(); err != nil {
		return nil, false, err
	}
	now := s.clock()
	err = s.inTx(ctx, "upsert contact", func(tx *sql.Tx) error {
		if _, err := s.lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}
		existing, err := scanContact(s.queryRow(ctx, tx, `SELECT `+contactColumns+` FROM contacts WHERE email = ?`+s.forUpdate(), c.Email))
		switch {
		case err == sql.ErrNoRows:
			suppressed, err := s.isSuppressed(ctx, tx, c.Email)
			if err != nil {
				return err
			}
			if suppressed {
				return fmt.Errorf("contact %s: %w", c.Email, domain.ErrSuppressed)
			}
			id := uuid.NewString()
			_, err = s.exec(ctx, tx, `
				INSERT INTO contacts (id, org_id, name, title, email, email_verified, phone, linkedin_url, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, orgID, c.Name, c.Title, c.Email, c.Verified, c.Phone, c.LinkedInURL, now, now)
			if err != nil {
				return err
			}
			created = true
			contact = &domain.Contact{
				ID: id, OrgID: orgID, Name: c.Name, Title: c.Title, Email: c.Email, EmailVerified: c.Verified,
				Phone: c.Phone, LinkedInURL: c.LinkedInURL, CreatedAt: now, UpdatedAt: now,
			}
		case err != nil:
			return err
		default:
			if existing.OrgID != orgID {
				return fmt.Errorf("contact %s belongs to organization %s: %w", c.Email, existing.OrgID, domain.ErrConflict)
			}
			_, err = s.exec(ctx, tx, `
				UPDATE contacts SET
					name = CASE WHEN ? <> '' THEN ? ELSE name END,
					title = CASE WHEN ? <> '' THEN ? ELSE title END,
					email_verified = (email_verified OR ?),
					phone = CASE WHEN ? <> '' THEN ? ELSE phone END,
					linkedin_url = CASE WHEN ? <> '' THEN ? ELSE linkedin_url END,
					updated_at = ?
				WHERE id = ?`,
				c.Name, c.Name, c.Title, c.Title, c.Verified, c.Phone, c.Phone, c.LinkedInURL, c.LinkedInURL, now, existing.ID)
			if err != nil {
				return err
			}
			contact, err = scanContact(s.queryRow(ctx, tx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, existing.ID))
			if err != nil {
				return err
			}
		}
		detail := "merged"
		if created {
			detail = "created"
		}
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: orgID, SubjectID: contact.ID, Action: domain.ActionUpsertContact,
			Outcome: domain.OutcomeApplied, Detail: detail,
		})
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionUpsertContact, orgID, c.Email, err)
		return nil, false, err
	}
	return contact, created, nil
}

// GetContact loads a contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	c, err := scanContact(s.queryRow(ctx, s.db, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get contact", err)
	}
	return c, nil
}

// GetContactByEmail loads a contact by normalized email.
func (s *Store) GetContactByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	c, err := scanContact(s.queryRow(ctx, s.db, `SELECT `+contactColumns+` FROM contacts WHERE email = ?`, email))
	if err != nil {
		return nil, wrap("get contact by email", err)
	}
	return c, nil
}

// ListContacts returns the contacts of an organization.
func (s *Store) ListContacts(ctx context.Context, orgID string) ([]domain.Contact, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+contactColumns+` FROM contacts WHERE org_id = ? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, wrap("list contacts", err)
	}
	defer rows.Close()
	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, wrap("list contacts: scan", err)
		}
		out = append(out, *c)
	}
	return out, wrap("list contacts", rows.Err())
}

// KnownEmails returns every stored contact email.
func (s *Store) KnownEmails(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, "known emails", `SELECT email FROM contacts ORDER BY email`)
}
