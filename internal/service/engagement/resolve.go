package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/leadengine/internal/domain"
)

// Lead is a resolved organization and contact pair.
type Lead struct {
	Organization *domain.Organization `json:"organization"`
	Contact      *domain.Contact      `json:"contact"`
}

func unresolved(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrUnresolvedReference)
}

// ResolveOrganization maps a lead reference to its organization. A UUID is
// an organization id; anything else is normalized as a domain or URL.
func (s *Service) ResolveOrganization(ctx context.Context, ref string) (*domain.Organization, error) {
	var (
		org *domain.Organization
		err error
	)
	if id, perr := uuid.Parse(ref); perr == nil {
		org, err = s.repo.GetOrganization(ctx, id.String())
	} else {
		key, nerr := domain.NormalizeDomain(ref)
		if nerr != nil {
			return nil, unresolved("lead %q is neither an id nor a domain", ref)
		}
		org, err = s.repo.GetOrganizationByDomain(ctx, key)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, unresolved("lead %q", ref)
	}
	return org, err
}

// Resolve finds the organization for ref and the contact the interaction
// is with. contactEmail, when given, must belong to the organization.
// Otherwise the contact is the single one with an open sequence, or the
// single contact of the organization.
func (s *Service) Resolve(ctx context.Context, ref, contactEmail string) (*Lead, error) {
	org, err := s.ResolveOrganization(ctx, ref)
	if err != nil {
		return nil, err
	}
	c, err := s.resolveContact(ctx, org, contactEmail)
	if err != nil {
		return nil, err
	}
	return &Lead{Organization: org, Contact: c}, nil
}

func (s *Service) resolveContact(ctx context.Context, org *domain.Organization, contactEmail string) (*domain.Contact, error) {
	if contactEmail != "" {
		email, err := domain.NormalizeEmail(contactEmail)
		if err != nil {
			return nil, err
		}
		c, err := s.repo.GetContactByEmail(ctx, email)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, unresolved("contact %s", email)
		}
		if err != nil {
			return nil, err
		}
		if c.OrgID != org.ID {
			return nil, unresolved("contact %s does not belong to %s", email, org.Domain)
		}
		return c, nil
	}

	ids, err := s.repo.OpenSequenceContacts(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 1 {
		return s.repo.GetContact(ctx, ids[0])
	}
	if len(ids) > 1 {
		return nil, unresolved("%s has %d contacts in sequence, name one", org.Domain, len(ids))
	}

	contacts, err := s.repo.ListContacts(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	switch len(contacts) {
	case 1:
		return &contacts[0], nil
	case 0:
		return nil, unresolved("%s has no contacts", org.Domain)
	}
	return nil, unresolved("%s has %d contacts, name one", org.Domain, len(contacts))
}
