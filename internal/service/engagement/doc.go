// Package engagement records what happens after a lead answers: classified
// replies, call attempts and booked meetings.
//
// Every operation starts from a lead reference, either an organization id
// or anything that normalizes to its domain, and resolves the contact
// strictly. A reference that does not identify exactly one organization and
// one of its contacts fails with domain.ErrUnresolvedReference rather than
// writing rows that point at nothing.
package engagement
