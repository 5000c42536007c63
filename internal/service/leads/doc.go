// Package leads is the typed boundary for candidate records produced by
// the discovery and enrichment collaborators. Candidates are validated and
// merged into the entity store one organization at a time. A bad contact
// or event is reported back without failing the rest of the batch.
//
// It also answers the two questions discovery asks before generating more
// candidates: which keys are already known, and which stored organizations
// have an event inside the outreach window.
package leads
