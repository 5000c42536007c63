// Package collab holds the HTTP clients for the external collaborators the
// engine drives: the discovery source, the reply classifier, the call
// booking provider and the touch delivery service. Each client speaks JSON
// over httpretry and maps non-2xx answers to domain.ErrExternalFailure.
package collab
