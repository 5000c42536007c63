// Package suppression is the compliance gate. An address on the list never
// receives another touch, and the list only grows: there is no removal.
//
// The gate fails closed. Any error while reading the list is returned to
// the caller, and Allow turns it into a refusal.
//
// The service depends on the Repository interface in repository.go and
// never imports database/sql directly.
package suppression
