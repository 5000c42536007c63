// Package pipeline moves organizations through the lead lifecycle. Every
// change goes through the store's locked, guarded Transition so two
// workers can never both advance the same lead.
package pipeline
