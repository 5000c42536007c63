// Package ledger groups the store's append-only action ledger into runs.
// A run is one CLI command or one server sweep: every entry written while
// it is open carries its id, and closing it stores a status and summary and
// optionally writes a JSON report to the artifact sink.
package ledger
