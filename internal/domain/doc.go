// Package domain defines the core business types of the lead lifecycle engine.
//
// Types in this package are pure value objects with no database
// dependencies and no HTTP concerns. They are the shared language between
// the CLI, the HTTP API, the services and the store.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation and normalization are allowed (they're pure functions)
//   - Constants, enums and the stage transition table belong here
package domain
