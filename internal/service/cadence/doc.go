// Package cadence decides which outreach action is due for which lead and
// runs those actions through the delivery collaborator.
//
// The schedule itself lives in the store: DueTouches already applies the
// sequence, stage and suppression filters, so the scheduler never keeps
// lead state in memory. A sweep only plans, dispatches and records.
// Sweeps are single-flight across processes through a distlock.
package cadence
