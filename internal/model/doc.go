// Package model defines the records the settlement pipeline persists: tasks
// with their escrow, submissions, executions, verification audits and the
// task timeline. It also holds the legal status transitions for each record so
// that the store, the ledger and the orchestrator agree on a single table.
package model
