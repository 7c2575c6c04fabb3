// Package stores persists the derivation graph, migration and delivery plans
// and the event history in SQLite. The schema is applied with embedded
// golang-migrate migrations; every multi-row write runs in one transaction.
package stores
