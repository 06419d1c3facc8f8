// Package flow owns flow records and the process session that moves them.
//
// A processor invocation works inside one Session: it creates or gets
// records, reads and writes their content, and transfers each to a named
// relationship. Commit routes every transferred record through the
// processor's Router into destination queues in one step; Rollback returns
// fetched records to their source queues untouched.
package flow
