// Package tools provides host helpers shared by processors.
//
// Ownership boundary:
// - process execution (CommandRunner, ExecRunner)
package tools
