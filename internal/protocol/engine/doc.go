// Package engine owns the agent side of the flow-control protocol.
//
// Ownership boundary:
// - per-cycle controller connection (dial, socket options, deadlines)
// - register / report exchanges and the sequence number
// - the supervised report loop
//
// The ProtocolSession is mutated only by the goroutine running cycles; every
// other reader goes through Engine.Snapshot.
package engine
