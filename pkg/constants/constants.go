// Package constants defines magic numbers and default values shared across
// ncp's sender, receiver, relay and discovery packages.
package constants

import "time"

// Relay well-known ports. The control plane tries them in order and binds
// only the first that succeeds.
const (
	RelayControlPort1 = 7070
	RelayControlPort2 = 7575
)

// Streaming discipline shared by the sender, receiver and relay data plane.
const (
	ChunkSize    = 16 * 1024        // read/write buffer per active connection
	FlushEvery   = 16 * 1024 * 1024 // flush the user-space buffer every 16 MiB
	MaxAllocSize = 1 * 1024 * 1024 * 1024 // advisory cap on total process allocation
)

// HTTP framing limits.
const (
	MaxHeaderLines = 100 // reject requests with this many header lines or more
)

// Discovery / relay-probe timeouts.
const (
	ProbeConnTimeout = 200 * time.Millisecond
	ProbeReadTimeout = 200 * time.Millisecond
)

// Relay bookkeeping.
const (
	// RelayAcceptPoll is the poll interval for the well-known ports'
	// non-blocking accept loop.
	RelayAcceptPoll = 100 * time.Millisecond
	// RelayIdleTimeout is the period of a registration's liveness
	// re-check, counted from registration and then from the previous
	// check; transport activity does not reset it. It also bounds how long
	// the data plane waits for a SEND dial-back.
	RelayIdleTimeout = 600 * time.Second
	// RelayLivenessDial bounds the liveness re-check's read deadline on
	// the control connection.
	RelayLivenessDial = 2 * time.Second
)

// DefaultKeyLength is the length of a generated key when none is supplied.
const DefaultKeyLength = 6
