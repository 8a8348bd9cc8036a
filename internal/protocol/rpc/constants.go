package rpc

// RPC Message Types
//
// Reference: RFC 5531 Section 9 (RPC Message Protocol)
const (
	RPCCall  = 0
	RPCReply = 1
)

// RPCVersion is the only ONC RPC version spoken.
const RPCVersion = 2

// RPC Reply States
const (
	// RPCMsgAccepted indicates the server recognized the program and version
	// and attempted the procedure. An accept_stat follows.
	RPCMsgAccepted = 0

	// RPCMsgDenied indicates an RPC version mismatch or an authentication
	// failure. A reject_stat follows.
	RPCMsgDenied = 1
)

// RPC Accept Status
const (
	RPCSuccess      = 0
	RPCProgUnavail  = 1
	RPCProgMismatch = 2
	RPCProcUnavail  = 3
	RPCGarbageArgs  = 4
	RPCSystemErr    = 5
)

// RPC Reject Status (MSG_DENIED)
const (
	RPCMismatch = 0
	RPCAuthErr  = 1
)

// Authentication status carried by an AUTH_ERROR rejection.
const (
	AuthBadCred      = 1
	AuthRejectedCred = 2
	AuthTooWeak      = 5
)

// Authentication flavors
const (
	AuthNull = 0
	AuthUnix = 1
)

const (
	// lastFragmentBit marks the final fragment of a record (RFC 5531 §11).
	lastFragmentBit = 0x80000000

	// MaxRecordSize bounds a reassembled record. Control messages are
	// tiny; anything larger is a broken or hostile peer.
	MaxRecordSize = 1 << 20

	// maxAuthBody is the RFC limit on credential and verifier bodies.
	maxAuthBody = 400
)
