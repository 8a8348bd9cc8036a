package rpc

// RPCCallMessage represents an RPC call (request) header.
//
// Wire Format (XDR encoding):
//   - XID, MsgType, RPCVersion, Program, Version, Procedure: 4 bytes each
//   - Cred, Verf: flavor + opaque body
//   - [procedure-specific parameters follow]
//
// Reference: RFC 5531 Section 9
type RPCCallMessage struct {
	XID        uint32
	MsgType    uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// RPCReplyMessage is the header of an accepted reply. Results follow.
type RPCReplyMessage struct {
	XID        uint32
	MsgType    uint32 // 1 = REPLY
	ReplyState uint32 // 0 = MSG_ACCEPTED
	Verf       OpaqueAuth
	AcceptStat uint32
}

// RPCDeniedReply is the header of a MSG_DENIED reply. For RPC_MISMATCH
// Low/High carry the supported range, for AUTH_ERROR Low carries the
// auth_stat and High is not sent.
type RPCDeniedReply struct {
	XID        uint32
	MsgType    uint32
	ReplyState uint32
	RejectStat uint32
}

// OpaqueAuth represents authentication credentials or verifiers.
//
// Reference: RFC 5531 Section 8
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte `xdr:"opaque"`
}

// MismatchInfo follows a PROG_MISMATCH accept status or an RPC_MISMATCH
// rejection.
type MismatchInfo struct {
	Low  uint32
	High uint32
}

// UnixAuth is the decoded body of an AUTH_UNIX (AUTH_SYS) credential.
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// GetAuthFlavor returns the authentication flavor from the call credentials.
func (c *RPCCallMessage) GetAuthFlavor() uint32 {
	return c.Cred.Flavor
}

// GetAuthBody returns the raw credential body.
func (c *RPCCallMessage) GetAuthBody() []byte {
	return c.Cred.Body
}
