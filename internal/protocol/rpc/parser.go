package rpc

import (
	"bytes"
	"errors"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ErrNotCall is returned when a record does not carry an RPC CALL.
var ErrNotCall = errors.New("rpc: not a CALL message")

// ReadCall decodes the RPC call header at the start of a record.
//
// The caller is expected to check RPCVersion, Program and Version itself so
// that it can answer with the proper rejection instead of dropping the call.
func ReadCall(data []byte) (*RPCCallMessage, error) {
	call := &RPCCallMessage{}

	if _, err := xdr.Unmarshal(bytes.NewReader(data), call); err != nil {
		return nil, fmt.Errorf("unmarshal RPC call: %w", err)
	}

	if call.MsgType != RPCCall {
		return nil, fmt.Errorf("%w: got message type %d", ErrNotCall, call.MsgType)
	}

	if len(call.Cred.Body) > maxAuthBody || len(call.Verf.Body) > maxAuthBody {
		return nil, fmt.Errorf("rpc: auth body exceeds %d bytes", maxAuthBody)
	}

	return call, nil
}

// ReadData returns the procedure parameters that follow the call header.
//
// The header is variable length (credential and verifier bodies are padded
// opaques), so it is re-decoded to find where the parameters start.
func ReadData(message []byte, call *RPCCallMessage) ([]byte, error) {
	reader := bytes.NewReader(message)

	var hdr RPCCallMessage
	if _, err := xdr.Unmarshal(reader, &hdr); err != nil {
		return nil, fmt.Errorf("skip RPC header: %w", err)
	}
	if hdr.XID != call.XID {
		return nil, fmt.Errorf("rpc: header mismatch (xid 0x%x, expected 0x%x)", hdr.XID, call.XID)
	}

	offset := len(message) - reader.Len()
	return message[offset:], nil
}

// ParseUnixAuth decodes an AUTH_UNIX credential body.
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) == 0 {
		return nil, errors.New("rpc: empty AUTH_UNIX body")
	}

	auth := &UnixAuth{}
	if _, err := xdr.Unmarshal(bytes.NewReader(body), auth); err != nil {
		return nil, fmt.Errorf("unmarshal AUTH_UNIX: %w", err)
	}

	// RFC 5531 Appendix A caps machinename at 255 bytes and gids at 16.
	if len(auth.MachineName) > 255 {
		return nil, fmt.Errorf("rpc: machine name too long (%d bytes)", len(auth.MachineName))
	}
	if len(auth.GIDs) > 16 {
		return nil, fmt.Errorf("rpc: too many gids (%d)", len(auth.GIDs))
	}

	return auth, nil
}

// EncodeUnixAuth builds an AUTH_UNIX credential.
func EncodeUnixAuth(auth *UnixAuth) (OpaqueAuth, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, auth); err != nil {
		return OpaqueAuth{}, fmt.Errorf("marshal AUTH_UNIX: %w", err)
	}
	return OpaqueAuth{Flavor: AuthUnix, Body: buf.Bytes()}, nil
}

// MakeSuccessReply builds a framed SUCCESS reply carrying data.
func MakeSuccessReply(xid uint32, data []byte) ([]byte, error) {
	return makeAcceptedReply(xid, RPCSuccess, data)
}

// MakeErrorReply builds a framed accepted reply with a non-success status
// such as PROC_UNAVAIL, GARBAGE_ARGS or SYSTEM_ERR.
func MakeErrorReply(xid uint32, acceptStat uint32) ([]byte, error) {
	return makeAcceptedReply(xid, acceptStat, nil)
}

// MakeProgMismatchReply answers a call for an unsupported program version.
func MakeProgMismatchReply(xid, low, high uint32) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &MismatchInfo{Low: low, High: high}); err != nil {
		return nil, fmt.Errorf("marshal mismatch info: %w", err)
	}
	return makeAcceptedReply(xid, RPCProgMismatch, buf.Bytes())
}

// MakeRPCMismatchReply rejects a call that is not RPC version 2.
func MakeRPCMismatchReply(xid uint32) ([]byte, error) {
	var buf bytes.Buffer
	hdr := RPCDeniedReply{XID: xid, MsgType: RPCReply, ReplyState: RPCMsgDenied, RejectStat: RPCMismatch}
	if _, err := xdr.Marshal(&buf, &hdr); err != nil {
		return nil, fmt.Errorf("marshal denied reply: %w", err)
	}
	if _, err := xdr.Marshal(&buf, &MismatchInfo{Low: RPCVersion, High: RPCVersion}); err != nil {
		return nil, fmt.Errorf("marshal mismatch info: %w", err)
	}
	return Frame(buf.Bytes()), nil
}

// MakeAuthErrorReply rejects a call whose credentials are unacceptable.
func MakeAuthErrorReply(xid, authStat uint32) ([]byte, error) {
	var buf bytes.Buffer
	hdr := RPCDeniedReply{XID: xid, MsgType: RPCReply, ReplyState: RPCMsgDenied, RejectStat: RPCAuthErr}
	if _, err := xdr.Marshal(&buf, &hdr); err != nil {
		return nil, fmt.Errorf("marshal denied reply: %w", err)
	}
	if _, err := xdr.Marshal(&buf, &authStat); err != nil {
		return nil, fmt.Errorf("marshal auth stat: %w", err)
	}
	return Frame(buf.Bytes()), nil
}

func makeAcceptedReply(xid, acceptStat uint32, data []byte) ([]byte, error) {
	reply := RPCReplyMessage{
		XID:        xid,
		MsgType:    RPCReply,
		ReplyState: RPCMsgAccepted,
		Verf: OpaqueAuth{
			Flavor: AuthNull,
			Body:   []byte{},
		},
		AcceptStat: acceptStat,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 24+len(data)))
	if _, err := xdr.Marshal(buf, &reply); err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	buf.Write(data)

	return Frame(buf.Bytes()), nil
}

// MakeCall builds a framed CALL record. Used by clients.
func MakeCall(xid, program, version, procedure uint32, cred OpaqueAuth, args []byte) ([]byte, error) {
	if cred.Body == nil {
		cred.Body = []byte{}
	}
	call := RPCCallMessage{
		XID:        xid,
		MsgType:    RPCCall,
		RPCVersion: RPCVersion,
		Program:    program,
		Version:    version,
		Procedure:  procedure,
		Cred:       cred,
		Verf:       OpaqueAuth{Flavor: AuthNull, Body: []byte{}},
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &call); err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}
	buf.Write(args)
	return Frame(buf.Bytes()), nil
}

// ReplyError describes a reply that did not reach SUCCESS.
type ReplyError struct {
	Denied     bool
	RejectStat uint32
	AcceptStat uint32
}

func (e *ReplyError) Error() string {
	if e.Denied {
		return fmt.Sprintf("rpc: call denied (reject_stat %d)", e.RejectStat)
	}
	return fmt.Sprintf("rpc: call failed (accept_stat %d)", e.AcceptStat)
}

// ParseReply decodes a reply record (without the fragment header) and
// returns its XID and the result bytes. Non-success replies come back as
// *ReplyError together with the XID.
func ParseReply(record []byte) (uint32, []byte, error) {
	reader := bytes.NewReader(record)

	var hdr RPCDeniedReply
	if _, err := xdr.Unmarshal(reader, &hdr); err != nil {
		return 0, nil, fmt.Errorf("unmarshal reply header: %w", err)
	}
	if hdr.MsgType != RPCReply {
		return hdr.XID, nil, fmt.Errorf("rpc: expected REPLY, got message type %d", hdr.MsgType)
	}
	if hdr.ReplyState == RPCMsgDenied {
		return hdr.XID, nil, &ReplyError{Denied: true, RejectStat: hdr.RejectStat}
	}

	// Accepted: RejectStat actually held the verifier flavor.
	reader = bytes.NewReader(record)
	var reply RPCReplyMessage
	if _, err := xdr.Unmarshal(reader, &reply); err != nil {
		return hdr.XID, nil, fmt.Errorf("unmarshal accepted reply: %w", err)
	}
	if reply.AcceptStat != RPCSuccess {
		return reply.XID, nil, &ReplyError{AcceptStat: reply.AcceptStat}
	}

	return reply.XID, record[len(record)-reader.Len():], nil
}
