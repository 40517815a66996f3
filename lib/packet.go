package lib

import (
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
)

// OpType is the RFC 4511 application tag of a protocol operation.
type OpType = uint8

const (
	OpBindRequest           OpType = 0
	OpBindResponse          OpType = 1
	OpUnbindRequest         OpType = 2
	OpSearchRequest         OpType = 3
	OpSearchResultEntry     OpType = 4
	OpSearchResultDone      OpType = 5
	OpModifyRequest         OpType = 6
	OpModifyResponse        OpType = 7
	OpAddRequest            OpType = 8
	OpAddResponse           OpType = 9
	OpDelRequest            OpType = 10
	OpDelResponse           OpType = 11
	OpModifyDNRequest       OpType = 12
	OpModifyDNResponse      OpType = 13
	OpCompareRequest        OpType = 14
	OpCompareResponse       OpType = 15
	OpAbandonRequest        OpType = 16
	OpSearchResultReference OpType = 19
	OpExtendedRequest       OpType = 23
	OpExtendedResponse      OpType = 24
	OpIntermediateResponse  OpType = 25
)

var opNames = map[OpType]string{
	OpBindRequest:           "BindRequest",
	OpBindResponse:          "BindResponse",
	OpUnbindRequest:         "UnbindRequest",
	OpSearchRequest:         "SearchRequest",
	OpSearchResultEntry:     "SearchResultEntry",
	OpSearchResultDone:      "SearchResultDone",
	OpModifyRequest:         "ModifyRequest",
	OpModifyResponse:        "ModifyResponse",
	OpAddRequest:            "AddRequest",
	OpAddResponse:           "AddResponse",
	OpDelRequest:            "DelRequest",
	OpDelResponse:           "DelResponse",
	OpModifyDNRequest:       "ModifyDNRequest",
	OpModifyDNResponse:      "ModifyDNResponse",
	OpCompareRequest:        "CompareRequest",
	OpCompareResponse:       "CompareResponse",
	OpAbandonRequest:        "AbandonRequest",
	OpSearchResultReference: "SearchResultReference",
	OpExtendedRequest:       "ExtendedRequest",
	OpExtendedResponse:      "ExtendedResponse",
	OpIntermediateResponse:  "IntermediateResponse",
}

// OpName returns a printable name for op.
func OpName(op OpType) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", op)
}

// ResponseOp maps a request op to the op of its final result.
func ResponseOp(op OpType) OpType {
	switch op {
	case OpBindRequest:
		return OpBindResponse
	case OpSearchRequest:
		return OpSearchResultDone
	case OpModifyRequest:
		return OpModifyResponse
	case OpAddRequest:
		return OpAddResponse
	case OpDelRequest:
		return OpDelResponse
	case OpModifyDNRequest:
		return OpModifyDNResponse
	case OpCompareRequest:
		return OpCompareResponse
	default:
		return OpExtendedResponse
	}
}

// Abandonable reports whether an outstanding op of this type may be
// cancelled with an abandon notification, or be given a client deadline.
func Abandonable(op OpType) bool {
	return op != OpAbandonRequest && op != OpUnbindRequest
}

// Kind classifies a reply unit.
type Kind uint8

const (
	// KindIntermediate replies may arrive any number of times before the result.
	KindIntermediate Kind = iota
	// KindTerminal is the single, last reply of a request.
	KindTerminal
)

// KindOf classifies a reply op.
func KindOf(op OpType) Kind {
	switch op {
	case OpSearchResultEntry, OpSearchResultReference, OpIntermediateResponse:
		return KindIntermediate
	}
	return KindTerminal
}

// ResultCode is an RFC 4511 result code, extended with client-side codes.
type ResultCode = uint16

const (
	ResultSuccess                      ResultCode = 0
	ResultOperationsError              ResultCode = 1
	ResultProtocolError                ResultCode = 2
	ResultTimeLimitExceeded            ResultCode = 3
	ResultSizeLimitExceeded            ResultCode = 4
	ResultCompareFalse                 ResultCode = 5
	ResultCompareTrue                  ResultCode = 6
	ResultAuthMethodNotSupported       ResultCode = 7
	ResultStrongerAuthRequired         ResultCode = 8
	ResultReferral                     ResultCode = 10
	ResultAdminLimitExceeded           ResultCode = 11
	ResultUnavailableCriticalExtension ResultCode = 12
	ResultConfidentialityRequired      ResultCode = 13
	ResultSaslBindInProgress           ResultCode = 14
	ResultNoSuchAttribute              ResultCode = 16
	ResultUndefinedAttributeType       ResultCode = 17
	ResultConstraintViolation          ResultCode = 19
	ResultAttributeOrValueExists       ResultCode = 20
	ResultNoSuchObject                 ResultCode = 32
	ResultInvalidDNSyntax              ResultCode = 34
	ResultInappropriateAuthentication  ResultCode = 48
	ResultInvalidCredentials           ResultCode = 49
	ResultInsufficientAccessRights     ResultCode = 50
	ResultBusy                         ResultCode = 51
	ResultUnavailable                  ResultCode = 52
	ResultUnwillingToPerform           ResultCode = 53
	ResultNotAllowedOnNonLeaf          ResultCode = 66
	ResultEntryAlreadyExists           ResultCode = 68
	ResultOther                        ResultCode = 80

	// client-side
	ResultServerDown    ResultCode = 81
	ResultLocalError    ResultCode = 82
	ResultTimeout       ResultCode = 85
	ResultUserCancelled ResultCode = 88
	ResultConnectError  ResultCode = 91
)

// MaxFrameSize bounds a single decoded frame.
const MaxFrameSize = 16 << 20

const packetHeaderSize = 4 + 1 + 2 + 4

// Packet is one decoded protocol unit: a request, a notification or a reply.
type Packet struct {
	MessageID uint32     // correlation id
	Op        OpType     // application tag
	Result    ResultCode // result code, replies only
	Body      []byte     // op specific payload
}

// Kind classifies the packet when it is a reply.
func (p Packet) Kind() Kind { return KindOf(p.Op) }

func (p Packet) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, p.MessageID)
	dst = append(dst, p.Op)
	dst = bytesutil.AppendUint16BE(dst, p.Result)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(p.Body)))
	dst = append(dst, p.Body...)
	return dst
}

// AppendFrameTo appends the packet prefixed by its encoded length.
func (p Packet) AppendFrameTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(packetHeaderSize+len(p.Body)))
	return p.AppendTo(dst)
}

func UnmarshalPacket(buf []byte) (Packet, error) {
	var packet Packet
	if len(buf) < packetHeaderSize {
		return packet, io.ErrUnexpectedEOF
	}
	packet.MessageID, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	packet.Op, buf = buf[0], buf[1:]
	packet.Result, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]

	var size uint32
	size, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	if uint32(len(buf)) < size {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Body = buf[:size]
	return packet, nil
}

// Response is a reply unit handed to consumers. Synthetic failures (client
// timeout, lost connection) carry Err and a client-side result code.
type Response struct {
	Packet
	Request *Packet // the request this replies to
	Err     error
}

// Kind classifies the reply. Synthetic failures are always terminal.
func (r *Response) Kind() Kind {
	if r.Err != nil {
		return KindTerminal
	}
	return r.Packet.Kind()
}

func failureResponse(req *Packet, code ResultCode, err error) *Response {
	res := &Response{Request: req, Err: err}
	res.Result = code
	if req != nil {
		res.MessageID = req.MessageID
		res.Op = ResponseOp(req.Op)
	}
	return res
}

func appendMessageID(dst []byte, id uint32) []byte {
	return bytesutil.AppendUint32BE(dst, id)
}

// AbandonedID returns the message id an abandon request cancels.
func AbandonedID(p Packet) (uint32, error) {
	if p.Op != OpAbandonRequest {
		return 0, fmt.Errorf("%s is not an abandon request", OpName(p.Op))
	}
	if len(p.Body) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	return bytesutil.Uint32BE(p.Body[:4]), nil
}
