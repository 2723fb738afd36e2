/*
Package event defines the messages exchanged between primaries. Every event
travels as a one byte tag followed by its msgpack body, the tag selecting the
concrete type on the receiving side.
*/
package event

import (
	"reflect"

	"github.com/gitzhang10/narwhal/types"
)

// Version is the protocol version announced during the handshake.
const Version uint32 = 1

const (
	ChallengeRequestTag uint8 = iota
	ChallengeResponseTag
	DisconnectTag
	BatchProposeTag
	BatchSignatureTag
	BatchSealedTag
	TransmissionRequestTag
	TransmissionResponseTag
	WorkerPingTag
	CertificateRequestTag
	CertificateResponseTag
	PrimaryPingTag
)

// Event is implemented by every message type.
type Event interface {
	Name() string
	Tag() uint8
}

// Envelope is an event together with the authenticated peer it came from.
type Envelope struct {
	Peer  types.Address
	Event Event
}

// ChallengeRequest opens the handshake. ListenerPort is the port the sender
// accepts connections on, Nonce the value the peer has to sign.
type ChallengeRequest struct {
	Version      uint32
	ListenerPort uint16
	Address      types.Address
	Nonce        uint64
}

type ChallengeResponse struct {
	Signature types.Signature
}

type DisconnectReason uint8

const (
	NoReasonGiven DisconnectReason = iota
	ProtocolViolation
	InvalidChallengeResponse
	OutdatedClientVersion
	TooManyPeers
	AlreadyConnected
	SelfConnect
	ShuttingDown
)

func (r DisconnectReason) String() string {
	switch r {
	case ProtocolViolation:
		return "protocol violation"
	case InvalidChallengeResponse:
		return "invalid challenge response"
	case OutdatedClientVersion:
		return "outdated client version"
	case TooManyPeers:
		return "too many peers"
	case AlreadyConnected:
		return "already connected"
	case SelfConnect:
		return "self connect"
	case ShuttingDown:
		return "shutting down"
	default:
		return "no reason given"
	}
}

type Disconnect struct {
	Reason DisconnectReason
}

// BatchPropose asks committee members to sign Header.
type BatchPropose struct {
	Round  uint64
	Header *types.BatchHeader
}

// BatchSignature is an endorsement of the batch with BatchID.
type BatchSignature struct {
	BatchID   types.Hash
	Signature types.Signature
}

// BatchSealed announces a freshly formed certificate.
type BatchSealed struct {
	Certificate *types.BatchCertificate
}

type TransmissionRequest struct {
	TransmissionID types.TransmissionID
}

type TransmissionResponse struct {
	TransmissionID types.TransmissionID
	Transmission   types.Transmission
}

// WorkerPing advertises the transmissions a worker holds.
type WorkerPing struct {
	TransmissionIDs []types.TransmissionID
}

type CertificateRequest struct {
	CertificateID types.Hash
}

type CertificateResponse struct {
	Certificate *types.BatchCertificate
}

// PrimaryPing is the periodic keep-alive between primaries.
type PrimaryPing struct {
	Version      uint32
	BlockHeight  uint32
	CurrentRound uint64
}

func (ChallengeRequest) Name() string     { return "ChallengeRequest" }
func (ChallengeResponse) Name() string    { return "ChallengeResponse" }
func (Disconnect) Name() string           { return "Disconnect" }
func (BatchPropose) Name() string         { return "BatchPropose" }
func (BatchSignature) Name() string       { return "BatchSignature" }
func (BatchSealed) Name() string          { return "BatchSealed" }
func (TransmissionRequest) Name() string  { return "TransmissionRequest" }
func (TransmissionResponse) Name() string { return "TransmissionResponse" }
func (WorkerPing) Name() string           { return "WorkerPing" }
func (CertificateRequest) Name() string   { return "CertificateRequest" }
func (CertificateResponse) Name() string  { return "CertificateResponse" }
func (PrimaryPing) Name() string          { return "PrimaryPing" }

func (ChallengeRequest) Tag() uint8     { return ChallengeRequestTag }
func (ChallengeResponse) Tag() uint8    { return ChallengeResponseTag }
func (Disconnect) Tag() uint8           { return DisconnectTag }
func (BatchPropose) Tag() uint8         { return BatchProposeTag }
func (BatchSignature) Tag() uint8       { return BatchSignatureTag }
func (BatchSealed) Tag() uint8          { return BatchSealedTag }
func (TransmissionRequest) Tag() uint8  { return TransmissionRequestTag }
func (TransmissionResponse) Tag() uint8 { return TransmissionResponseTag }
func (WorkerPing) Tag() uint8           { return WorkerPingTag }
func (CertificateRequest) Tag() uint8   { return CertificateRequestTag }
func (CertificateResponse) Tag() uint8  { return CertificateResponseTag }
func (PrimaryPing) Tag() uint8          { return PrimaryPingTag }

// ReflectedTypesMap maps every tag to the type decoded for it.
var ReflectedTypesMap = map[uint8]reflect.Type{
	ChallengeRequestTag:     reflect.TypeOf(ChallengeRequest{}),
	ChallengeResponseTag:    reflect.TypeOf(ChallengeResponse{}),
	DisconnectTag:           reflect.TypeOf(Disconnect{}),
	BatchProposeTag:         reflect.TypeOf(BatchPropose{}),
	BatchSignatureTag:       reflect.TypeOf(BatchSignature{}),
	BatchSealedTag:          reflect.TypeOf(BatchSealed{}),
	TransmissionRequestTag:  reflect.TypeOf(TransmissionRequest{}),
	TransmissionResponseTag: reflect.TypeOf(TransmissionResponse{}),
	WorkerPingTag:           reflect.TypeOf(WorkerPing{}),
	CertificateRequestTag:   reflect.TypeOf(CertificateRequest{}),
	CertificateResponseTag:  reflect.TypeOf(CertificateResponse{}),
	PrimaryPingTag:          reflect.TypeOf(PrimaryPing{}),
}

// IsPrimaryEvent reports whether e is handled by the primary rather than a worker.
func IsPrimaryEvent(e Event) bool {
	switch e.(type) {
	case BatchPropose, BatchSignature, BatchSealed, CertificateRequest, CertificateResponse, PrimaryPing:
		return true
	}
	return false
}

// IsWorkerEvent reports whether e is routed to a worker.
func IsWorkerEvent(e Event) bool {
	switch e.(type) {
	case TransmissionRequest, TransmissionResponse, WorkerPing:
		return true
	}
	return false
}
