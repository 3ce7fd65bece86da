// Package wire implements the BitChat mesh packet codec.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies the mesh packet type.
type Type uint8

const (
	TypeAnnounce                Type = 0x01
	TypeLeave                   Type = 0x03
	TypeMessage                 Type = 0x04
	TypeFragmentStart           Type = 0x05
	TypeFragmentContinue        Type = 0x06
	TypeFragmentEnd             Type = 0x07
	TypeChannelAnnounce         Type = 0x08
	TypeChannelRetention        Type = 0x09
	TypeDeliveryAck             Type = 0x0A
	TypeDeliveryStatusRequest   Type = 0x0B
	TypeReadReceipt             Type = 0x0C
	TypeNoiseHandshakeInit      Type = 0x10
	TypeNoiseHandshakeResp      Type = 0x11
	TypeNoiseEncrypted          Type = 0x13
	TypeNoiseIdentityAnnounce   Type = 0x14
	TypeChannelKeyVerifyRequest Type = 0x15
	TypeChannelKeyVerifyResp    Type = 0x16
	TypeChannelPasswordUpdate  Type = 0x17
	TypeChannelMetadata         Type = 0x18
	TypeVersionHello            Type = 0x20
	TypeVersionAck              Type = 0x21
)

func (t Type) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeLeave:
		return "leave"
	case TypeMessage:
		return "message"
	case TypeFragmentStart:
		return "fragment-start"
	case TypeFragmentContinue:
		return "fragment-continue"
	case TypeFragmentEnd:
		return "fragment-end"
	case TypeChannelAnnounce:
		return "channel-announce"
	case TypeChannelRetention:
		return "channel-retention"
	case TypeDeliveryAck:
		return "delivery-ack"
	case TypeDeliveryStatusRequest:
		return "delivery-status-request"
	case TypeReadReceipt:
		return "read-receipt"
	case TypeNoiseHandshakeInit:
		return "noise-handshake-init"
	case TypeNoiseHandshakeResp:
		return "noise-handshake-resp"
	case TypeNoiseEncrypted:
		return "noise-encrypted"
	case TypeNoiseIdentityAnnounce:
		return "noise-identity-announce"
	case TypeChannelKeyVerifyRequest:
		return "channel-key-verify-request"
	case TypeChannelKeyVerifyResp:
		return "channel-key-verify-resp"
	case TypeChannelPasswordUpdate:
		return "channel-password-update"
	case TypeChannelMetadata:
		return "channel-metadata"
	case TypeVersionHello:
		return "version-hello"
	case TypeVersionAck:
		return "version-ack"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

const (
	// PeerIDSize is the length of a sender/recipient peer-id in bytes.
	PeerIDSize = 8
	// SignatureSize is the Ed25519 signature length.
	SignatureSize = 64
	// MaxPayloadSize is the largest payload a packet may carry.
	MaxPayloadSize = 64 * 1024

	flagHasRecipient = 1 << 0
	flagHasSignature = 1 << 1

	// minHeaderSize is version+type+ttl+timestamp+flags+senderID+payloadLen.
	minHeaderSize = 1 + 1 + 1 + 8 + 1 + PeerIDSize + 2
)

// BroadcastRecipient is the reserved recipient id meaning "everyone".
var BroadcastRecipient = [PeerIDSize]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

var (
	// ErrMalformedHeader covers short reads, bad versions, and flag/length
	// inconsistencies.
	ErrMalformedHeader = errors.New("wire: malformed header")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload too large")

	// CurrentVersion is the protocol version this codec emits.
	CurrentVersion uint8 = 1
)

// Packet is the decoded form of a mesh wire packet.
type Packet struct {
	Version     uint8
	Type        Type
	TTL         uint8
	Timestamp   uint64 // ms since epoch
	SenderID    [PeerIDSize]byte
	RecipientID [PeerIDSize]byte // valid only if HasRecipient
	HasRecipient bool
	Payload     []byte
	Signature   [SignatureSize]byte
	HasSignature bool
}

// IsBroadcast reports whether the packet has no specific recipient, i.e. it
// targets the broadcast id or carries no recipient at all.
func (p *Packet) IsBroadcast() bool {
	return !p.HasRecipient || p.RecipientID == BroadcastRecipient
}

// Encode serializes p into its wire form.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	size := minHeaderSize + len(p.Payload)
	if p.HasRecipient {
		size += PeerIDSize
	}
	if p.HasSignature {
		size += SignatureSize
	}

	buf := make([]byte, size)
	i := 0
	buf[i] = p.Version
	i++
	buf[i] = uint8(p.Type)
	i++
	buf[i] = p.TTL
	i++
	binary.BigEndian.PutUint64(buf[i:i+8], p.Timestamp)
	i += 8

	var flags uint8
	if p.HasRecipient {
		flags |= flagHasRecipient
	}
	if p.HasSignature {
		flags |= flagHasSignature
	}
	buf[i] = flags
	i++

	copy(buf[i:i+PeerIDSize], p.SenderID[:])
	i += PeerIDSize

	if p.HasRecipient {
		copy(buf[i:i+PeerIDSize], p.RecipientID[:])
		i += PeerIDSize
	}

	binary.BigEndian.PutUint16(buf[i:i+2], uint16(len(p.Payload)))
	i += 2

	copy(buf[i:i+len(p.Payload)], p.Payload)
	i += len(p.Payload)

	if p.HasSignature {
		copy(buf[i:i+SignatureSize], p.Signature[:])
		i += SignatureSize
	}

	return buf, nil
}

// Decode parses a wire packet from data, validating header consistency.
func Decode(data []byte) (*Packet, error) {
	if len(data) < minHeaderSize {
		return nil, ErrMalformedHeader
	}

	p := &Packet{}
	i := 0
	p.Version = data[i]
	i++
	if p.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHeader, p.Version)
	}
	p.Type = Type(data[i])
	i++
	p.TTL = data[i]
	i++
	p.Timestamp = binary.BigEndian.Uint64(data[i : i+8])
	i += 8

	flags := data[i]
	i++
	p.HasRecipient = flags&flagHasRecipient != 0
	p.HasSignature = flags&flagHasSignature != 0
	if flags&^(flagHasRecipient|flagHasSignature) != 0 {
		return nil, fmt.Errorf("%w: unknown flag bits", ErrMalformedHeader)
	}

	if len(data) < i+PeerIDSize {
		return nil, ErrMalformedHeader
	}
	copy(p.SenderID[:], data[i:i+PeerIDSize])
	i += PeerIDSize

	if p.HasRecipient {
		if len(data) < i+PeerIDSize {
			return nil, ErrMalformedHeader
		}
		copy(p.RecipientID[:], data[i:i+PeerIDSize])
		i += PeerIDSize
	}

	if len(data) < i+2 {
		return nil, ErrMalformedHeader
	}
	payloadLen := int(binary.BigEndian.Uint16(data[i : i+2]))
	i += 2
	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	end := i + payloadLen
	if p.HasSignature {
		end += SignatureSize
	}
	if len(data) != end {
		return nil, fmt.Errorf("%w: payload/signature length mismatch", ErrMalformedHeader)
	}

	p.Payload = append([]byte(nil), data[i:i+payloadLen]...)
	i += payloadLen

	if p.HasSignature {
		copy(p.Signature[:], data[i:i+SignatureSize])
		i += SignatureSize
	}

	return p, nil
}
