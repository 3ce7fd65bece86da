package delivery

import "errors"

// ErrMalformedAck is returned by DecodeAck/DecodeReadReceipt on a short or
// internally inconsistent buffer.
var ErrMalformedAck = errors.New("delivery: malformed ack payload")

func appendLP(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func readLP(b []byte) (string, []byte, bool) {
	if len(b) < 1 {
		return "", b, false
	}
	n := int(b[0])
	b = b[1:]
	if len(b) < n {
		return "", b, false
	}
	return string(b[:n]), b[n:], true
}

// EncodeAck serializes an Ack for transmission as a DeliveryAck packet's
// payload: four length-prefixed strings (ackID, originalMessageID,
// recipientID, recipientNick) followed by a hop count byte.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, 0, 4+len(a.AckID)+len(a.OriginalMessageID)+len(a.RecipientID)+len(a.RecipientNick)+1)
	buf = appendLP(buf, a.AckID)
	buf = appendLP(buf, a.OriginalMessageID)
	buf = appendLP(buf, a.RecipientID)
	buf = appendLP(buf, a.RecipientNick)
	buf = append(buf, a.HopCount)
	return buf
}

// DecodeAck parses the payload produced by EncodeAck.
func DecodeAck(b []byte) (Ack, error) {
	var a Ack
	var ok bool
	if a.AckID, b, ok = readLP(b); !ok {
		return Ack{}, ErrMalformedAck
	}
	if a.OriginalMessageID, b, ok = readLP(b); !ok {
		return Ack{}, ErrMalformedAck
	}
	if a.RecipientID, b, ok = readLP(b); !ok {
		return Ack{}, ErrMalformedAck
	}
	if a.RecipientNick, b, ok = readLP(b); !ok {
		return Ack{}, ErrMalformedAck
	}
	if len(b) < 1 {
		return Ack{}, ErrMalformedAck
	}
	a.HopCount = b[0]
	return a, nil
}

// ReadReceipt is a read notification for a previously acked message,
// triggered by the app layer when the recipient opens the relevant chat
// view.
type ReadReceipt struct {
	MessageID string
	AckID     string
}

// EncodeReadReceipt serializes r for transmission as a ReadReceipt packet's
// payload.
func EncodeReadReceipt(r ReadReceipt) []byte {
	buf := appendLP(nil, r.MessageID)
	buf = appendLP(buf, r.AckID)
	return buf
}

// DecodeReadReceipt parses the payload produced by EncodeReadReceipt.
func DecodeReadReceipt(b []byte) (ReadReceipt, error) {
	var r ReadReceipt
	var ok bool
	if r.MessageID, b, ok = readLP(b); !ok {
		return ReadReceipt{}, ErrMalformedAck
	}
	if r.AckID, _, ok = readLP(b); !ok {
		return ReadReceipt{}, ErrMalformedAck
	}
	return r, nil
}
