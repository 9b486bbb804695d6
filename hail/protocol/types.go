package protocol

// MessageType is the kind selected by the low 7 bits of a frame's tag byte.
type MessageType uint8

const (
	MessageTypeOffer    MessageType = 0
	MessageTypeResponse MessageType = 1
	MessageTypeReady    MessageType = 2
	MessageTypeData     MessageType = 3
)

const (
	typeMask = 0x7f

	// FlagSigned is the tag bit announcing a certificate-signed offer. It is
	// only meaningful on MessageTypeOffer.
	FlagSigned = 0x80
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeReady:
		return "READY"
	case MessageTypeData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

func (t MessageType) valid() bool { return t <= MessageTypeData }
