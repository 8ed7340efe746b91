package models

type MessageType uint8

const (
	MessageHandshake MessageType = 0
	MessageData      MessageType = 1
	MessageAck       MessageType = 2
	MessageHave      MessageType = 3
	MessageIntegrity MessageType = 4
	MessagePexResV4  MessageType = 5
	MessagePexReq    MessageType = 6
	MessageRequest   MessageType = 8
	MessageCancel    MessageType = 9
	MessageChoke     MessageType = 10
	MessageUnchoke   MessageType = 11
)

func (t MessageType) String() string {
	switch t {
	case MessageHandshake:
		return "HANDSHAKE"
	case MessageData:
		return "DATA"
	case MessageAck:
		return "ACK"
	case MessageHave:
		return "HAVE"
	case MessageIntegrity:
		return "INTEGRITY"
	case MessagePexResV4:
		return "PEX_RESv4"
	case MessagePexReq:
		return "PEX_REQ"
	case MessageRequest:
		return "REQUEST"
	case MessageCancel:
		return "CANCEL"
	case MessageChoke:
		return "CHOKE"
	case MessageUnchoke:
		return "UNCHOKE"
	default:
		return "UNKNOWN"
	}
}
