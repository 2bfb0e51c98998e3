package model

import "strings"

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelChatA Channel = "chat_a"
	ChannelChatB Channel = "chat_b"
)

// Channels is the closed set of supported channels, in canonical order.
var Channels = []Channel{ChannelSMS, ChannelEmail, ChannelChatA, ChannelChatB}

func (c Channel) String() string { return string(c) }

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelChatA, ChannelChatB:
		return true
	default:
		return false
	}
}

// ParseChannel normalizes input. Returns (value, true) if valid.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) String() string { return string(t) }

func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeImage || t == MessageTypeVideo || t == MessageTypeFile
}

// ParseMessageType normalizes input; empty => text.
func ParseMessageType(s string) (MessageType, bool) {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return MessageTypeText, true
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile:
		return t, true
	default:
		return MessageTypeText, false
	}
}
