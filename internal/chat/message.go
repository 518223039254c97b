/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package chat is L5: the application message model, the priority-scheduled
// sender that keeps file transfers from blocking chat text, and the
// server/client roles built on top of a ReliableTransport connection.
package chat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// ShutdownContent is the reserved system-message content that tells a
// client to close its connection and exit.
const ShutdownContent = "__SHUTDOWN__"

// Message is the application payload record carried inside segments. Only
// the fields relevant to its Type are populated.
type Message struct {
	Type      MessageType `json:"type"`
	Sender    string      `json:"sender,omitempty"`
	Recipient string      `json:"recipient,omitempty"`
	Timestamp int64       `json:"timestamp"`

	// text
	Content string `json:"content,omitempty"`

	// file
	Name string `json:"name,omitempty"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	Data string `json:"data,omitempty"` // base64

	// system
	Roster []string `json:"roster,omitempty"`
}

// Encode serializes a Message to the bytes carried by a connection's
// Send.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses bytes produced by a connection's Receive back into a
// Message. A malformed payload should be dropped at the application with
// a logged warning — Decode just reports the error, the caller logs and
// drops.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("chat: malformed message payload: %w", err)
	}
	if m.Type != TypeText && m.Type != TypeFile && m.Type != TypeSystem {
		return m, fmt.Errorf("chat: unknown message type %q", m.Type)
	}
	return m, nil
}

// NewHello is a client's one-time introduction, sent immediately after
// connecting so the server can attach it to the roster under this name.
// It is never relayed.
func NewHello(sender string) Message {
	return Message{Type: TypeSystem, Sender: sender, Content: "hello", Timestamp: time.Now().Unix()}
}

func NewSystem(recipient, content string, roster []string) Message {
	return Message{Type: TypeSystem, Recipient: recipient, Content: content, Roster: roster, Timestamp: time.Now().Unix()}
}

func NewText(sender, recipient, content string) Message {
	return Message{Type: TypeText, Sender: sender, Recipient: recipient, Content: content, Timestamp: time.Now().Unix()}
}

func NewFile(sender, recipient, name, mime string, size int64, data string) Message {
	return Message{Type: TypeFile, Sender: sender, Recipient: recipient, Name: name, MIME: mime, Size: size, Data: data, Timestamp: time.Now().Unix()}
}

func encodeFilePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeFilePayload(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// Priority maps a message's type to its PrioritySender priority class:
// 0 = system, 1 = text, 2 = file.
func Priority(t MessageType) int {
	switch t {
	case TypeSystem:
		return 0
	case TypeText:
		return 1
	case TypeFile:
		return 2
	default:
		return 1
	}
}
