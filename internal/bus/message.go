// internal/bus/message.go
package bus

import (
	"fmt"
	"strconv"
	"time"
)

// Channel is a named logical partition of the bus.
type Channel string

const (
	// ChannelHealth carries delegate lifecycle commands, replies and heartbeats.
	ChannelHealth Channel = "HEALTH"
	// ChannelModelUS carries model update commands towards the model store.
	ChannelModelUS Channel = "MODEL_US"
	// ChannelModelChange carries change notifications emitted by the model store.
	ChannelModelChange Channel = "MODEL_CHANGE"
)

// Known reports whether c is one of the bus channels.
func (c Channel) Known() bool {
	switch c {
	case ChannelHealth, ChannelModelUS, ChannelModelChange:
		return true
	}
	return false
}

// MessageType is the closed vocabulary of messages the bus understands.
// The spelling of the lifecycle types is part of the wire protocol.
type MessageType string

const (
	// --- Delegate lifecycle (HEALTH) ---
	TypeStartDelegate     MessageType = "START_DELEGATE"
	TypeTerminateDelegate MessageType = "TERMINATE_DELEGATE"
	TypePauseDelegate     MessageType = "PAUSE_DELEGATE"
	TypeStartProbes       MessageType = "START_PROBES"
	TypeKillProbes        MessageType = "KILL_PROBES"
	TypeHeartbeat         MessageType = "RECEIVE_HEARTBEAT"
	TypeRequestConfig     MessageType = "REQUEST_CONFIG_INFORMATION"
	TypeReply             MessageType = "REPLY"

	// --- Model traffic ---
	TypeModelUpdate MessageType = "MODEL_UPDATE"
	TypeModelChange MessageType = "MODEL_CHANGE"
)

var knownTypes = map[MessageType]struct{}{
	TypeStartDelegate:     {},
	TypeTerminateDelegate: {},
	TypePauseDelegate:     {},
	TypeStartProbes:       {},
	TypeKillProbes:        {},
	TypeHeartbeat:         {},
	TypeRequestConfig:     {},
	TypeReply:             {},
	TypeModelUpdate:       {},
	TypeModelChange:       {},
}

// Known reports whether t belongs to the message vocabulary.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Well-known property keys.
const (
	KeyMsgType       = "msgType"
	KeyDelegateID    = "delegateId"
	KeyCorrelationID = "correlationId"
	KeyResult        = "result"
)

// Property is a single named value in a message payload.
type Property struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// Properties is an ordered property bag. Insertion order is preserved across
// Set calls and over the wire.
type Properties []Property

// Get returns the value stored under key.
func (p Properties) Get(key string) (string, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return "", false
}

// Value returns the value stored under key or the empty string.
func (p Properties) Value(key string) string {
	v, _ := p.Get(key)
	return v
}

// Set replaces the value of an existing key in place or appends a new one.
func (p *Properties) Set(key, value string) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Property{Key: key, Value: value})
}

// Clone returns a copy that shares no backing array with p.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	copy(out, p)
	return out
}

// Message is the envelope transmitted over the bus. msgType, delegateId and
// correlationId are first-class fields; everything else travels in Properties.
type Message struct {
	ID            string      `json:"id"`
	Channel       Channel     `json:"channel"`
	Type          MessageType `json:"msgType"`
	DelegateID    string      `json:"delegateId,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	// Origin is the ID of the bus the message was first published on.
	Origin     string     `json:"origin,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Properties Properties `json:"properties,omitempty"`
}

// Property is shorthand for m.Properties.Value(key).
func (m Message) Property(key string) string {
	return m.Properties.Value(key)
}

// IsReply reports whether m answers an earlier request.
func (m Message) IsReply() bool {
	return m.Type == TypeReply && m.CorrelationID != ""
}

// Result extracts the boolean acknowledgement carried by a reply.
func Result(reply Message) (bool, error) {
	raw, ok := reply.Properties.Get(KeyResult)
	if !ok {
		return false, fmt.Errorf("reply %s carries no %q property", reply.CorrelationID, KeyResult)
	}
	result, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("reply %s has malformed result %q: %w", reply.CorrelationID, raw, err)
	}
	return result, nil
}
