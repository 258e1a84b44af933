package bridge

import (
	"encoding/json"
	"fmt"
)

// MessageType enumerates every shape in the agent/foreground protocol. The
// set is closed: decoding a type outside it yields ErrUnrecognizedType so
// callers handle the unrecognized case explicitly instead of silently
// dropping it.
type MessageType string

const (
	// Agent -> foreground requests.
	MessageGetStorage     MessageType = "GET_STORAGE"
	MessageSetStorage     MessageType = "SET_STORAGE"
	MessageLogInteraction MessageType = "LOG_NOTIFICATION_INTERACTION"
	MessageSyncSessions   MessageType = "SYNC_SESSIONS"

	// Agent -> foreground push-subscription requests. The subscription
	// handle lives in the page's push registry; the agent can only ask.
	MessageGetSubscription MessageType = "GET_SUBSCRIPTION"
	MessageSubscribePush   MessageType = "SUBSCRIBE_PUSH"
	MessageUnsubscribePush MessageType = "UNSUBSCRIBE_PUSH"

	// Agent -> foreground commands.
	MessageShareAchievement MessageType = "SHARE_ACHIEVEMENT"
	MessageNavigate         MessageType = "NAVIGATE"
	MessageShowNotification MessageType = "SHOW_NOTIFICATION"
	MessageClaim            MessageType = "CLAIM"
	MessageFocus            MessageType = "FOCUS"
	MessageOpenWindow       MessageType = "OPEN_WINDOW"

	// Foreground -> agent replies and events.
	MessageStorageValue      MessageType = "STORAGE_VALUE"
	MessageSyncSuccess       MessageType = "SYNC_SUCCESS"
	MessageSyncFailed        MessageType = "SYNC_FAILED"
	MessageNotificationClick MessageType = "NOTIFICATION_CLICK"
	MessageHello             MessageType = "HELLO"

	// Foreground -> agent push-subscription replies. SUBSCRIPTION_VALUE
	// answers GET_SUBSCRIPTION and SUBSCRIBE_PUSH; SUBSCRIBE_RESULT
	// answers UNSUBSCRIBE_PUSH.
	MessageSubscriptionValue MessageType = "SUBSCRIPTION_VALUE"
	MessageSubscribeResult   MessageType = "SUBSCRIBE_RESULT"
)

var knownTypes = map[MessageType]struct{}{
	MessageGetStorage:        {},
	MessageSetStorage:        {},
	MessageLogInteraction:    {},
	MessageSyncSessions:      {},
	MessageShareAchievement:  {},
	MessageNavigate:          {},
	MessageShowNotification:  {},
	MessageClaim:             {},
	MessageFocus:             {},
	MessageOpenWindow:        {},
	MessageStorageValue:      {},
	MessageSyncSuccess:       {},
	MessageSyncFailed:        {},
	MessageNotificationClick: {},
	MessageHello:             {},
	MessageGetSubscription:   {},
	MessageSubscribePush:     {},
	MessageUnsubscribePush:   {},
	MessageSubscriptionValue: {},
	MessageSubscribeResult:   {},
}

// Message is the wire envelope. Fields beyond Type are populated per shape;
// unused fields are omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	// RequestID correlates GET_STORAGE with its STORAGE_VALUE reply. It is
	// a generated unique id rather than the storage key so two concurrent
	// reads of the same key cannot cross-resolve.
	RequestID string `json:"requestId,omitempty"`

	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	URL    string         `json:"url,omitempty"`
	Action string         `json:"action,omitempty"`
	Data   map[string]any `json:"data,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`

	// Notification carries a rendered descriptor on SHOW_NOTIFICATION.
	Notification json.RawMessage `json:"notification,omitempty"`

	// Generation labels CLAIM commands with the newly activated cache
	// generation.
	Generation string `json:"generation,omitempty"`
}

// ErrUnrecognizedType reports a wire message whose type is outside the
// protocol.
type ErrUnrecognizedType struct {
	Type string
}

func (e ErrUnrecognizedType) Error() string {
	return fmt.Sprintf("bridge: unrecognized message type %q", e.Type)
}

// Decode parses a wire payload into a Message, surfacing unknown types as
// ErrUnrecognizedType alongside the decoded envelope so callers can log what
// arrived.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("bridge: decode message: %w", err)
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return msg, ErrUnrecognizedType{Type: string(msg.Type)}
	}
	return msg, nil
}

// Encode renders the message for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode message: %w", err)
	}
	return data, nil
}
