package events

import (
	"encoding/json"
	"time"
)

// RawMessage aliases the stdlib raw payload type so packages that rebind the
// json identifier to jsoniter can still name it.
type RawMessage = json.RawMessage

// Message is the wire envelope for every frame exchanged over the realtime
// channel and the broadcast bus.
type Message[D any] struct {
	Event     EventType `json:"e"`
	Timestamp int64     `json:"t"`
	Data      D         `json:"d,omitempty"`
}

func NewMessage[D any](event EventType, data D) Message[D] {
	return Message[D]{
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

func (m Message[D]) ToRaw() Message[json.RawMessage] {
	switch x := any(m.Data).(type) {
	case json.RawMessage:
		return Message[json.RawMessage]{
			Event:     m.Event,
			Timestamp: m.Timestamp,
			Data:      x,
		}
	}

	raw, _ := json.Marshal(m.Data)

	return Message[json.RawMessage]{
		Event:     m.Event,
		Timestamp: m.Timestamp,
		Data:      raw,
	}
}

func ConvertMessage[D any](m Message[json.RawMessage]) (Message[D], error) {
	var d D
	err := json.Unmarshal(m.Data, &d)

	return Message[D]{
		Event:     m.Event,
		Timestamp: m.Timestamp,
		Data:      d,
	}, err
}

type EventType string

const (
	// Client -> Server

	EventTypeAuthenticate        EventType = "authenticate"
	EventTypeSubscribe           EventType = "subscribe"
	EventTypeUnsubscribe         EventType = "unsubscribe"
	EventTypeActivityPing        EventType = "activity:ping"
	EventTypeHealthCheck         EventType = "health:check"
	EventTypeNotificationRead    EventType = "notification:read"
	EventTypeNotificationReadAll EventType = "notification:read-all"
	EventTypeNotificationDelete  EventType = "notification:delete"
	EventTypeNotificationHistory EventType = "notification:history"

	// Server -> Client

	EventTypeAuthSuccess         EventType = "auth:success"
	EventTypeAuthError           EventType = "auth:error"
	EventTypeError               EventType = "error"
	EventTypeHealthOK            EventType = "health:ok"
	EventTypeNotificationNew     EventType = "notification:new"
	EventTypeNotificationDeleted EventType = "notification:deleted"
	EventTypePresenceUpdate      EventType = "presence:update"
	EventTypePresenceIdle        EventType = "presence:idle"
)

type CloseCode uint16

const (
	CloseCodeServerError       CloseCode = 4000 // an error occured on the server's end
	CloseCodeUnknownOperation  CloseCode = 4001 // the client sent an unexpected event
	CloseCodeInvalidPayload    CloseCode = 4002 // the client sent a payload that couldn't be decoded
	CloseCodeAuthFailure       CloseCode = 4003 // the client unsuccessfully tried to authenticate
	CloseCodeAlreadyIdentified CloseCode = 4004 // the client wanted to authenticate again
	CloseCodeRateLimit         CloseCode = 4005 // the client is being rate-limited
	CloseCodeRestart           CloseCode = 4006 // the server is restarting and the client should reconnect
	CloseCodeMaintenance       CloseCode = 4007 // the server is in maintenance mode and not accepting connections
	CloseCodeTimeout           CloseCode = 4008 // the client did not authenticate before the deadline
)

func (c CloseCode) String() string {
	switch c {
	case CloseCodeServerError:
		return "Internal Server Error"
	case CloseCodeUnknownOperation:
		return "Unknown Operation"
	case CloseCodeInvalidPayload:
		return "Invalid Payload"
	case CloseCodeAuthFailure:
		return "Authentication Failed"
	case CloseCodeAlreadyIdentified:
		return "Already Identified"
	case CloseCodeRateLimit:
		return "Rate Limit Reached"
	case CloseCodeRestart:
		return "Server Is Restarting"
	case CloseCodeMaintenance:
		return "Maintenance Mode"
	case CloseCodeTimeout:
		return "Authentication Timeout"
	default:
		return "Undocumented Closure"
	}
}
