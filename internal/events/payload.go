package events

import "encoding/json"

type DeviceInfo struct {
	Type    string `json:"type"`
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
}

type AuthenticatePayload struct {
	UserID string     `json:"user_id"`
	Token  string     `json:"token"`
	Device DeviceInfo `json:"device"`
}

type SubscribePayload struct {
	Channels []string `json:"channels"`
}

type AuthSuccessPayload struct {
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	OnlineUsers []string `json:"online_users"`
}

// ErrorPayload is the only failure shape a client is ever shown.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ActivityPingPayload optionally narrows the signal to a typing/viewing
// indicator against a target resource.
type ActivityPingPayload struct {
	Kind   string `json:"kind,omitempty"`
	Target string `json:"target,omitempty"`
}

type PresenceUpdatePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type PresenceIdlePayload struct {
	Reason string `json:"reason"`
}

type NotificationReadPayload struct {
	ID string `json:"id"`
}

type NotificationDeletePayload struct {
	ID string `json:"id"`
}

type HistoryRequestPayload struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type HistoryResultPayload struct {
	Page          int               `json:"page"`
	Notifications []json.RawMessage `json:"notifications"`
	Unread        int64             `json:"unread"`
}
