package events

import "encoding/json"

// Scope selects which connections a bus payload targets. The set is closed:
// every instance subscribes to all three scopes and decides locally whether
// it holds a matching connection.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
	ScopeRoom   Scope = "room"
)

type BusPayload struct {
	Scope  Scope  `json:"scope"`
	Target string `json:"target,omitempty"`
	Origin string `json:"origin,omitempty"`

	Message Message[json.RawMessage] `json:"message"`
}
