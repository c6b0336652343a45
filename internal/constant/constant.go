package constant

import "github.com/elevatehq/realtime/internal/utils"

const (
	ClientIP  = utils.Key("client_ip")
	SessionID = utils.Key("session_id")
)
