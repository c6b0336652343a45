package gateway

import (
	"sync"
)

// Registry is the process-local connection index: conn -> owner and
// owner -> set of conns, plus channel membership. It is deliberately not
// shared across instances; "does this instance hold a live socket for this
// user" is only ever meaningful locally. The two indices are coupled, so
// every mutation funnels through Register/Unregister to keep them in step.
type Registry struct {
	mx sync.RWMutex

	byConn   map[string]*Connection
	owners   map[string]string
	byUser   map[string]map[string]*Connection
	channels map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:   map[string]*Connection{},
		owners:   map[string]string{},
		byUser:   map[string]map[string]*Connection{},
		channels: map[string]map[string]*Connection{},
	}
}

// Register admits an authenticated connection into the user's set. Reports
// whether this is the user's first live connection on this instance.
func (r *Registry) Register(conn *Connection, userID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.byConn[conn.ID] = conn
	r.owners[conn.ID] = userID

	set, ok := r.byUser[userID]
	if !ok {
		set = map[string]*Connection{}
		r.byUser[userID] = set
	}

	set[conn.ID] = conn

	return len(set) == 1
}

// Unregister removes a connection. Reports the owning user (empty when the
// connection never authenticated) and whether it was the user's last one.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.byConn[connID]; ok {
		delete(r.byConn, connID)

		for channel, members := range r.channels {
			delete(members, connID)

			if len(members) == 0 {
				delete(r.channels, channel)
			}
		}
	}

	userID, ok := r.owners[connID]
	if !ok {
		return "", false
	}

	delete(r.owners, connID)

	set := r.byUser[userID]
	delete(set, connID)

	if len(set) == 0 {
		delete(r.byUser, userID)

		return userID, true
	}

	return userID, false
}

func (r *Registry) ConnectionsOf(userID string) []*Connection {
	r.mx.RLock()
	defer r.mx.RUnlock()

	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))

	for _, c := range set {
		out = append(out, c)
	}

	return out
}

func (r *Registry) OwnerOf(connID string) (string, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	userID, ok := r.owners[connID]

	return userID, ok
}

func (r *Registry) Subscribe(conn *Connection, channels ...string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	for _, channel := range channels {
		members, ok := r.channels[channel]
		if !ok {
			members = map[string]*Connection{}
			r.channels[channel] = members
		}

		members[conn.ID] = conn
	}
}

func (r *Registry) Unsubscribe(conn *Connection, channels ...string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	for _, channel := range channels {
		members := r.channels[channel]
		delete(members, conn.ID)

		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
}

func (r *Registry) Channel(channel string) []*Connection {
	r.mx.RLock()
	defer r.mx.RUnlock()

	members := r.channels[channel]
	out := make([]*Connection, 0, len(members))

	for _, c := range members {
		out = append(out, c)
	}

	return out
}

func (r *Registry) All() []*Connection {
	r.mx.RLock()
	defer r.mx.RUnlock()

	out := make([]*Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}

	return out
}
