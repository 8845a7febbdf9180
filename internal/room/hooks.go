// Package room provides the per-session runtime: one Room instance per
// active session, with a serialized event loop owning the client roster, seat
// reservations, lock state, message dispatch, and the dispose sequence.
// Application behavior attaches through optional capability interfaces; a
// handler that does not implement a hook gets no-op behavior, not an error.
package room

// OnCreate is implemented by handlers that initialize room state. It runs
// once, before any client can join. Returning an error aborts room creation.
type OnCreate interface {
	OnCreate(room *Room, options map[string]any) error
}

// OnAuth is implemented by handlers that validate joining clients before
// OnJoin. Returning an error rejects the join with an auth failure; the
// returned value is passed to OnJoin as auth data.
type OnAuth interface {
	OnAuth(client *Client, options map[string]any) (any, error)
}

// OnJoin is implemented by handlers that react to a client joining.
// A returned error rejects the join; the client never reaches JOINED and
// OnLeave will not fire for it.
type OnJoin interface {
	OnJoin(client *Client, options map[string]any, auth any) error
}

// OnLeave is implemented by handlers that react to a fully joined client
// leaving. consented is true for explicit leaves, false for abnormal closes.
type OnLeave interface {
	OnLeave(client *Client, consented bool) error
}

// OnDrop is implemented by handlers that distinguish abnormal socket closes
// from explicit leaves. When absent, abnormal closes fall back to
// OnLeave(client, false).
type OnDrop interface {
	OnDrop(client *Client, code int) error
}

// OnDispose is implemented by handlers that release resources when the room
// tears down. It runs exactly once.
type OnDispose interface {
	OnDispose() error
}

// OnCacheRoom is implemented by handlers that contribute an extra payload to
// the dev-mode room cache written at graceful shutdown.
type OnCacheRoom interface {
	OnCacheRoom() any
}

// OnRestoreRoom is implemented by handlers that consume the cached payload
// when a dev-mode restart recreates the room.
type OnRestoreRoom interface {
	OnRestoreRoom(cache any)
}

// OnUncaughtException is implemented by handlers that observe errors raised
// inside other hooks, message handlers, or scheduled callbacks. hook names
// the origin ("onJoin", "onMessage", "setInterval", ...), args carries the
// original call arguments.
type OnUncaughtException interface {
	OnUncaughtException(err error, hook string, args ...any)
}

// OnRoomCall is implemented by handlers that serve application-defined
// remote room calls (matchmaker.RemoteRoomCall with a method the room runtime
// does not recognize).
type OnRoomCall interface {
	OnRoomCall(method string, args []any) (any, error)
}

// StateRestorer is implemented by handlers that can reload their state from
// the serialized snapshot a dev-mode restart carried over.
type StateRestorer interface {
	RestoreState(state []byte) error
}

// StateProvider is implemented by handlers carrying synchronizable state.
// Rooms with a StateProvider handler use the JSON state serializer; rooms
// without one send no state frames.
type StateProvider interface {
	State() any
}
