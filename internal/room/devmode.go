package room

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// DevModeClient records one session eligible to resume after a dev-mode
// restart.
type DevModeClient struct {
	SessionID         string `json:"sessionId"`
	ReconnectionToken string `json:"reconnectionToken"`
}

// DevModeCache is the snapshot written at dev-mode shutdown and replayed on
// the next boot to recreate the room.
type DevModeCache struct {
	RoomID  string          `json:"roomId"`
	Name    string          `json:"name"`
	Options map[string]any  `json:"options,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
	Clients []DevModeClient `json:"clients,omitempty"`
	Custom  any             `json:"custom,omitempty"`
}

// BuildDevModeCache snapshots the room for a dev-mode restart: creation
// options, the serialized room state, each session's already-issued
// reconnection token, and the handler's OnCacheRoom payload.
func (r *Room) BuildDevModeCache() (*DevModeCache, error) {
	var cache *DevModeCache
	err := r.Do(func() {
		cache = &DevModeCache{
			RoomID:  r.params.RoomID,
			Name:    r.params.Name,
			Options: r.options,
		}
		for _, sid := range r.order {
			c, ok := r.roster[sid]
			if !ok {
				continue
			}
			cache.Clients = append(cache.Clients, DevModeClient{SessionID: sid, ReconnectionToken: c.ReconnectionToken()})
		}
		for sid, rec := range r.reconnections {
			if !containsString(r.order, sid) {
				cache.Clients = append(cache.Clients, DevModeClient{SessionID: sid, ReconnectionToken: rec.token})
			}
		}
		if state, serr := r.serializer.FullState(); serr != nil {
			r.logger.Warn("snapshotting room state for dev-mode cache", zap.Error(serr))
		} else {
			cache.State = state
		}
		if h, ok := r.handler.(OnCacheRoom); ok {
			cache.Custom = h.OnCacheRoom()
		}
	})
	if err != nil {
		return nil, err
	}
	return cache, nil
}

// RestoreDevModeCache reopens the sessions recorded in cache as reconnection
// windows with the given grace period and replays the handler payload
// through OnRestoreRoom.
//
// Precondition: The room has been started; its roster is empty.
func (r *Room) RestoreDevModeCache(cache *DevModeCache, grace time.Duration) error {
	return r.Do(func() {
		if len(cache.State) > 0 {
			if h, ok := r.handler.(StateRestorer); ok {
				r.invokeHook("restoreState", func() error {
					return h.RestoreState(cache.State)
				})
			}
		}
		if h, ok := r.handler.(OnRestoreRoom); ok {
			r.invokeHook("onRestoreRoom", func() error {
				h.OnRestoreRoom(cache.Custom)
				return nil
			})
		}
		for _, dc := range cache.Clients {
			sid := dc.SessionID
			client := newClient(sid, nil)
			client.setState(ClientLeaving)
			client.markJoined()
			client.setReconnectionToken(dc.ReconnectionToken)

			d := NewDeferred()
			r.reconnections[sid] = &reconnectionEntry{client: client, deferred: d, token: dc.ReconnectionToken}
			token := dc.ReconnectionToken
			d.SetTimeout(grace, func() {
				_ = r.Dispatch(func() { r.expireReconnection(sid, token) })
			})

			r.cache.Clients++
		}
		r.syncLock()
		r.persistCache()
		r.logger.Info("room restored from dev-mode cache",
			zap.Int("sessions", len(cache.Clients)))
	})
}
