package host

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionInfo is the admin view of one hosted session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	Version     string    `json:"version,omitempty"`
	CipherSuite string    `json:"cipher_suite,omitempty"`
	Resumed     bool      `json:"resumed"`
	BytesIn     int64     `json:"bytes_in"`
	BytesOut    int64     `json:"bytes_out"`
	Started     time.Time `json:"started"`
}

// Registry publishes session snapshots from the host loop to readers such
// as the admin server. Only the loop writes.
type Registry struct {
	mu    sync.RWMutex
	items map[string]SessionInfo
	ready atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]SessionInfo)}
}

func (r *Registry) Put(info SessionInfo) {
	r.mu.Lock()
	r.items[info.ID] = info
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.items[id]
	return info, ok
}

// List returns sessions oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.items))
	for _, info := range r.items {
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// SetReady marks whether the host is accepting connections.
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

func (r *Registry) Ready() bool {
	return r.ready.Load()
}
