// Package registry tracks connected clients: identity, metadata, and the
// write path used for room/channel fan-out.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

// Sender abstracts the write side of a client's transport so this package
// does not need to import the socket layer.
type Sender interface {
	Send(env *envelope.Envelope) error
}

// Metadata is the client-supplied identity attached at accept time.
type Metadata struct {
	Role        string
	TenantID    string
	Permissions []string
	HasPerms    bool
}

// Client is a single connected peer.
type Client struct {
	ID       string
	Metadata Metadata
	sender   Sender

	lastSeen atomic.Value // time.Time
	sent     atomic.Int64
	dropped  atomic.Int64
}

// Touch records activity for idle-timeout bookkeeping.
func (c *Client) Touch() {
	c.lastSeen.Store(time.Now())
}

// LastSeen returns the last recorded activity time.
func (c *Client) LastSeen() time.Time {
	if v, ok := c.lastSeen.Load().(time.Time); ok {
		return v
	}
	return time.Time{}
}

// Send writes env to the client, tracking delivery counters.
func (c *Client) Send(env *envelope.Envelope) error {
	if err := c.sender.Send(env); err != nil {
		c.dropped.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// HasCapability implements the command-lane authorization contract: role
// admin always passes; an explicit permissions set restricts to its
// members; absence of both falls back to legacy allow-by-default.
func (c *Client) HasCapability(capability string) bool {
	if c.Metadata.Role == "admin" {
		return true
	}
	if !c.Metadata.HasPerms {
		return true
	}
	for _, p := range c.Metadata.Permissions {
		if p == capability {
			return true
		}
	}
	return false
}

// Registry holds every connected client, indexed by id and by tenant.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	byTenant map[string][]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		clients:  make(map[string]*Client),
		byTenant: make(map[string][]string),
	}
}

// Register adds a client under a freshly assigned id, returning it.
func (r *Registry) Register(id string, meta Metadata, sender Sender) *Client {
	c := &Client{ID: id, Metadata: meta, sender: sender}
	c.Touch()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = c
	if meta.TenantID != "" {
		r.byTenant[meta.TenantID] = append(r.byTenant[meta.TenantID], id)
	}
	return c
}

// Unregister removes a client. Its tenant-scoped webhook rules and cron
// jobs are untouched; they outlive the connection by design.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	delete(r.clients, id)
	if c.Metadata.TenantID == "" {
		return
	}
	ids := r.byTenant[c.Metadata.TenantID]
	for i, cid := range ids {
		if cid == id {
			r.byTenant[c.Metadata.TenantID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byTenant[c.Metadata.TenantID]) == 0 {
		delete(r.byTenant, c.Metadata.TenantID)
	}
}

// Get returns the client by id, or (nil, false) if absent.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// ByTenant returns the client ids registered under tenantID.
func (r *Registry) ByTenant(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.byTenant[tenantID]))
	copy(out, r.byTenant[tenantID])
	return out
}

// Count returns the number of currently registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// BroadcastTo writes env to every client id in recipients, skipping
// excludeSender, and returns how many writes actually succeeded.
func (r *Registry) BroadcastTo(recipients []string, env *envelope.Envelope, excludeSender string) int {
	delivered := 0
	for _, id := range recipients {
		if id == excludeSender {
			continue
		}
		r.mu.RLock()
		c, ok := r.clients[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := c.Send(env); err == nil {
			delivered++
		}
	}
	return delivered
}

// ErrNotFound is returned when a lookup by client id fails.
var ErrNotFound = fmt.Errorf("registry: client not found")
