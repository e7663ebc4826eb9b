// Package clients keeps track of the client pages governed by the cache controller.
package clients

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrClientNotFound = errors.New("client not found")

type Client struct {
	ID  string
	URL string
	// Controlled is set once the active controller has claimed the client.
	Controlled bool
	Focused    bool
}

// Registry is an in-memory list of open client windows.
// It is safe for concurrent use.
type Registry struct {
	mutex   sync.Mutex
	order   []string
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// Register adds a new, uncontrolled client window showing url.
func (r *Registry) Register(url string) Client {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return *r.add(url)
}

// add must be called with the lock held.
func (r *Registry) add(url string) *Client {
	c := &Client{ID: uuid.NewString(), URL: url}
	r.clients[c.ID] = c
	r.order = append(r.order, c.ID)
	return c
}

// Remove forgets the client, e.g. when its window is closed.
func (r *Registry) Remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	for i, cid := range r.order {
		if cid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Claim makes every known client controlled and returns how many were newly claimed.
func (r *Registry) Claim() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	claimed := 0
	for _, c := range r.clients {
		if !c.Controlled {
			c.Controlled = true
			claimed++
		}
	}
	return claimed
}

// MatchAll returns a snapshot of all clients in registration order.
func (r *Registry) MatchAll() []Client {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	all := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, *r.clients[id])
	}
	return all
}

// Focus focuses the client with the given id and unfocuses all others.
func (r *Registry) Focus(id string) (Client, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	r.focus(c)
	return *c, nil
}

// focus must be called with the lock held.
func (r *Registry) focus(target *Client) {
	for _, c := range r.clients {
		c.Focused = false
	}
	target.Focused = true
}

// OpenWindow focuses a client already showing url, or opens a new one.
// Windows opened here are controlled right away.
func (r *Registry) OpenWindow(url string) (Client, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, id := range r.order {
		if c := r.clients[id]; c.URL == url {
			r.focus(c)
			return *c, nil
		}
	}
	c := r.add(url)
	c.Controlled = true
	r.focus(c)
	return *c, nil
}
