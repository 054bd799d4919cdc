package server

import (
	"errors"
	"sync"

	"relay/protocol"
)

var ErrAlreadyFriend = errors.New("already in friend list")

// Presence holds the in-memory, one-directional friend book and pushes
// status changes to interested sessions. A reverse index (friend to the
// owners watching them) keeps a registry transition from scanning every
// friend list. Nothing here is persisted; the book starts empty on every
// server start.
type Presence struct {
	mu       sync.Mutex
	friends  map[string]map[string]string   // owner -> friend -> cached status
	watchers map[string]map[string]struct{} // friend -> owners listing them
	registry *Registry
}

func NewPresence(registry *Registry) *Presence {
	return &Presence{
		friends:  make(map[string]map[string]string),
		watchers: make(map[string]map[string]struct{}),
		registry: registry,
	}
}

// AddFriend records a one-directional friend entry and returns the friend's
// current status, resolved against the live registry at call time.
func (p *Presence) AddFriend(owner, friend string) (string, error) {
	status := protocol.StatusOffline
	if _, ok := p.registry.Lookup(friend); ok {
		status = protocol.StatusOnline
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	list, ok := p.friends[owner]
	if !ok {
		list = make(map[string]string)
		p.friends[owner] = list
	}
	if _, ok := list[friend]; ok {
		return "", ErrAlreadyFriend
	}
	list[friend] = status

	owners, ok := p.watchers[friend]
	if !ok {
		owners = make(map[string]struct{})
		p.watchers[friend] = owners
	}
	owners[owner] = struct{}{}

	return status, nil
}

// Friends returns a copy of the owner's friend list with cached statuses.
func (p *Presence) Friends(owner string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := make(map[string]string, len(p.friends[owner]))
	for friend, status := range p.friends[owner] {
		list[friend] = status
	}
	return list
}

// SessionUp is the registry's register hook.
func (p *Presence) SessionUp(username string) {
	p.publish(username, protocol.StatusOnline)
}

// SessionDown is the registry's unregister hook.
func (p *Presence) SessionDown(username string) {
	p.publish(username, protocol.StatusOffline)
}

// publish updates every cached entry referencing username and enqueues a
// presence_update to each watcher that is currently connected. Sessions are
// resolved and enqueued after the book lock is released so a slow receiver
// cannot stall friend bookkeeping.
func (p *Presence) publish(username, status string) {
	p.mu.Lock()
	owners := make([]string, 0, len(p.watchers[username]))
	for owner := range p.watchers[username] {
		p.friends[owner][username] = status
		owners = append(owners, owner)
	}
	p.mu.Unlock()

	for _, owner := range owners {
		if s, ok := p.registry.Lookup(owner); ok {
			s.EnqueuePush(&protocol.Push{
				Type:     protocol.TypePresenceUpdate,
				Username: username,
				Status:   status,
			})
		}
	}
}
