package outbound

import (
	"sort"
	"sync"

	"chatsync/internal/delivery"
	"chatsync/internal/store"
)

// Pending tracks optimistic outbound messages between dispatch and
// durable confirmation. Records live here, not in the store: a send that
// never reaches the provider must leave no permanent message row behind.
type Pending struct {
	mu         sync.RWMutex
	byClient   map[string]store.Message // keyed by optimistic client id
	byProvider map[string]string        // provider id -> client id
}

func NewPending() *Pending {
	return &Pending{
		byClient:   make(map[string]store.Message),
		byProvider: make(map[string]string),
	}
}

// Add registers a freshly dispatched message under its client id.
func (p *Pending) Add(m store.Message) {
	p.mu.Lock()
	p.byClient[m.MsgID] = m
	p.mu.Unlock()
}

// Confirm records the provider identifier the gateway assigned, so a
// provider echo arriving before the durable row lands is recognized.
func (p *Pending) Confirm(clientID, providerID string) {
	p.mu.Lock()
	p.byProvider[providerID] = clientID
	p.mu.Unlock()
}

// Fail marks the record failed. It stays visible until retried or
// discarded.
func (p *Pending) Fail(clientID string) {
	p.mu.Lock()
	if m, ok := p.byClient[clientID]; ok {
		m.Status = delivery.Failed
		p.byClient[clientID] = m
	}
	p.mu.Unlock()
}

// Remove drops the record and any provider id mapped to it.
func (p *Pending) Remove(clientID string) {
	p.mu.Lock()
	delete(p.byClient, clientID)
	for prov, cli := range p.byProvider {
		if cli == clientID {
			delete(p.byProvider, prov)
		}
	}
	p.mu.Unlock()
}

// Get returns the current optimistic record for the client id.
func (p *Pending) Get(clientID string) (store.Message, bool) {
	p.mu.RLock()
	m, ok := p.byClient[clientID]
	p.mu.RUnlock()
	return m, ok
}

// KnownProviderID reports whether a provider message id belongs to an
// in-flight send.
func (p *Pending) KnownProviderID(id string) bool {
	p.mu.RLock()
	_, ok := p.byProvider[id]
	p.mu.RUnlock()
	return ok
}

// Snapshot returns copies of the in-flight records for one conversation,
// oldest first.
func (p *Pending) Snapshot(tenantID, address string) []store.Message {
	p.mu.RLock()
	var out []store.Message
	for _, m := range p.byClient {
		if m.TenantID == tenantID && m.Address == address {
			out = append(out, m)
		}
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
