// Package broker implements the in-process Event Broker: three typed,
// multi-consumer, non-blocking pub/sub channels. Kept as three concrete
// types rather than one generic Bus[T], matching this repo's preference
// for concrete, non-generic package style.
package broker

import (
	"sync"

	"github.com/harborctl/harborctl/internal/domain"
)

const subscriberBufferSize = 64

// ContainerEventBus fans out normalized ContainerEvents to every subscriber.
// Slow subscribers that fall behind have events dropped rather than
// blocking publishers.
type ContainerEventBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan domain.ContainerEvent
	next uint64
}

func NewContainerEventBus() *ContainerEventBus {
	return &ContainerEventBus{subs: make(map[uint64]chan domain.ContainerEvent)}
}

func (b *ContainerEventBus) Publish(evt domain.ContainerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *ContainerEventBus) Subscribe() (<-chan domain.ContainerEvent, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan domain.ContainerEvent, subscriberBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// EnvStatusBus fans out environment online/offline transitions.
type EnvStatusBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan domain.EnvStatus
	next uint64
}

func NewEnvStatusBus() *EnvStatusBus {
	return &EnvStatusBus{subs: make(map[uint64]chan domain.EnvStatus)}
}

func (b *EnvStatusBus) Publish(evt domain.EnvStatus) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *EnvStatusBus) Subscribe() (<-chan domain.EnvStatus, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan domain.EnvStatus, subscriberBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// AuditBus fans out audit entries.
type AuditBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan domain.AuditEntry
	next uint64
}

func NewAuditBus() *AuditBus {
	return &AuditBus{subs: make(map[uint64]chan domain.AuditEntry)}
}

func (b *AuditBus) Publish(evt domain.AuditEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *AuditBus) Subscribe() (<-chan domain.AuditEntry, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan domain.AuditEntry, subscriberBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Broker aggregates the three channels into one handle, passed around the
// codebase instead of three separate constructor arguments.
type Broker struct {
	Containers *ContainerEventBus
	EnvStatus  *EnvStatusBus
	Audit      *AuditBus
}

func New() *Broker {
	return &Broker{
		Containers: NewContainerEventBus(),
		EnvStatus:  NewEnvStatusBus(),
		Audit:      NewAuditBus(),
	}
}
