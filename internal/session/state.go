package session

import (
	"sync"

	"github.com/verisite/verisite-offline/internal/remote"
)

// State is the process-wide session truth. Many independent surfaces read
// it; it is only ever replaced wholesale and broadcast, never field-mutated
// in place, so a reader can never observe a torn intermediate value.
type State struct {
	User             *remote.User `json:"user,omitempty"`
	IsAuthenticated  bool         `json:"isAuthenticated"`
	Loading          bool         `json:"loading"`
	Error            string       `json:"error,omitempty"`
	ConnectionStatus string       `json:"connectionStatus"`
	SyncStatus       string       `json:"syncStatus"`
}

// broadcaster holds the single current State and fans out replacements to
// subscribers. Channels are buffered size 1 with latest-wins delivery: a slow
// subscriber sees the newest value, never a backlog.
type broadcaster struct {
	mu      sync.RWMutex
	current State
	subs    map[int]chan State
	nextID  int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		current: State{ConnectionStatus: "offline", SyncStatus: "idle"},
		subs:    make(map[int]chan State),
	}
}

func (b *broadcaster) get() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

func (b *broadcaster) set(s State) {
	b.mu.Lock()
	b.current = s
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			// Drop the stale value and replace it with the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	b.mu.Unlock()
}

func (b *broadcaster) subscribe() (<-chan State, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan State, 1)
	b.subs[id] = ch
	ch <- b.current
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}
