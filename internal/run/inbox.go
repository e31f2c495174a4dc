// ABOUTME: Per-run inbox of pending inputs paired with a level-triggered wake signal
// ABOUTME: Producers append then wake; the flow runner drains on its own schedule

package run

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InboxSource identifies who produced an inbox item.
type InboxSource string

const (
	SourceUserPrompt      InboxSource = "USER_PROMPT"
	SourceProfilesUpdated InboxSource = "PROFILES_UPDATED"
	SourceSystem          InboxSource = "SYSTEM"
)

// ConsumptionPolicy controls when an item leaves the inbox.
type ConsumptionPolicy string

const (
	// ConsumeOnRead items are removed by Drain.
	ConsumeOnRead ConsumptionPolicy = "consume_on_read"
	// PersistentUntilConsumed items stay until Consume is called with their id.
	PersistentUntilConsumed ConsumptionPolicy = "persistent_until_consumed"
)

// InboxMetadata carries bookkeeping for an InboxItem.
type InboxMetadata struct {
	CreatedAt time.Time `json:"created_at"`
}

// InboxItem is one pending input for a running flow.
type InboxItem struct {
	ItemID            string            `json:"item_id"`
	Source            InboxSource       `json:"source"`
	Payload           map[string]any    `json:"payload"`
	ConsumptionPolicy ConsumptionPolicy `json:"consumption_policy"`
	Metadata          InboxMetadata     `json:"metadata"`
}

// NewInboxItem builds an item with a fresh id and creation timestamp.
func NewInboxItem(source InboxSource, payload map[string]any, policy ConsumptionPolicy) InboxItem {
	if payload == nil {
		payload = map[string]any{}
	}
	return InboxItem{
		ItemID:            uuid.New().String(),
		Source:            source,
		Payload:           payload,
		ConsumptionPolicy: policy,
		Metadata:          InboxMetadata{CreatedAt: time.Now().UTC()},
	}
}

// Inbox is an ordered sequence of InboxItems plus a wake signal.
//
// The wake signal is a channel with capacity one: Wake is idempotent and
// never blocks, and a wake issued while the consumer is busy stays pending
// until the consumer next receives from Wakeup. Items are always appended
// before the wake is set, so a consumer that drains after every wakeup never
// misses an item.
type Inbox struct {
	mu    sync.Mutex
	items []InboxItem
	wake  chan struct{}
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{wake: make(chan struct{}, 1)}
}

// Append adds an item without waking the consumer.
func (i *Inbox) Append(item InboxItem) {
	i.mu.Lock()
	i.items = append(i.items, item)
	i.mu.Unlock()
}

// Wake sets the wake signal.
func (i *Inbox) Wake() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Post appends an item and then sets the wake signal.
func (i *Inbox) Post(item InboxItem) {
	i.Append(item)
	i.Wake()
}

// Wakeup returns the channel a consumer waits on. Receiving clears the signal.
func (i *Inbox) Wakeup() <-chan struct{} {
	return i.wake
}

// Drain removes and returns the consume_on_read items in order. Persistent
// items are left in place.
func (i *Inbox) Drain() []InboxItem {
	i.mu.Lock()
	defer i.mu.Unlock()

	var drained []InboxItem
	kept := i.items[:0]
	for _, item := range i.items {
		if item.ConsumptionPolicy == ConsumeOnRead {
			drained = append(drained, item)
			continue
		}
		kept = append(kept, item)
	}
	// Zero the tail so drained payloads are not retained by the backing array.
	for j := len(kept); j < len(i.items); j++ {
		i.items[j] = InboxItem{}
	}
	i.items = kept
	return drained
}

// Consume removes the item with the given id. It reports whether it existed.
func (i *Inbox) Consume(itemID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for j, item := range i.items {
		if item.ItemID == itemID {
			i.items = append(i.items[:j], i.items[j+1:]...)
			return true
		}
	}
	return false
}

// Items returns a copy of the pending items.
func (i *Inbox) Items() []InboxItem {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]InboxItem, len(i.items))
	copy(out, i.items)
	return out
}

// Len returns the number of pending items.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}

// restore replaces the pending items, used when rebuilding from a snapshot.
func (i *Inbox) restore(items []InboxItem) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.items = append([]InboxItem(nil), items...)
}
