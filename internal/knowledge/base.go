// ABOUTME: In-memory knowledge base holding compacted tool results behind kb:// references
// ABOUTME: Hydrate restores compacted content before turns are sent to a client

package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runs/internal/run"
)

// RefPrefix starts every reference handed out by a Base.
const RefPrefix = "kb://"

// ErrUnknownRef is returned by Lookup for references this base never issued.
var ErrUnknownRef = errors.New("unknown knowledge base reference")

// Base is a run-scoped store of compacted content.
type Base struct {
	mu      sync.RWMutex
	entries map[string]run.KnowledgeEntry
}

// New creates an empty knowledge base.
func New() *Base {
	return &Base{entries: make(map[string]run.KnowledgeEntry)}
}

// Put stores content and returns its reference.
func (b *Base) Put(source, content string) string {
	ref := RefPrefix + uuid.New().String()
	b.mu.Lock()
	b.entries[ref] = run.KnowledgeEntry{
		Ref:       ref,
		Source:    source,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	b.mu.Unlock()
	return ref
}

// Lookup returns the content behind ref.
func (b *Base) Lookup(ref string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[ref]
	if !ok {
		return "", ErrUnknownRef
	}
	return e.Content, nil
}

// Compact moves tool results longer than threshold into the base, leaving
// a reference in their place. It returns a new slice.
func (b *Base) Compact(turns []run.Turn, threshold int) []run.Turn {
	out := run.CloneTurns(turns)
	for i := range out {
		for j := range out[i].ToolResults {
			tr := &out[i].ToolResults[j]
			if tr.KBRef != "" || len(tr.Content) <= threshold {
				continue
			}
			tr.KBRef = b.Put(tr.ToolName, tr.Content)
			tr.Content = ""
		}
	}
	return out
}

// Hydrate returns a copy of turns with every compacted tool result filled
// in. References this base does not know are left compacted.
func (b *Base) Hydrate(ctx context.Context, turns []run.Turn) ([]run.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := run.CloneTurns(turns)
	for i := range out {
		for j := range out[i].ToolResults {
			tr := &out[i].ToolResults[j]
			if !tr.Compacted() || !strings.HasPrefix(tr.KBRef, RefPrefix) {
				continue
			}
			if content, err := b.Lookup(tr.KBRef); err == nil {
				tr.Content = content
			}
		}
	}
	return out, nil
}

// Entries returns every stored entry, oldest first.
func (b *Base) Entries() []run.KnowledgeEntry {
	b.mu.RLock()
	out := make([]run.KnowledgeEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Ref < out[j].Ref
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Restore loads previously exported entries, e.g. from a snapshot.
func (b *Base) Restore(entries []run.KnowledgeEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.entries[e.Ref] = e
	}
}

var _ run.KnowledgeBase = (*Base)(nil)
