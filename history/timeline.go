package history

import (
	"sort"

	"github.com/karthikraju391/go-chat-sync/models"
)

// timeline is one room's ordered, de-duplicated message list. It is only
// touched with Store.mu held.
type timeline struct {
	gen  uint64
	msgs []models.ChatMessage

	cursor    *models.Cursor
	started   bool
	exhausted bool

	// tombstones hold deleted server ids so late pages or a racing send
	// confirmation cannot resurrect them.
	tombstones map[string]struct{}
}

func newTimeline(gen uint64) *timeline {
	return &timeline{gen: gen, tombstones: make(map[string]struct{})}
}

func (t *timeline) indexOf(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *timeline) indexOfTemp(tempID string) int {
	for i := range t.msgs {
		if t.msgs[i].TempID == tempID && t.msgs[i].Optimistic() {
			return i
		}
	}
	return -1
}

func (t *timeline) removeAt(i int) models.ChatMessage {
	removed := t.msgs[i]
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	return removed
}

func (t *timeline) insertSorted(msg models.ChatMessage) {
	i := sort.Search(len(t.msgs), func(i int) bool {
		return models.Less(msg, t.msgs[i])
	})
	t.msgs = append(t.msgs, models.ChatMessage{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
}

// upsert inserts msg at its (CreatedAt, ID) position, replacing any entry with
// the same id. A replaced entry's TempID is carried over. It reports false for
// tombstoned ids.
func (t *timeline) upsert(msg models.ChatMessage) bool {
	if _, deleted := t.tombstones[msg.ID]; deleted {
		return false
	}
	if i := t.indexOf(msg.ID); i >= 0 {
		prev := t.removeAt(i)
		if msg.TempID == "" {
			msg.TempID = prev.TempID
		}
	}
	t.insertSorted(msg)
	return true
}

// edit replaces the content of an existing entry in place.
func (t *timeline) edit(msg models.ChatMessage) bool {
	i := t.indexOf(msg.ID)
	if i < 0 {
		return false
	}
	cur := &t.msgs[i]
	cur.Content = msg.Content
	if msg.Kind != "" {
		cur.Kind = msg.Kind
	}
	if msg.Status != "" {
		cur.Status = msg.Status
	}
	return true
}

func (t *timeline) remove(id string) bool {
	t.tombstones[id] = struct{}{}
	if i := t.indexOf(id); i >= 0 {
		t.removeAt(i)
		return true
	}
	return false
}

func (t *timeline) snapshot() []models.ChatMessage {
	return append([]models.ChatMessage(nil), t.msgs...)
}
