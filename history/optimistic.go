package history

import (
	"context"
	"errors"

	"github.com/karthikraju391/go-chat-sync/models"
)

// ErrUnknownTemp is returned for temporary ids the store does not track.
var ErrUnknownTemp = errors.New("unknown temporary id")

// InsertOptimistic shows a not yet confirmed message. msg.TempID must be set;
// it doubles as the entry's id until Reconcile.
func (s *Store) InsertOptimistic(msg models.ChatMessage) {
	msg.ID = msg.TempID
	msg.Status = models.StatusSending
	msg.Failed = false

	s.mu.Lock()
	s.room(msg.RoomID).insertSorted(msg)
	s.temps[msg.TempID] = msg.RoomID
	s.mu.Unlock()

	s.notify(msg.RoomID)
}

// Reconcile swaps the optimistic entry for the server-confirmed copy. If a
// live event already delivered the confirmed id, the optimistic entry is simply
// dropped so exactly one entry remains. It reports false when the entry was
// cancelled or its room was closed in the meantime.
func (s *Store) Reconcile(tempID string, confirmed models.ChatMessage) bool {
	s.mu.Lock()
	roomID, ok := s.temps[tempID]
	delete(s.temps, tempID)
	if _, gone := s.cancelled[tempID]; gone {
		delete(s.cancelled, tempID)
		ok = false
	}
	if !ok {
		s.mu.Unlock()
		return false
	}

	tl := s.room(roomID)
	if i := tl.indexOfTemp(tempID); i >= 0 {
		tl.removeAt(i)
	}
	confirmed.RoomID = roomID
	confirmed.TempID = tempID
	confirmed.Failed = false
	if confirmed.Status == "" || confirmed.Status == models.StatusSending {
		confirmed.Status = models.StatusSent
	}

	var saved []models.ChatMessage
	if i := tl.indexOf(confirmed.ID); i >= 0 {
		tl.msgs[i].TempID = tempID
	} else if tl.upsert(confirmed) {
		saved = append(saved, confirmed)
	}
	s.mu.Unlock()

	s.persist(context.Background(), roomID, saved)
	s.notify(roomID)
	return true
}

// MarkFailed keeps the optimistic entry visible with Failed set.
func (s *Store) MarkFailed(tempID string, cause error) error {
	return s.updateTemp(tempID, func(m *models.ChatMessage) {
		m.Failed = true
		m.Status = models.StatusSending
		s.logger.Debug("send failed", "tempID", tempID, "error", cause)
	})
}

// MarkSending clears the failed flag before a retry.
func (s *Store) MarkSending(tempID string) error {
	return s.updateTemp(tempID, func(m *models.ChatMessage) {
		m.Failed = false
		m.Status = models.StatusSending
	})
}

// Discard removes an optimistic entry.
func (s *Store) Discard(tempID string) error {
	s.mu.Lock()
	roomID, ok := s.temps[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTemp
	}
	delete(s.temps, tempID)
	if tl, ok := s.rooms[roomID]; ok {
		if i := tl.indexOfTemp(tempID); i >= 0 {
			tl.removeAt(i)
		}
	}
	s.mu.Unlock()

	s.notify(roomID)
	return nil
}

// Optimistic returns the current optimistic entry for tempID.
func (s *Store) Optimistic(tempID string) (models.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.temps[tempID]
	if !ok {
		return models.ChatMessage{}, false
	}
	tl, ok := s.rooms[roomID]
	if !ok {
		return models.ChatMessage{}, false
	}
	if i := tl.indexOfTemp(tempID); i >= 0 {
		return tl.msgs[i], true
	}
	return models.ChatMessage{}, false
}

func (s *Store) updateTemp(tempID string, update func(*models.ChatMessage)) error {
	s.mu.Lock()
	roomID, ok := s.temps[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTemp
	}
	tl, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTemp
	}
	i := tl.indexOfTemp(tempID)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownTemp
	}
	update(&tl.msgs[i])
	s.mu.Unlock()

	s.notify(roomID)
	return nil
}
