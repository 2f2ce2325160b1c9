package roster

import (
	"sort"
	"strings"
)

// Diff compares two snapshots and returns one event per user whose role or
// entitlements changed. Users still present come first in ascending id
// order, followed by users that vanished from the roster.
func Diff(old, current Snapshot) []ChangeEvent {
	var events []ChangeEvent

	for _, record := range current.Records() {
		previous, existed := old[Key(record.ID)]
		event := ChangeEvent{UserID: record.ID}

		oldRole := ""
		if existed {
			oldRole = strings.TrimSpace(previous.Role)
		}
		newRole := strings.TrimSpace(record.Role)
		if oldRole != newRole {
			event.RoleChange = &RoleChange{Old: oldRole, New: newRole}
		}
		event.Added = difference(record.Chats, previous.Chats)
		event.Removed = difference(previous.Chats, record.Chats)

		if event.Empty() {
			continue
		}
		events = append(events, event)
	}

	var vanished []UserRecord
	for key, record := range old {
		if _, ok := current[key]; ok {
			continue
		}
		vanished = append(vanished, record)
	}
	sort.Slice(vanished, func(i, j int) bool { return vanished[i].ID < vanished[j].ID })
	for _, record := range vanished {
		removed := difference(record.Chats, nil)
		if len(removed) == 0 {
			continue
		}
		events = append(events, ChangeEvent{
			UserID:  record.ID,
			Added:   []ChatID{},
			Removed: removed,
		})
	}
	return events
}

// difference returns a - b in ascending order.
func difference(a, b []ChatID) []ChatID {
	exclude := make(map[ChatID]struct{}, len(b))
	for _, id := range b {
		exclude[id] = struct{}{}
	}
	out := []ChatID{}
	seen := map[ChatID]struct{}{}
	for _, id := range a {
		if _, skip := exclude[id]; skip {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sortChats(out)
	return out
}
