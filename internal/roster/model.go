package roster

import (
	"sort"
	"strconv"
)

type ChatID int64

type UserRecord struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Role        string   `json:"role"`
	Chats       []ChatID `json:"chats"`
}

func (r UserRecord) Clone() UserRecord {
	out := r
	out.Chats = make([]ChatID, len(r.Chats))
	copy(out.Chats, r.Chats)
	return out
}

func (r UserRecord) HasChat(chatID ChatID) bool {
	for _, id := range r.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}

// Snapshot maps the decimal user id to its record.
type Snapshot map[string]UserRecord

func Key(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func NewSnapshot(records []UserRecord) Snapshot {
	out := make(Snapshot, len(records))
	for _, record := range records {
		out[Key(record.ID)] = record.Clone()
	}
	return out
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for key, record := range s {
		out[key] = record.Clone()
	}
	return out
}

func (s Snapshot) Get(userID int64) (UserRecord, bool) {
	record, ok := s[Key(userID)]
	if !ok {
		return UserRecord{}, false
	}
	return record.Clone(), true
}

// Records returns the snapshot as a list ordered by user id.
func (s Snapshot) Records() []UserRecord {
	out := make([]UserRecord, 0, len(s))
	for _, record := range s {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type RoleChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type ChangeEvent struct {
	UserID     int64       `json:"user_id"`
	RoleChange *RoleChange `json:"role_change,omitempty"`
	Added      []ChatID    `json:"added"`
	Removed    []ChatID    `json:"removed"`
}

func (e ChangeEvent) Empty() bool {
	return e.RoleChange == nil && len(e.Added) == 0 && len(e.Removed) == 0
}

func sortChats(chats []ChatID) {
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
}
