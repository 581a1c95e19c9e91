package store

import (
	"sort"
	"time"
)

// User is one chat user known to the gateway.
type User struct {
	ID            int64     `json:"id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Broadcastable bool      `json:"broadcastable"`
	AddedAt       time.Time `json:"added_at,omitzero"`
}

// Users is the JSON-file-backed user registry.
type Users struct {
	file *jsonFile[map[int64]User]
}

func OpenUsers(path string) (*Users, error) {
	f, err := openJSONFile(path, func() map[int64]User { return map[int64]User{} })
	if err != nil {
		return nil, err
	}
	return &Users{file: f}, nil
}

// Upsert inserts or updates a user and marks the store dirty.
func (u *Users) Upsert(usr User) {
	u.file.mutate(func(m map[int64]User) {
		if usr.AddedAt.IsZero() {
			if prev, ok := m[usr.ID]; ok && !prev.AddedAt.IsZero() {
				usr.AddedAt = prev.AddedAt
			} else {
				usr.AddedAt = time.Now()
			}
		}
		m[usr.ID] = usr
	})
}

// Remove deletes a user (e.g. after a blocked-bot delivery failure).
// Reports whether the user existed.
func (u *Users) Remove(id int64) bool {
	existed := false
	u.file.mutate(func(m map[int64]User) {
		if _, ok := m[id]; ok {
			existed = true
			delete(m, id)
		}
	})
	return existed
}

func (u *Users) Get(id int64) (User, bool) {
	var usr User
	var ok bool
	u.file.view(func(m map[int64]User) {
		usr, ok = m[id]
	})
	return usr, ok
}

func (u *Users) Len() int {
	n := 0
	u.file.view(func(m map[int64]User) { n = len(m) })
	return n
}

// Broadcastable lists users eligible for broadcast, ordered by ID so runs
// are deterministic.
func (u *Users) Broadcastable() []User {
	var out []User
	u.file.view(func(m map[int64]User) {
		for _, usr := range m {
			if usr.Broadcastable {
				out = append(out, usr)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (u *Users) Dirty() bool  { return u.file.dirty() }
func (u *Users) Flush() error { return u.file.flush() }
func (u *Users) Close() error { return u.file.flush() }
