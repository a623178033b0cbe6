package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the content type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

// Status tracks an entry's delivery state on this client. It never goes
// over the wire.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Message is one chat entry. ID is the server id once confirmed; for an
// optimistic local entry it equals CorrelationID.
type Message struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RoomID        string    `json:"roomId"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	Kind          Kind      `json:"kind"`
	CreatedAt     time.Time `json:"createdAt"`
	Read          bool      `json:"read"`
	Status        Status    `json:"-"`
}

// UnmarshalJSON accepts numeric or string ids and sender ids, since the
// message server emits database ids as numbers.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var raw struct {
		plain
		ID       flexibleID `json:"id"`
		SenderID flexibleID `json:"senderId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.plain)
	m.ID = string(raw.ID)
	m.SenderID = string(raw.SenderID)
	if m.Kind == "" {
		m.Kind = KindText
	}
	return nil
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// CompareIDs orders two message ids. Ids that are both integers compare
// numerically so that "9" sorts before "10"; anything else compares as
// strings.
func CompareIDs(a, b string) int {
	if a == b {
		return 0
	}
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// Before reports whether a sorts before b in a timeline: by CreatedAt,
// then by id.
func Before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return CompareIDs(a.ID, b.ID) < 0
}
