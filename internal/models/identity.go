package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyActorID = errors.New("actor id is required")

// ActorID is the canonical identity of a driver, passenger or admin. Clients send ids as
// strings, numbers or database objects ({"_id": ...}, {"$oid": ...}); all of them decode
// into the same trimmed string so nothing downstream has to coerce again.
type ActorID string

func (id ActorID) String() string { return string(id) }

func (id ActorID) IsZero() bool { return id == "" }

func (id *ActorID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ActorID(strings.TrimSpace(s))
		return nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		for _, k := range []string{"$oid", "_id", "id"} {
			if raw, ok := obj[k]; ok {
				return id.UnmarshalJSON(raw)
			}
		}
		return fmt.Errorf("actor id object has no _id, id or $oid field")
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid actor id %s", b)
		}
		*id = ActorID(n.String())
		return nil
	}
}

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
	RoleAdmin     Role = "admin"
)

// ParseRole accepts the role names used by the mobile apps ("rider" and "user" are
// passengers). Unknown names yield the empty role.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "driver":
		return RoleDriver
	case "passenger", "rider", "user", "client":
		return RolePassenger
	case "admin":
		return RoleAdmin
	default:
		return ""
	}
}

// Identity is a verified actor.
type Identity struct {
	ID   ActorID `json:"actorId"`
	Role Role    `json:"role"`
}
