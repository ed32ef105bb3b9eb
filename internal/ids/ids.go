// Package ids defines the opaque value types and the REDESIGN
// FLAGS §9 call for: work-item id, message id, and owner token are distinct
// types even though all three are 128-bit values, so a caller cannot pass an
// owner token where a message id is expected and have it silently compile.
// Equality and ordering are defined on the underlying bits only; callers
// must never parse or format these beyond String()/Parse().
package ids

import (
	"database/sql/driver"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// WorkItemID identifies a single row in any work-queue table (Outbox, Inbox,
// Timers, JobRuns). Stable and unique within its table for the row's
// lifetime.
type WorkItemID uuid.UUID

// MessageID is the identifier that survives retries: a WorkItem may be
// claimed, abandoned, and reclaimed many times under different owner tokens,
// but its MessageID never changes.
type MessageID uuid.UUID

// OwnerToken is the opaque identity a dispatcher instance presents when
// claiming rows. Only the holder of the matching OwnerToken may ack,
// abandon, or fail a row (WI-1).
type OwnerToken uuid.UUID

// NewWorkItemID generates a fresh random WorkItemID.
func NewWorkItemID() WorkItemID { return WorkItemID(uuid.New()) }

// NewMessageID generates a fresh random MessageID.
func NewMessageID() MessageID { return MessageID(uuid.New()) }

// NewOwnerToken generates a fresh random OwnerToken, used once per
// dispatcher process lifetime (or per claim batch, for finer-grained
// fencing).
func NewOwnerToken() OwnerToken { return OwnerToken(uuid.New()) }

func (id WorkItemID) String() string { return uuid.UUID(id).String() }
func (id MessageID) String() string  { return uuid.UUID(id).String() }
func (id OwnerToken) String() string { return uuid.UUID(id).String() }
func (id WorkItemID) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }
func (id MessageID) IsZero() bool    { return uuid.UUID(id) == uuid.Nil }
func (id OwnerToken) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }

// ParseWorkItemID parses a canonical UUID string into a WorkItemID.
func ParseWorkItemID(s string) (WorkItemID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return WorkItemID{}, fmt.Errorf("ids: invalid work item id %q: %w", s, err)
	}
	return WorkItemID(u), nil
}

// ParseMessageID parses a canonical UUID string into a MessageID.
func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("ids: invalid message id %q: %w", s, err)
	}
	return MessageID(u), nil
}

// ParseOwnerToken parses a canonical UUID string into an OwnerToken.
func ParseOwnerToken(s string) (OwnerToken, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OwnerToken{}, fmt.Errorf("ids: invalid owner token %q: %w", s, err)
	}
	return OwnerToken(u), nil
}

// Value/Scan implementations let these newtypes bind directly as
// database/sql query parameters and scan targets, stored as their canonical
// 36-byte string form (portable across SQLite/Postgres/SQL Server without a
// native UUID column type).

func (id WorkItemID) Value() (driver.Value, error) { return uuid.UUID(id).String(), nil }
func (id MessageID) Value() (driver.Value, error)  { return uuid.UUID(id).String(), nil }
func (id OwnerToken) Value() (driver.Value, error) { return uuid.UUID(id).String(), nil }

func (id *WorkItemID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = WorkItemID(u)
	return nil
}

func (id *MessageID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

func (id *OwnerToken) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = OwnerToken(u)
	return nil
}

func scanUUID(src any) (uuid.UUID, error) {
	switch v := src.(type) {
	case nil:
		return uuid.Nil, nil
	case string:
		if v == "" {
			return uuid.Nil, nil
		}
		return uuid.Parse(v)
	case []byte:
		if len(v) == 0 {
			return uuid.Nil, nil
		}
		return uuid.Parse(string(v))
	default:
		return uuid.Nil, fmt.Errorf("ids: cannot scan %T into uuid", src)
	}
}

// FencingToken is the strictly monotonic integer a Lease or Semaphore row
// stamps on every successful acquire/renew. Callers compare
// tokens with plain integer ordering; a lower token presented after a higher
// one has already been observed is always stale.
type FencingToken int64

// IsZero reports whether the token is the unset zero value. A real fencing
// token is never zero: the allocator starts counting at 1.
func (f FencingToken) IsZero() bool { return f == 0 }

// Less reports whether f is strictly older than other.
func (f FencingToken) Less(other FencingToken) bool { return f < other }

const (
	maxResourceNameLen = 200
	maxTopicLen        = 255
)

var resourceNameRe = regexp.MustCompile(`^[A-Za-z0-9_:./-]+$`)

// ResourceName identifies a Lease or Semaphore row: at most 200 characters,
// restricted to alphanumerics plus "-_:/.".
type ResourceName string

// NewResourceName validates s against the Lease/Semaphore name rules and
// returns it as a ResourceName, or an error describing which rule failed.
func NewResourceName(s string) (ResourceName, error) {
	if s == "" {
		return "", fmt.Errorf("ids: resource name must not be empty")
	}
	if len(s) > maxResourceNameLen {
		return "", fmt.Errorf("ids: resource name exceeds %d characters", maxResourceNameLen)
	}
	if !resourceNameRe.MatchString(s) {
		return "", fmt.Errorf("ids: resource name %q contains characters outside [A-Za-z0-9_:./-]", s)
	}
	return ResourceName(s), nil
}

func (r ResourceName) String() string { return string(r) }

// Topic identifies an Outbox/Inbox row's destination handler: non-empty,
// case-sensitive, at most 255 characters.
type Topic string

// NewTopic validates s against the Outbox/Inbox topic rules.
func NewTopic(s string) (Topic, error) {
	if s == "" {
		return "", fmt.Errorf("ids: topic must not be empty")
	}
	if len(s) > maxTopicLen {
		return "", fmt.Errorf("ids: topic exceeds %d characters", maxTopicLen)
	}
	return Topic(s), nil
}

func (t Topic) String() string { return string(t) }
