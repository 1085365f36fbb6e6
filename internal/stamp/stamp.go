// Package stamp captures the state of a mailbox folder so that changes
// can be detected without fetching message content.
package stamp

import (
	"encoding/json"
	"fmt"

	"github.com/nhle/kolab-storage/internal/model"
)

// Stamp is a snapshot of a folder: its UID validity, the next UID the
// backend will assign, and the backend ids present, in ascending order.
//
// A Stamp is immutable once built; callers must not modify UIDs.
type Stamp struct {
	UIDValidity uint32
	UIDNext     uint32
	UIDs        []model.BackendID
}

// New builds a stamp. The ids are copied and sorted.
func New(validity, next uint32, ids []model.BackendID) *Stamp {
	uids := append([]model.BackendID(nil), ids...)
	model.SortBackendIDs(uids)
	return &Stamp{UIDValidity: validity, UIDNext: next, UIDs: uids}
}

// IsReset reports whether other was taken after the folder's UID
// validity changed. Backend ids from s mean nothing in other then.
func (s *Stamp) IsReset(other *Stamp) bool {
	return s.UIDValidity != other.UIDValidity
}

// Equal reports whether both stamps describe the same folder state.
func (s *Stamp) Equal(other *Stamp) bool {
	if s.IsReset(other) || s.UIDNext != other.UIDNext {
		return false
	}
	if len(s.UIDs) != len(other.UIDs) {
		return false
	}
	for i := range s.UIDs {
		if s.UIDs[i] != other.UIDs[i] {
			return false
		}
	}
	return true
}

// Supersedes reports whether s contains every backend id of older under
// the same UID validity.
func (s *Stamp) Supersedes(older *Stamp) bool {
	if s.IsReset(older) {
		return false
	}
	_, removed := older.Diff(s)
	return len(removed) == 0
}

// OnlyAppended reports whether newer equals s plus ids appended at the
// end. Backend ids grow monotonically under a stable validity, so this
// is a prefix check.
func (s *Stamp) OnlyAppended(newer *Stamp) bool {
	if s.IsReset(newer) || len(newer.UIDs) < len(s.UIDs) {
		return false
	}
	for i, id := range s.UIDs {
		if newer.UIDs[i] != id {
			return false
		}
	}
	return true
}

// Diff returns the ids present in newer but not in s, and the ids
// present in s but no longer in newer. It must not be used across a
// reset; callers check IsReset first.
func (s *Stamp) Diff(newer *Stamp) (added, removed []model.BackendID) {
	i, j := 0, 0
	for i < len(s.UIDs) && j < len(newer.UIDs) {
		switch {
		case s.UIDs[i] == newer.UIDs[j]:
			i++
			j++
		case s.UIDs[i] < newer.UIDs[j]:
			removed = append(removed, s.UIDs[i])
			i++
		default:
			added = append(added, newer.UIDs[j])
			j++
		}
	}
	removed = append(removed, s.UIDs[i:]...)
	added = append(added, newer.UIDs[j:]...)
	return added, removed
}

// Contains reports whether id is part of the snapshot.
func (s *Stamp) Contains(id model.BackendID) bool {
	lo, hi := 0, len(s.UIDs)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case s.UIDs[mid] == id:
			return true
		case s.UIDs[mid] < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return false
}

func (s *Stamp) String() string {
	return fmt.Sprintf(
		"validity=%d next=%d uids=%d", s.UIDValidity, s.UIDNext, len(s.UIDs),
	)
}

// wireStamp is the persisted form of a Stamp.
type wireStamp struct {
	Validity uint32            `json:"uidvalidity"`
	Next     uint32            `json:"uidnext"`
	UIDs     []model.BackendID `json:"uids"`
}

// MarshalJSON encodes the stamp keeping the id order.
func (s *Stamp) MarshalJSON() ([]byte, error) {
	uids := s.UIDs
	if uids == nil {
		uids = []model.BackendID{}
	}
	return json.Marshal(wireStamp{
		Validity: s.UIDValidity,
		Next:     s.UIDNext,
		UIDs:     uids,
	})
}

// UnmarshalJSON restores a stamp written by MarshalJSON.
func (s *Stamp) UnmarshalJSON(data []byte) error {
	var w wireStamp
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding stamp: %w", err)
	}
	s.UIDValidity = w.Validity
	s.UIDNext = w.Next
	s.UIDs = w.UIDs
	return nil
}

// Parse decodes a persisted stamp.
func Parse(data []byte) (*Stamp, error) {
	s := &Stamp{}
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}
