package devices

import (
	"encoding/json"
	"sort"
	"strings"
)

// CapabilitySet is a set of opaque capability tags.
type CapabilitySet map[string]struct{}

// NewCapabilitySet builds a set from tags, ignoring blanks and surrounding space.
func NewCapabilitySet(tags ...string) CapabilitySet {
	set := make(CapabilitySet, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	return set
}

// Has reports whether tag is in the set.
func (s CapabilitySet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Covers reports whether s is a superset of required.
func (s CapabilitySet) Covers(required CapabilitySet) bool {
	for tag := range required {
		if _, ok := s[tag]; !ok {
			return false
		}
	}
	return true
}

// Tags returns the tags in sorted order.
func (s CapabilitySet) Tags() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for tag := range s {
		out[tag] = struct{}{}
	}
	return out
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Tags())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewCapabilitySet(tags...)
	return nil
}

// Match picks the best device for required from a registry snapshot.
// Only IDLE devices whose capabilities cover required are considered. Ties go
// to the device assigned longest ago (never-assigned first), then to the
// lexicographically smallest device ID.
func Match(required CapabilitySet, snapshot []Record) (string, bool) {
	var best *Record
	for i := range snapshot {
		dev := &snapshot[i]
		if dev.Status != StatusIdle || !dev.Capabilities.Covers(required) {
			continue
		}
		if best == nil || preferred(dev, best) {
			best = dev
		}
	}
	if best == nil {
		return "", false
	}
	return best.DeviceID, true
}

func preferred(a, b *Record) bool {
	if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
		return a.LastAssignedAt.Before(b.LastAssignedAt)
	}
	return a.DeviceID < b.DeviceID
}

// Capable reports whether any reachable device (IDLE or BUSY) could run a
// task with the given requirement.
func Capable(required CapabilitySet, snapshot []Record) bool {
	for i := range snapshot {
		dev := &snapshot[i]
		if dev.Status == StatusUnreachable {
			continue
		}
		if dev.Capabilities.Covers(required) {
			return true
		}
	}
	return false
}
