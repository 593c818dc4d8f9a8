package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Announcement is a v1 device self-registration message published on the
// announce topic.
type Announcement struct {
	Version      int      `json:"version"`
	DeviceID     string   `json:"device_id"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
	Firmware     string   `json:"firmware,omitempty"`
	HeartbeatSec int      `json:"heartbeat_sec,omitempty"`
}

// ParseAnnouncement parses an announcement payload from JSON bytes.
func ParseAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrap(err, "invalid announcement JSON")
	}

	if a.Version != 1 {
		return nil, errors.Errorf("unsupported announcement version: %d", a.Version)
	}

	a.DeviceID = strings.TrimSpace(a.DeviceID)
	if a.DeviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if strings.ContainsAny(a.DeviceID, "/+#") {
		return nil, errors.Errorf("device_id %q is not a valid topic segment", a.DeviceID)
	}

	return &a, nil
}

// DeviceSpec is a statically declared device from the config file.
type DeviceSpec struct {
	Platform     string
	Capabilities []string
}

// ValidationResult contains validation outcome.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// ValidateAnnouncement checks an announcement against a declared device, if
// any. Undeclared devices are accepted with a warning.
func ValidateAnnouncement(a *Announcement, specs map[string]DeviceSpec) *ValidationResult {
	result := &ValidationResult{Valid: true}

	spec, ok := specs[a.DeviceID]
	if !ok {
		if len(specs) > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("undeclared device: %s", a.DeviceID))
		}
		return result
	}

	if spec.Platform != "" && !strings.EqualFold(spec.Platform, a.Platform) {
		result.Errors = append(result.Errors, fmt.Sprintf("device %s: platform mismatch (expected %s, got %s)", a.DeviceID, spec.Platform, a.Platform))
		result.Valid = false
	}

	for _, want := range spec.Capabilities {
		if !containsFold(a.Capabilities, want) {
			result.Errors = append(result.Errors, fmt.Sprintf("device %s: missing capability %s", a.DeviceID, want))
			result.Valid = false
		}
	}

	return result
}

func containsFold(slice []string, val string) bool {
	for _, s := range slice {
		if strings.EqualFold(strings.TrimSpace(s), val) {
			return true
		}
	}
	return false
}
