package orchestrator

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// LoadInitialGraph reads a planner hand-off from a JSON file.
func LoadInitialGraph(path string) (*InitialGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read initial graph file")
	}
	return ParseInitialGraph(data)
}

// ParseInitialGraph decodes a planner hand-off. Unknown fields are rejected.
func ParseInitialGraph(data []byte) (*InitialGraph, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var g InitialGraph
	if err := dec.Decode(&g); err != nil {
		return nil, errors.Wrap(err, "failed to parse initial graph JSON")
	}
	return &g, nil
}

// ValidateInitialGraph applies the same structural checks the orchestrator
// runs before a constellation starts.
func ValidateInitialGraph(g InitialGraph) error {
	_, err := NewConstellation(g.ConstellationID, g, 1, time.Time{})
	return err
}
