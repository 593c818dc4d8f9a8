// Package planner connects GraphEvolution to an external planning service
// over HTTP.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AaronLay10/Constellation/internal/log"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
)

const maxResponseBytes = 1 << 20

// Request is the body POSTed to the planner after every task outcome.
type Request struct {
	Snapshot orchestrator.Snapshot `json:"snapshot"`
	Trigger  orchestrator.Trigger  `json:"trigger"`
}

// HTTPProposer asks a planner service whether a task outcome should change
// the graph. The planner answers 204 for no change or 200 with a Mutation.
type HTTPProposer struct {
	url    string
	client *http.Client
	log    *logrus.Entry
}

var _ orchestrator.Proposer = (*HTTPProposer)(nil)

// NewHTTPProposer creates a proposer for url. The request deadline comes from
// the context GraphEvolution passes in.
func NewHTTPProposer(url string) *HTTPProposer {
	return &HTTPProposer{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Minute},
		log:    log.WithComponent("planner"),
	}
}

func (p *HTTPProposer) Propose(ctx context.Context, snapshot orchestrator.Snapshot, trigger orchestrator.Trigger) (*orchestrator.Mutation, error) {
	body, err := json.Marshal(Request{Snapshot: snapshot, Trigger: trigger})
	if err != nil {
		return nil, errors.Wrap(err, "marshal planner request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build planner request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call planner")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("planner returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read planner response")
	}
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return nil, nil
	}

	var m orchestrator.Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode planner mutation")
	}
	p.log.WithFields(logrus.Fields{
		"constellation_id": snapshot.ConstellationID,
		"task_id":          trigger.TaskID,
		"kind":             m.Kind,
	}).Debug("planner proposed mutation")
	return &m, nil
}
