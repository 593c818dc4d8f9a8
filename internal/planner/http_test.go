package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/Constellation/internal/orchestrator"
)

func TestHTTPProposer(t *testing.T) {
	snapshot := orchestrator.Snapshot{ConstellationID: "c1", Version: 3}
	trigger := orchestrator.Trigger{TaskID: "build", Status: orchestrator.StatusFailed, Error: "exit 1"}

	tests := []struct {
		name    string
		status  int
		body    string
		want    *orchestrator.Mutation
		wantErr string
	}{
		{name: "no change", status: http.StatusNoContent},
		{name: "null body", status: http.StatusOK, body: "null"},
		{
			name:   "reroute",
			status: http.StatusOK,
			body:   `{"kind":"reroute","task_id":"deploy","new_dependencies":["fallback"]}`,
			want:   &orchestrator.Mutation{Kind: orchestrator.MutationReroute, TaskID: "deploy", NewDependencies: []string{"fallback"}},
		},
		{name: "server error", status: http.StatusBadGateway, body: "upstream down\n", wantErr: "planner returned 502: upstream down"},
		{name: "garbage", status: http.StatusOK, body: "{", wantErr: "decode planner mutation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m, err := NewHTTPProposer(srv.URL).Propose(context.Background(), snapshot, trigger)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
			assert.Equal(t, "c1", got.Snapshot.ConstellationID)
			assert.Equal(t, "build", got.Trigger.TaskID)
		})
	}
}

func TestHTTPProposer_HonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ev := orchestrator.NewGraphEvolution(NewHTTPProposer(srv.URL), 50*time.Millisecond)
	start := time.Now()
	_, err := ev.Propose(context.Background(), orchestrator.Snapshot{}, orchestrator.Trigger{TaskID: "a"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
