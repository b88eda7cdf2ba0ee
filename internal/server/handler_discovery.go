package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "batchos API",
		Version:     "v1",
		Description: "Recorded kernel runs and their scheduling traces",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET"}, "List runs, newest first. Accepts ?state=, ?limit=, ?offset="},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single run with exit codes and switch count"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "Scheduling trace of a run in sequence order"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
