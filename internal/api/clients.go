package api

import (
	"net/http"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
)

type syncResponse struct {
	OK      bool          `json:"ok"`
	Data    broker.Client `json:"data"`
	Updated bool          `json:"updated"`
}

// syncClient reports updated=true when an existing row was refreshed.
func (s *Server) syncClient(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	client, created, err := s.broker.SyncClient(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{OK: true, Data: client, Updated: !created})
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	clients, err := s.broker.ListClients(r.Context(), r.URL.Query().Get("namespace"), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, clients)
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		id = q.Get("clientID")
	}
	client, err := s.broker.GetClient(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, client)
}
