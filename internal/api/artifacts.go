package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/artifacts"
	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/robots"
)

func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	up, err := s.artifacts.Upload(r.Context(), r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, up)
}

func (s *Server) bulkCreateArtifacts(w http.ResponseWriter, r *http.Request) {
	var items []artifacts.NewArtifact
	if err := decodeJSON(r, &items); err != nil {
		s.writeServiceError(w, err)
		return
	}
	created, err := s.artifacts.Register(r.Context(), r.URL.Query().Get("namespace"), items)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, created)
}

func (s *Server) robotsFile(w http.ResponseWriter, r *http.Request) {
	body, ok := s.loadRobots(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("write robots file failed", zap.Error(err))
	}
}

func (s *Server) robotsCheck(w http.ResponseWriter, r *http.Request) {
	body, ok := s.loadRobots(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ua := q.Get("ua")
	if ua == "" {
		ua = r.UserAgent()
	}
	decision, err := robots.Check(body, chi.URLParam(r, "host"), ua, q.Get("url"))
	if err != nil {
		if errors.Is(err, robots.ErrURLNotOnHost) {
			s.writeServiceError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return
	}
	writeOK(w, decision)
}

// loadRobots writes the 404 itself when the host has no stored policy.
func (s *Server) loadRobots(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	host := chi.URLParam(r, "host")
	_, body, err := s.artifacts.Read(r.Context(), r.URL.Query().Get("namespace"), host, broker.ArtifactTypeRobots)
	if errors.Is(err, broker.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No robots.txt found for host given.", "no_robots_txt")
		return nil, false
	}
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	return body, true
}
