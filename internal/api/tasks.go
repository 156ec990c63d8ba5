package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/taskbroker/internal/coordinator"
)

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	task, err := s.broker.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) pullTasks(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PullRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	res, err := s.broker.Pull(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, res)
}

// acquireTask takes the task id from ?id= when present, else from the body.
func (s *Server) acquireTask(w http.ResponseWriter, r *http.Request) {
	var req coordinator.AcquireRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		req.ID = id
	}
	task, err := s.broker.Acquire(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	task, err := s.broker.Complete(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, task)
}

type resyncRequest struct {
	Namespace string `json:"namespace"`
	Variant   string `json:"variant"`
}

type resyncResponse struct {
	Variant string `json:"variant"`
	Value   int64  `json:"value"`
}

func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.doResync(w, r, req)
}

func (s *Server) resyncVariant(w http.ResponseWriter, r *http.Request) {
	s.doResync(w, r, resyncRequest{
		Namespace: r.URL.Query().Get("namespace"),
		Variant:   chi.URLParam(r, "variant"),
	})
}

func (s *Server) doResync(w http.ResponseWriter, r *http.Request, req resyncRequest) {
	variant := req.Variant
	if variant == "" {
		variant = coordinator.DefaultVariant
	}
	value, err := s.broker.Resync(r.Context(), req.Namespace, variant)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, resyncResponse{Variant: variant, Value: value})
}

func (s *Server) resyncKnown(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	counts, err := s.broker.ResyncAll(r.Context(), req.Namespace)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, counts)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.broker.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) tasksByClient(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	tasks, err := s.broker.TasksByClient(r.Context(), chi.URLParam(r, "clientID"), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, tasks)
}

func (s *Server) tasksByVariant(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	q := r.URL.Query()
	variant := q.Get("variant")
	if variant == "" {
		variant = coordinator.DefaultVariant
	}
	tasks, err := s.broker.TasksByVariant(r.Context(), q.Get("namespace"), variant, limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, tasks)
}

func (s *Server) previewTasks(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	tasks, err := s.broker.PreviewTasks(r.Context(), r.URL.Query().Get("namespace"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, tasks)
}

func (s *Server) cacheCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.broker.PendingCounts(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, counts)
}

func (s *Server) cacheCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.broker.PendingCount(r.Context(), chi.URLParam(r, "variant"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, n)
}
