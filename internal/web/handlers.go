package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/conveyorhq/conveyor/internal/analytics"
	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/run"
)

// RunSummary is the list-view projection of a run. The full state,
// artifacts included, lives behind the detail endpoint.
type RunSummary struct {
	ID        string      `json:"id"`
	Status    run.Status  `json:"status"`
	Current   phase.Phase `json:"current"`
	Reviews   int         `json:"reviews"`
	Token     string      `json:"escalation_token,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func summarize(st run.RunState) RunSummary {
	sum := RunSummary{
		ID:        st.ID,
		Status:    st.Status,
		Current:   st.Current,
		Reviews:   len(st.Reviews),
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
	if st.Escalation != nil {
		sum.Token = st.Escalation.Token
	}
	return sum
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) listRuns(r *http.Request) ([]run.RunState, error) {
	return s.store.List(run.Status(r.URL.Query().Get("status")))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	states, err := s.listRuns(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summaries := make([]RunSummary, 0, len(states))
	for _, st := range states {
		summaries = append(summaries, summarize(st))
	}
	data := struct {
		Runs []RunSummary
	}{Runs: summaries}
	if err := s.indexTmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	states, err := s.listRuns(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summaries := make([]RunSummary, 0, len(states))
	for _, st := range states {
		summaries = append(summaries, summarize(st))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "event log not available", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	timeline, err := analytics.QueryRunTimeline(s.db, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if timeline == nil {
		timeline = []analytics.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, timeline)
}
