// Package web serves a read-only dashboard over the run store and event
// log: a small HTML index for humans watching runs, plus JSON endpoints
// for scripts.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/run"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status run.Status) string {
		return "badge badge-" + strings.ReplaceAll(string(status), "_", "-")
	},
	"relTime": relTime,
}

// Server is the read-only dashboard server. It never writes run state;
// the engine stays the single writer.
type Server struct {
	store *run.Store
	db    *events.DB
	port  int

	indexTmpl *template.Template
}

// NewServer creates a Server with parsed templates. The event-log
// database may be nil; event endpoints then return 503.
func NewServer(store *run.Store, database *events.DB, port int) *Server {
	return &Server{
		store:     store,
		db:        database,
		port:      port,
		indexTmpl: template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/index.html")),
	}
}

// Routes builds the request mux. Split out from Start so tests can drive
// the handler stack without a listener.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	return mux
}

// Start blocks serving HTTP on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	return http.ListenAndServe(addr, s.Routes())
}

// relTime renders a timestamp as a compact "3m ago" style string.
func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
