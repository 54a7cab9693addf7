// Package www serves the Anvil HTTP API: request submission and result
// streaming.
package www

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"anvil.build/anvil/internal/errors"
	"anvil.build/anvil/internal/message"
	"anvil.build/anvil/internal/notify"
	"anvil.build/anvil/internal/queue"
	"anvil.build/anvil/internal/triple"
)

// maxRequestBytes caps the size of an execute request body.
const maxRequestBytes = 1 << 20

var (
	metricSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_www_submissions_total",
			Help: "Total number of execution submissions, by triple.",
		},
		[]string{"triple"},
	)
)

func init() {
	prometheus.MustRegister(metricSubmissions)
}

// Server exposes submission and result-streaming endpoints.
type Server struct {
	Queue *queue.Client
	Mux   *notify.Mux

	// Triples lists the triples this deployment serves. Submissions
	// for any other triple are rejected.
	Triples []triple.ExecutionTriple
}

// Handler returns the API route table.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	router.Handle("POST /api/v1/execute", errors.WrapHandler(s.handleExecute))
	router.Handle("GET /api/v1/results/{guid}", errors.WrapHandler(s.handleResults))
	return router
}

// executeRequest is the submission body.
type executeRequest struct {
	Triple triple.ExecutionTriple  `json:"triple"`
	Hash   string                  `json:"hash"`
	Params message.ExecutionParams `json:"params"`
}

// executeResponse correlates the submission with its result stream.
type executeResponse struct {
	GUID string `json:"guid"`
}

func (s *Server) handleExecute(w http.ResponseWriter, req *http.Request) error {
	var body executeRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes))
	if err := decoder.Decode(&body); err != nil {
		return errors.NewHTTPf(http.StatusBadRequest, "invalid request body: %v", err)
	}
	if err := body.Triple.Validate(); err != nil {
		return errors.NewHTTPf(http.StatusBadRequest, "invalid triple: %v", err)
	}
	if body.Hash == "" {
		return errors.NewHTTP("missing bundle hash", http.StatusBadRequest)
	}
	if !s.serves(body.Triple) {
		return errors.NewHTTPf(http.StatusNotFound, "no execution hosts serve %s", body.Triple)
	}

	msg := message.RemoteExecutionMessage{
		GUID:   uuid.NewString(),
		Hash:   body.Hash,
		Params: body.Params,
	}
	if err := s.Queue.Push(req.Context(), body.Triple, msg); err != nil {
		return fmt.Errorf("failed to enqueue execution request: %w", err)
	}
	metricSubmissions.WithLabelValues(body.Triple.String()).Inc()

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(executeResponse{GUID: msg.GUID})
}

func (s *Server) handleResults(w http.ResponseWriter, req *http.Request) error {
	guid := req.PathValue("guid")
	if guid == "" {
		return errors.NewHTTP("missing guid", http.StatusBadRequest)
	}
	return notify.ServeStream(s.Mux, guid, w, req)
}

func (s *Server) serves(t triple.ExecutionTriple) bool {
	for _, have := range s.Triples {
		if have == t {
			return true
		}
	}
	return false
}
