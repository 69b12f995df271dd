package registry

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/pkg/link"
	"github.com/Profiidev/smaug/pkg/wire"
)

// Healthz returns 200 OK to indicate the orchestrator is alive.
func (r *Registry) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time and link counts.
func (r *Registry) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID       int       `json:"pid"`
		Now       time.Time `json:"now"`
		Nodes     int       `json:"nodes"`
		Connected int       `json:"connected"`
	}
	out := resp{PID: os.Getpid(), Now: time.Now()}
	for _, st := range r.Statuses() {
		out.Nodes++
		if st.Connected() {
			out.Connected++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Links lists the status of every supervised node.
func (r *Registry) Links(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Statuses())
}

// Hello sends a Hello envelope to the node named by the {id} path value.
func (r *Registry) Hello(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	switch err := r.Send(id, wire.Hello{}); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, link.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// Forward relays a signed GET of the node's /api/test endpoint.
func (r *Registry) Forward(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	client, base, err := r.HTTPClient(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	out, err := http.NewRequestWithContext(req.Context(), http.MethodGet, base+"/api/test", nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)

	resp, err := client.Do(out)
	if err != nil {
		r.log.Warn("Forward to node failed", zap.Stringer("node", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func pathID(w http.ResponseWriter, req *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
