package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"lokinet-path/internal/circuit"
	"lokinet-path/internal/nodedb"
	"lokinet-path/internal/rc"
)

// newControlHTTPServer wraps ctrl's handler in an http.Server bound to
// addr, mirroring the teacher's main.go ReadHeaderTimeout convention.
func newControlHTTPServer(addr string, ctrl *controlServer) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           ctrl.ControlHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// parseIP is a thin net.ParseIP wrapper kept local so main.go doesn't
// need to import net solely for this one call.
func parseIP(s string) net.IP { return net.ParseIP(s) }

// parsePort returns 0 on an unparseable or out-of-range port string.
func parsePort(s string) uint16 {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 0xFFFF {
		return 0
	}
	return uint16(n)
}

// controlServer hosts the localhost-only introspection endpoints, the
// control-plane counterpart to the teacher's server-control.go.
type controlServer struct {
	self  rc.RouterID
	ctx   *circuit.PathContext
	db    *nodedb.DB
	built *circuit.Builder
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	Self          string `json:"self"`
	TransitPaths  int    `json:"transit_paths"`
	ContactsKnown int    `json:"contacts_known"`
	AllowTransit  bool   `json:"allow_transit"`
}

// ControlHandler exposes GET /status for health checks and operator
// tooling; it never touches peer-facing state.
func (s *controlServer) ControlHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statusResponse{
			Self:          s.self.String(),
			TransitPaths:  s.ctx.CurrentTransitPaths(),
			ContactsKnown: s.db.NumLoaded(),
			AllowTransit:  s.ctx.AllowingTransit(),
		})
	})
	return mux
}
