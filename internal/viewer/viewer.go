// Package viewer exposes the local control API: a small HTTP surface the
// terminal UI (or curl, during bring-up) uses to drive the call session
// manager, browse call history and tail daemon logs.
package viewer

import (
	"net/http"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/calllog"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/profile"
)

type Deps struct {
	Calls    *call.Manager
	History  *calllog.Store // nil disables /api/call/history
	Profiles *profile.Store // nil disables the roster endpoints
	Logs     *LogBuffer     // nil disables /api/logs
}

// Handler builds the API mux. Split out from Start so tests can drive it
// through httptest without binding a port.
func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()

	registerCall(mux, d)
	registerDirectory(mux, d)

	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeSSE)
	}

	handleGet(mux, "/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return mux
}

// Start serves the control API on addr. It blocks like http.ListenAndServe.
// The API is meant for loopback binds only; it carries no authentication.
func Start(addr string, d Deps) error {
	return http.ListenAndServe(addr, Handler(d))
}
