package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
)

// registerCall wires the call session endpoints. The manager holds exactly one
// session, so none of these take a call id — they act on "the" call.
func registerCall(mux *http.ServeMux, d Deps) {
	mgr := d.Calls

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mgr.GetState())
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RecipientID    string `json:"recipient_id"`
		RecipientName  string `json:"recipient_name"`
		RecipientImage string `json:"recipient_image"`
		CallType       string `json:"call_type"`
	}) {
		if req.RecipientID == "" {
			http.Error(w, "missing recipient_id", http.StatusBadRequest)
			return
		}
		ct := call.TypeVoice
		switch req.CallType {
		case "", string(call.TypeVoice):
		case string(call.TypeVideo):
			ct = call.TypeVideo
		default:
			http.Error(w, "call_type must be voice or video", http.StatusBadRequest)
			return
		}
		if err := mgr.StartCall(r.Context(), req.RecipientID, req.RecipientName, req.RecipientImage, ct); err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, mgr.GetState())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.AcceptCall(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, mgr.GetState())
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.RejectCall(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, mgr.GetState())
	})

	// POST /api/call/end — always succeeds; ending a call never errors.
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		mgr.EndCall(r.Context())
		writeJSON(w, mgr.GetState())
	})

	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"muted": mgr.ToggleMute()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"video_off": mgr.ToggleVideo()})
	})

	handlePost(mux, "/api/call/toggle-speaker", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"speaker_on": mgr.ToggleSpeaker()})
	})

	// GET is the shell's feature probe plus the unattended flag; POST flips
	// the flag. The config watcher also drives it; last writer wins.
	mux.HandleFunc("/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]any{"mode": "native", "unattended": mgr.Unattended()})
		case http.MethodPost:
			var req struct {
				Unattended bool `json:"unattended"`
			}
			if decodeJSON(w, r, &req) != nil {
				return
			}
			mgr.SetUnattended(req.Unattended)
			writeJSON(w, map[string]any{"mode": "native", "unattended": mgr.Unattended()})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// GET /api/call/events — SSE stream of state snapshots. The subscription
	// fires once immediately, so a fresh connection always gets the current
	// state before any transition.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		states := make(chan call.State, 16)
		unsub := mgr.Subscribe(func(st call.State) {
			select {
			case states <- st:
			default:
				// drop on slow client; the next snapshot supersedes anyway
			}
		})
		defer unsub()

		for {
			select {
			case <-r.Context().Done():
				return
			case st := <-states:
				data, err := json.Marshal(st)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
