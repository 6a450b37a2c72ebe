package viewer

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/profile"
)

// registerDirectory wires the call-history and roster endpoints.
func registerDirectory(mux *http.ServeMux, d Deps) {
	if d.History != nil {
		handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
			limit := 0
			if q := r.URL.Query().Get("limit"); q != "" {
				n, err := strconv.Atoi(q)
				if err != nil || n < 0 {
					http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
					return
				}
				limit = n
			}
			recs, err := d.History.Recent(limit)
			if err != nil {
				http.Error(w, fmt.Sprintf("history query failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, recs)
		})
	}

	if d.Profiles != nil {
		// POST /api/profiles — seed or update a roster entry. The daemon has
		// no roster sync of its own; an admin script pushes entries here.
		handlePost(mux, "/api/profiles", func(w http.ResponseWriter, r *http.Request, req profile.Profile) {
			if err := d.Profiles.Upsert(req); err != nil {
				http.Error(w, fmt.Sprintf("upsert failed: %v", err), http.StatusBadRequest)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})

		handleGet(mux, "/api/profiles/lookup", func(w http.ResponseWriter, r *http.Request) {
			id := r.URL.Query().Get("user")
			if id == "" {
				http.Error(w, "missing user parameter", http.StatusBadRequest)
				return
			}
			name, image, err := d.Profiles.Lookup(r.Context(), id)
			if err != nil {
				http.Error(w, fmt.Sprintf("lookup failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"user_id": id, "full_name": name, "image": image})
		})
	}
}
