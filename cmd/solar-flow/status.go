package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/control"
)

type statusDoc struct {
	Controllers []control.Diagnostics `json:"controllers"`
}

// statusHandler serves the diagnostics of all controllers as JSON.
func statusHandler(diagnostics func() []control.Diagnostics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		doc := statusDoc{Controllers: diagnostics()}
		if doc.Controllers == nil {
			doc.Controllers = []control.Diagnostics{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			log.Error().Err(err).Msg("failed to encode status")
		}
	})
}
