package api

import (
	"encoding/json"
	"log"
	"net/http"
)

type envelope map[string]interface{}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] ❌ failed to encode response: %v", err)
	}
}

// respondOK wraps the fields in the standard {ok:true, ...} envelope.
func respondOK(w http.ResponseWriter, fields envelope) {
	out := envelope{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	respondJSON(w, http.StatusOK, out)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, envelope{"ok": false, "error": msg})
}
