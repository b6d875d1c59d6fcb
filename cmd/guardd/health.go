package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/session"
)

// check is one dependency probe of the health endpoint.
type check struct {
	name string
	fn   func(ctx context.Context) error
}

type sessionCounter interface {
	Counts() map[session.State]int
}

type healthResponse struct {
	Status   string                `json:"status"`
	Checks   map[string]string     `json:"checks"`
	Sessions map[session.State]int `json:"sessions"`
	Uptime   string                `json:"uptime"`
}

// healthHandler answers 200 when every check passes and 503 otherwise. The
// body lists each check and the session count per state.
func healthHandler(sessions sessionCounter, checks []check) http.Handler {
	started := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{
			Status:   "ok",
			Checks:   make(map[string]string, len(checks)),
			Sessions: sessions.Counts(),
			Uptime:   time.Since(started).Round(time.Second).String(),
		}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.fn(ctx); err != nil {
				resp.Checks[c.name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
