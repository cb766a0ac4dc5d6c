package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes builds the router with the hub and managers injected. The
// websocket handler is passed in so this package stays transport-free.
func SetupRoutes(api *API, wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", wsHandler)

	r.Post("/session", CreateSession(api))
	r.Get("/session", GetSession(api))

	r.Post("/rounds", CreateRound(api))
	r.Post("/rounds/start", StartRound(api))
	r.Post("/rounds/stop", StopRound(api))
	r.Get("/rounds/current", CurrentRound(api))

	r.Post("/votes", CastVote(api))
	r.Post("/votes/close", CloseVotes(api))
	r.Get("/scoreboard", Scoreboard(api))

	r.Get("/metrics", SessionMetrics(api))
	r.Get("/export.csv", ExportCSV(api))

	r.Post("/participants/kick", KickParticipant(api))

	return r
}
