package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/rickgao/teamchat/internal/bus"
	"github.com/rickgao/teamchat/internal/connection"
	"github.com/rickgao/teamchat/internal/journal"
	"github.com/rickgao/teamchat/internal/reconciler"
	"github.com/rickgao/teamchat/internal/refresh"
	"github.com/rickgao/teamchat/internal/store"
)

// healthDeps are the components the health endpoint reports on. journal and
// db are nil when journaling is off.
type healthDeps struct {
	conn    interface{ Stats() connection.Stats }
	rec     interface{ Stats() reconciler.Stats }
	refresh interface{ Stats() refresh.Stats }
	bus     interface{ Stats() bus.Stats }
	store   interface{ Snapshot() store.Snapshot }
	journal interface{ Stats() journal.Metrics }
	db      interface {
		Ping(ctx context.Context) error
	}
}

type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

type channelSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Messages int    `json:"messages"`
	Members  int    `json:"members"`
	Typing   int    `json:"typing"`
	Active   bool   `json:"active"`
}

func newHealthHandler(deps healthDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{Status: "healthy", Components: make(map[string]any)}

		cs := deps.conn.Stats()
		health.Components["realtime"] = map[string]any{
			"status":            cs.Status,
			"uptime_seconds":    int64(cs.Uptime(time.Now()).Seconds()),
			"reconnect_attempt": cs.ReconnectAttempts,
			"total_reconnects":  cs.TotalReconnects,
			"frames_received":   cs.FramesReceived,
			"malformed_frames":  cs.MalformedFrames,
			"handler_errors":    cs.HandlerErrors,
			"last_error":        cs.LastError,
		}
		switch cs.Status {
		case connection.StatusConnected:
		case connection.StatusConnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		health.Components["reconciler"] = deps.rec.Stats()
		health.Components["refresh"] = deps.refresh.Stats()
		health.Components["bus"] = deps.bus.Stats()

		if deps.journal != nil {
			health.Components["journal"] = deps.journal.Stats()
		}
		if deps.db != nil {
			if err := deps.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/channels", func(w http.ResponseWriter, r *http.Request) {
		snap := deps.store.Snapshot()

		channels := make([]channelSummary, 0, len(snap.Channels))
		for _, ch := range snap.Channels {
			channels = append(channels, channelSummary{
				ID:       ch.ID,
				Name:     ch.Name,
				Messages: len(snap.Messages[ch.ID]),
				Members:  len(snap.Members[ch.ID]),
				Typing:   len(snap.Typing[ch.ID]),
				Active:   ch.ID == snap.ActiveChannelID,
			})
		}
		sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":          len(channels),
			"active_channel": snap.ActiveChannelID,
			"user_statuses":  len(snap.UserStatus),
			"channels":       channels,
		})
	})

	return mux
}
