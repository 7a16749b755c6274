package main

import (
	"net/http"
	"time"

	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// statsPushInterval is how often connected dashboards receive a snapshot.
const statsPushInterval = 5 * time.Second

func wsStatsHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Error("failed to upgrade to websocket", "err", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close/ping handling keeps working.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()

	for {
		snapshot := statsResponse{
			Pool:          deps.rotator.Stats(),
			UptimeSeconds: time.Since(deps.started).Seconds(),
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			logs.Debug("stats websocket closed", "err", err)
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
