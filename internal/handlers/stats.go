package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// ConnCounter reports the live sockets held by this process.
type ConnCounter interface {
	Len() int
	Users() int
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	Node        string `json:"node"`
	Connections int    `json:"connections"`
	UsersOnline int    `json:"users_online"`
	Uptime      string `json:"uptime"`
}

// Stats returns the connection counts of this process.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Node:   h.nodeID,
		Uptime: formatUptime(time.Since(h.started)),
	}
	if h.conns != nil {
		resp.Connections = h.conns.Len()
		resp.UsersOnline = h.conns.Users()
	}
	h.JSON(w, http.StatusOK, resp)
}

// formatUptime formats a duration as a coarse human-readable string.
func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just started"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour")
	default:
		return plural(int(d.Hours()/24), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
