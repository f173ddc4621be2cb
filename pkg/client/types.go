package client

import "time"

// StartRequest asks the daemon for a backend on behalf of a caller.
type StartRequest struct {
	CallerID string `json:"caller_id"`
	ParentID string `json:"parent_id"`
	Isolated bool   `json:"isolated,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// ShutdownRequest releases a caller's reference.
type ShutdownRequest struct {
	ParentID string `json:"parent_id"`
	CallerID string `json:"caller_id"`
	Secret   string `json:"secret"`
}

// Server is a backend record as returned by the daemon.
type Server struct {
	ServerURL  string            `json:"server_url"`
	BasePath   string            `json:"base_path"`
	Headers    map[string]string `json:"headers"`
	PID        int               `json:"pid"`
	ParentPID  string            `json:"parent_pid"`
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	AuthSecret string            `json:"auth_secret,omitempty"`
	StartedAt  int64             `json:"started_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at,omitempty"`
}

// URL is the base address requests are routed to.
func (s Server) URL() string { return s.ServerURL + s.BasePath }

// ErrorResponse is the daemon's error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

type serversResponse struct {
	Servers []Server `json:"servers"`
}

type sweepResponse struct {
	Removed int `json:"removed"`
}
