package models

import "time"

// ConnectionStatus is the monitor's view of reachability. IsOnline is the
// raw transport signal; IsConnected means the remote service answered a
// health probe. Only the connectivity monitor mutates it.
type ConnectionStatus struct {
	IsOnline            bool      `json:"is_online"`
	IsConnected         bool      `json:"is_connected"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
