package model

import "time"

// RouterStats is a point-in-time snapshot of the router tables,
// served on /stats and rendered by the dashboard.
type RouterStats struct {
	Agents     []string       `json:"agents"`
	Users      []string       `json:"users"`
	Topics     map[string]int `json:"topics"`
	Channels   map[string]int `json:"channels"`
	Shadows    int            `json:"shadows"`
	Pending    int            `json:"pending"`
	Processing []string       `json:"processing"`
	Uptime     time.Duration  `json:"uptime"`
}
