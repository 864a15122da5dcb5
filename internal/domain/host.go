package domain

import "time"

// HostState marks whether a host is in service.
type HostState string

const (
	HostStateActive           HostState = "ACTIVE"
	HostStatePendingTerminate HostState = "PENDING_TERMINATE"
)

// Host is a machine running an agent.
type Host struct {
	ID           string
	Name         string
	IP           string
	Groups       []string
	State        HostState
	AgentVersion string
	LastPing     time.Time
}
