package types

// Job names understood by the worker pool. Boundary handlers, the
// traffic enforcer and the DDNS watcher enqueue these; the manager
// registers the matching handlers.
const (
	JobRuleReconcile = "rule:reconcile"
	JobRuleRewrite   = "rule:rewrite"
	JobPortClean     = "port:clean"
	JobServerInit    = "server:init"
	JobServerClean   = "server:clean"

	JobTrafficCollect = "traffic:collect"
	JobTrafficServer  = "traffic:server"
	JobTrafficShape   = "traffic:shape"
	JobTrafficReset   = "traffic:reset"
	JobUsageExpire    = "usage:expire"

	JobDDNSCheck   = "ddns:check"
	JobStatsSample = "stats:sample"
	JobStatsServer = "stats:server"

	JobArtifactsSweep = "artifacts:sweep"
	JobStreamSweep    = "stream:sweep"
)

// RulePayload addresses one rule through its port
type RulePayload struct {
	ServerID string `json:"server_id"`
	PortID   string `json:"port_id"`
}

// PortCleanPayload tears one port's footprint off its server. PortNum
// is carried explicitly so cleanup still works after the port row is
// gone.
type PortCleanPayload struct {
	ServerID string `json:"server_id"`
	PortID   string `json:"port_id,omitempty"`
	PortNum  int    `json:"port_num"`
}

// ServerPayload addresses one server
type ServerPayload struct {
	ServerID string `json:"server_id"`
}

// ServerCleanPayload snapshots a server and its port numbers before the
// rows are deleted, so the clean job can still reach the host.
type ServerCleanPayload struct {
	Server *Server `json:"server"`
	Ports  []int   `json:"ports"`
}

// ShapePayload applies the port's persisted rate limits on its host
type ShapePayload struct {
	ServerID string `json:"server_id"`
	PortID   string `json:"port_id"`
}

// ResetPayload zeroes the port's filter counters on its host after an
// operator usage reset
type ResetPayload struct {
	ServerID string `json:"server_id"`
	PortID   string `json:"port_id"`
}
