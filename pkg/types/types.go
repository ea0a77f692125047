package types

import (
	"encoding/json"
	"time"
)

// Server represents a managed remote host reachable over SSH
type Server struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"` // Human-facing address shown in the UI

	// Transport coordinates
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`

	// Auth material. KeyFileID references an uploaded File row.
	SSHPassword  string `json:"ssh_password,omitempty"`
	SudoPassword string `json:"sudo_password,omitempty"`
	KeyFileID    string `json:"key_file_id,omitempty"`

	Config    ServerConfig `json:"config"`
	IsActive  bool         `json:"is_active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ServerConfig is the core-owned fact bag on a server. Only the
// reconciler writes System, Services, Binaries and Init; operators
// toggle Disabled through the boundary.
type ServerConfig struct {
	System   *SystemFacts      `json:"system,omitempty"`
	Services map[string]string `json:"services,omitempty"`
	Binaries map[string]string `json:"binaries,omitempty"`
	Disabled map[Method]bool   `json:"disabled,omitempty"`
	Init     string            `json:"init,omitempty"` // MD5 of the applied bootstrap

	// Domains seeds reverse-proxy site generation: domain, then port
	// number as a decimal string, then the site settings.
	Domains map[string]map[string]TLSSettings `json:"domains,omitempty"`
}

// SystemFacts holds the probed operating system identity
type SystemFacts struct {
	OSFamily            string `json:"os_family"`
	Architecture        string `json:"architecture"`
	Distribution        string `json:"distribution"`
	DistributionVersion string `json:"distribution_version"`
	DistributionRelease string `json:"distribution_release"`
}

// Port represents a numbered listening port on a server
type Port struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`

	Num int `json:"num"`
	// ExternalNum is an alternative display port; 0 means unset.
	ExternalNum int `json:"external_num,omitempty"`

	Config    PortConfig `json:"config"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PortConfig carries the rate/quota/expiry policy of a port. The
// policy layer owns these fields.
type PortConfig struct {
	EgressLimit  int64 `json:"egress_limit,omitempty"`  // kbit
	IngressLimit int64 `json:"ingress_limit,omitempty"` // kbit

	Quota       int64       `json:"quota,omitempty"` // bytes, download+upload
	QuotaAction LimitAction `json:"quota_action,omitempty"`

	ValidUntil int64       `json:"valid_until,omitempty"` // ms epoch
	DueAction  LimitAction `json:"due_action,omitempty"`
}

// LimitAction is the policy outcome applied when a quota or deadline
// trips
type LimitAction int

const (
	ActionNone LimitAction = iota
	ActionSpeedLimit10K
	ActionSpeedLimit100K
	ActionSpeedLimit1M
	ActionSpeedLimit10M
	ActionSpeedLimit30M
	ActionSpeedLimit100M
	ActionSpeedLimit1G
	ActionDeleteRule
)

// SpeedLimitKbit maps a speed-limit action to its kbit tier. Returns 0
// for non-throttle actions.
func (a LimitAction) SpeedLimitKbit() int64 {
	switch a {
	case ActionSpeedLimit10K:
		return 10
	case ActionSpeedLimit100K:
		return 100
	case ActionSpeedLimit1M:
		return 1000
	case ActionSpeedLimit10M:
		return 10000
	case ActionSpeedLimit30M:
		return 30000
	case ActionSpeedLimit100M:
		return 100000
	case ActionSpeedLimit1G:
		return 1000000
	}
	return 0
}

// Method is the forwarding technology tag of a rule
type Method string

const (
	MethodIptables       Method = "iptables"
	MethodSocat          Method = "socat"
	MethodEhco           Method = "ehco"
	MethodGost           Method = "gost"
	MethodV2ray          Method = "v2ray"
	MethodBrook          Method = "brook"
	MethodIperf          Method = "iperf"
	MethodRealm          Method = "realm"
	MethodHaproxy        Method = "haproxy"
	MethodWstunnel       Method = "wstunnel"
	MethodShadowsocks    Method = "shadowsocks"
	MethodNodeExporter   Method = "node_exporter"
	MethodTinyPortMapper Method = "tiny_port_mapper"
	MethodCaddy          Method = "caddy"
)

// Methods lists every supported forwarding technology
func Methods() []Method {
	return []Method{
		MethodIptables, MethodSocat, MethodEhco, MethodGost, MethodV2ray,
		MethodBrook, MethodIperf, MethodRealm, MethodHaproxy, MethodWstunnel,
		MethodShadowsocks, MethodNodeExporter, MethodTinyPortMapper, MethodCaddy,
	}
}

// Valid reports whether m is a known method
func (m Method) Valid() bool {
	for _, known := range Methods() {
		if m == known {
			return true
		}
	}
	return false
}

// RuleStatus tracks a rule through its reconcile lifecycle
type RuleStatus string

const (
	RuleStatusStarting RuleStatus = "starting"
	RuleStatusRunning  RuleStatus = "running"
	RuleStatusFailed   RuleStatus = "failed"
)

// ForwardRule attaches a forwarding method and its parameters to a port
type ForwardRule struct {
	ID     string `json:"id"`
	PortID string `json:"port_id"`

	Method Method     `json:"method"`
	Config RuleConfig `json:"config"`
	Status RuleStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleConfig is the union of per-method parameters. The translator's
// strict per-method schemas decide which fields may be set; the core
// additionally owns RemoteIP, Runner and Error.
type RuleConfig struct {
	// Shared by NAT and small relays
	Type          string `json:"type,omitempty"` // TCP | UDP | ALL
	RemoteAddress string `json:"remote_address,omitempty"`
	RemotePort    int    `json:"remote_port,omitempty"`

	// ehco
	ListenType    string `json:"listen_type,omitempty"`
	TransportType string `json:"transport_type,omitempty"`

	// gost
	Retries    int      `json:"Retries,omitempty"`
	ServeNodes []string `json:"ServeNodes,omitempty"`
	ChainNodes []string `json:"ChainNodes,omitempty"`

	// v2ray
	Core           string          `json:"core,omitempty"` // v2ray | xray
	Inbound        json.RawMessage `json:"inbound,omitempty"`
	Outbound       json.RawMessage `json:"outbound,omitempty"`
	Routing        json.RawMessage `json:"routing,omitempty"`
	DNS            json.RawMessage `json:"dns,omitempty"`
	CustomInbound  bool            `json:"custom_inbound,omitempty"`
	CustomOutbound bool            `json:"custom_outbound,omitempty"`
	TLSProvider    string          `json:"tls_provider,omitempty"`

	// brook
	Command       string `json:"command,omitempty"`
	Password      string `json:"password,omitempty"`
	ServerAddress string `json:"server_address,omitempty"`
	ServerPort    int    `json:"server_port,omitempty"`

	// iperf
	ExpireSecond int64 `json:"expire_second,omitempty"`

	// wstunnel
	ForwardType string `json:"forward_type,omitempty"` // TCP | UDP
	Protocol    string `json:"protocol,omitempty"`     // ws | wss
	ClientType  string `json:"client_type,omitempty"`  // server | client
	ProxyPort   int    `json:"proxy_port,omitempty"`

	// shadowsocks
	Encryption string `json:"encryption,omitempty"`
	UDP        bool   `json:"udp,omitempty"`

	// haproxy
	Mode         string   `json:"mode,omitempty"` // tcp | http
	Maxconn      int      `json:"maxconn,omitempty"`
	SendProxy    string   `json:"send_proxy,omitempty"`
	BalanceMode  string   `json:"balance_mode,omitempty"`
	BackendNodes []string `json:"backend_nodes,omitempty"`

	// caddy reverse-proxy front: the port id being fronted plus TLS
	// site settings
	ReverseProxy string       `json:"reverse_proxy,omitempty"`
	TLSSettings  *TLSSettings `json:"tls_settings,omitempty"`

	// Core-owned fields
	RemoteIP string `json:"remote_ip,omitempty"`
	Runner   string `json:"runner,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TLSSettings configures a caddy-fronted site for a proxied port
type TLSSettings struct {
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Protocol string `json:"protocol,omitempty"` // ws | h2
}

// PortUsage tracks byte counters for a port across collector passes
type PortUsage struct {
	PortID string `json:"port_id"`

	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`

	// Monotonic totals surviving remote counter resets
	DownloadAccumulate int64 `json:"download_accumulate"`
	UploadAccumulate   int64 `json:"upload_accumulate"`

	// Last raw remote counter values, for reset detection
	DownloadCheckpoint int64 `json:"download_checkpoint"`
	UploadCheckpoint   int64 `json:"upload_checkpoint"`

	UpdatedAt time.Time `json:"updated_at"`
}

// User is an operator identity. Auth beyond the superuser bootstrap is
// handled outside the core.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	// HashedPassword is bcrypt material. The boundary blanks it before
	// returning a user.
	HashedPassword string `json:"hashed_password,omitempty"`

	IsActive    bool      `json:"is_active"`
	IsOps       bool      `json:"is_ops"`
	IsSuperUser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServerUser grants a user access to a server and carries the
// aggregated usage plus a server-level quota policy
type ServerUser struct {
	ServerID string `json:"server_id"`
	UserID   string `json:"user_id"`

	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`

	Config PortConfig `json:"config"`
}

// PortUser grants a user access to a single port
type PortUser struct {
	PortID string `json:"port_id"`
	UserID string `json:"user_id"`
}

// FileType classifies uploaded blobs for mode selection
type FileType string

const (
	FileTypeSecret     FileType = "secret"
	FileTypeExecutable FileType = "executable"
	FileTypeOther      FileType = "other"
)

// File is metadata for an uploaded blob (SSH keys, shipped scripts)
type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      FileType  `json:"type"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Version   string    `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStatus tracks a queued job to a terminal state
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is the serializable unit of work pulled by queue workers
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority 0 is highest; 10 lowest.
	Priority int `json:"priority"`

	Status     JobStatus `json:"status"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"max_retries"`

	// CancelKey lets delayed jobs be cancelled before they run.
	CancelKey string `json:"cancel_key,omitempty"`

	EnqueuedAt  time.Time `json:"enqueued_at"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`

	Error string `json:"error,omitempty"`
}
