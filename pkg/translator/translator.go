package translator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/dns"
	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/types"
)

// Remote filesystem layout. One config file and one unit per port.
const (
	ConfigDir  = "/usr/local/etc/aurora"
	HelperPath = "/usr/local/bin/iptables.sh"
)

// ConfigPath returns the remote config file path for a port
func ConfigPath(num int) string {
	return fmt.Sprintf("%s/%d", ConfigDir, num)
}

// UnitName returns the per-port service unit name
func UnitName(num int) string {
	return fmt.Sprintf("aurora@%d.service", num)
}

// UnitPath returns the remote unit file path for a port
func UnitPath(num int) string {
	return fmt.Sprintf("/etc/systemd/system/%s", UnitName(num))
}

// StepKind discriminates plan steps
type StepKind string

const (
	StepEnsureInventory StepKind = "ensure_inventory"
	StepEnsureBinary    StepKind = "ensure_binary"
	StepWriteConfig     StepKind = "write_config"
	StepWriteService    StepKind = "write_service"
	StepRemoveService   StepKind = "remove_service"
	StepRemoveConfig    StepKind = "remove_config"
	StepInstallFilter   StepKind = "install_filter"
	StepApplyShaping    StepKind = "apply_shaping"
	StepProbeFacts      StepKind = "probe_facts"
)

// FilterOp is a subcommand of the on-host filter helper
type FilterOp string

const (
	FilterForwardOp FilterOp = "forward"
	FilterDeleteOp  FilterOp = "delete"
	FilterResetOp   FilterOp = "reset"
	FilterListOp    FilterOp = "list"
	FilterListAllOp FilterOp = "list_all"
)

// Step is one remote action of a plan. Kind decides which fields are
// meaningful.
type Step struct {
	Kind StepKind `json:"kind"`

	// EnsureBinary
	Binary     string `json:"binary,omitempty"`
	Source     string `json:"source,omitempty"` // remote path the binary lives at
	Package    string `json:"package,omitempty"`
	VersionArg string `json:"version_arg,omitempty"`

	// WriteConfig / RemoveConfig
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Mode    string `json:"mode,omitempty"`

	// WriteService / RemoveService / InstallFilter / ApplyShaping
	PortNum     int    `json:"port_num,omitempty"`
	CommandLine string `json:"command_line,omitempty"`
	RemoteIP    string `json:"remote_ip,omitempty"`

	// InstallFilter
	FilterOp   FilterOp `json:"filter_op,omitempty"`
	FilterArgs []string `json:"filter_args,omitempty"`

	// ApplyShaping, kbit; 0 leaves the direction untouched
	EgressKbit  int64 `json:"egress_kbit,omitempty"`
	IngressKbit int64 `json:"ingress_kbit,omitempty"`
}

// ActionPlan is an ordered sequence of remote steps for one server,
// plus the normalized rule config the steps were derived from.
type ActionPlan struct {
	ServerID string       `json:"server_id"`
	PortID   string       `json:"port_id,omitempty"`
	PortNum  int          `json:"port_num,omitempty"`
	Method   types.Method `json:"method,omitempty"`

	// Server is the row snapshot for plans that outlive it: server
	// removal runs after the row is deleted, so the executor cannot
	// load it.
	Server *types.Server `json:"server,omitempty"`

	Steps []Step `json:"steps"`

	// Config carries the translator's normalization back to the store:
	// resolved remote_ip in particular.
	Config types.RuleConfig `json:"config"`

	// TrafficMeter reports whether the plan touches filter counters;
	// the reconciler rolls outstanding byte counts forward when it does.
	TrafficMeter bool `json:"traffic_meter"`
}

// PortView pairs a port with its rule, if any. Reverse-proxy config
// generation walks the owning server's other ports through these.
type PortView struct {
	Port *types.Port
	Rule *types.ForwardRule
}

// Input is the read snapshot a rule plan is built from
type Input struct {
	Server *types.Server
	Port   *types.Port
	Rule   *types.ForwardRule

	// Siblings lists the server's other ports; only reverse-proxy
	// methods look at them.
	Siblings []PortView
}

// Translator turns rules into ActionPlans. It owns DNS resolution for
// methods that pin a remote address to an IP.
type Translator struct {
	resolver *dns.Client
	logger   zerolog.Logger
}

// New creates a new Translator
func New(resolver *dns.Client) *Translator {
	return &Translator{
		resolver: resolver,
		logger:   log.WithComponent("translator"),
	}
}

// Translate builds the plan that realizes a rule on its server. The
// returned plan's Config carries normalization (resolved remote_ip)
// that the caller persists.
func (t *Translator) Translate(ctx context.Context, in Input) (*ActionPlan, error) {
	if in.Server == nil || in.Port == nil || in.Rule == nil {
		return nil, &ValidationError{Reason: "translate needs a server, port and rule"}
	}
	method, ok := methodTable[in.Rule.Method]
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("Unsupported method: %s", in.Rule.Method)}
	}

	plan := &ActionPlan{
		ServerID:     in.Server.ID,
		PortID:       in.Port.ID,
		PortNum:      in.Port.Num,
		Method:       in.Rule.Method,
		Config:       in.Rule.Config,
		TrafficMeter: method.trafficMeter,
	}
	plan.Config.RemoteIP = "ANYWHERE"
	plan.Config.Runner = ""
	plan.Config.Error = ""

	if err := method.build(ctx, t, in, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// RewritePlan reinstalls a NAT rule's filter entries after its remote
// address re-resolved. The rule's persisted remote_ip is taken as-is;
// nothing else on the host is touched.
func (t *Translator) RewritePlan(in Input) (*ActionPlan, error) {
	if in.Server == nil || in.Port == nil || in.Rule == nil {
		return nil, &ValidationError{Reason: "rewrite needs a server, port and rule"}
	}
	if in.Rule.Method != types.MethodIptables {
		return nil, &ValidationError{Reason: fmt.Sprintf("Cannot rewrite method: %s", in.Rule.Method)}
	}
	cfg := in.Rule.Config
	forwardType := cfg.Type
	if forwardType == "" {
		forwardType = "ALL"
	}
	return &ActionPlan{
		ServerID:     in.Server.ID,
		PortID:       in.Port.ID,
		PortNum:      in.Port.Num,
		Method:       in.Rule.Method,
		Config:       cfg,
		TrafficMeter: true,
		Steps: []Step{
			FilterForward(forwardType, in.Port.Num, cfg.RemoteIP, cfg.RemotePort),
		},
	}, nil
}

// CleanPortPlan tears a port's footprint off its server: unit, config
// file and filter entries. The final counter delta is recorded by the
// caller before these steps run.
func (t *Translator) CleanPortPlan(server *types.Server, portNum int) *ActionPlan {
	return &ActionPlan{
		ServerID:     server.ID,
		PortNum:      portNum,
		TrafficMeter: true,
		Steps: []Step{
			{Kind: StepRemoveService, PortNum: portNum},
			{Kind: StepRemoveConfig, Path: ConfigPath(portNum)},
			FilterDelete(portNum),
			{Kind: StepEnsureInventory},
		},
	}
}

// InitPlan bootstraps a server: probe facts, ship the filter helper
// and refresh the inventory. Keyed on the MD5 of the helper payload so
// re-connects skip completed inits.
func (t *Translator) InitPlan(server *types.Server) *ActionPlan {
	return &ActionPlan{
		ServerID: server.ID,
		Steps: []Step{
			{Kind: StepProbeFacts},
			{Kind: StepWriteConfig, Path: HelperPath, Content: FilterHelper, Mode: "0755"},
			{Kind: StepEnsureInventory},
		},
	}
}

// CleanServerPlan removes every managed port's footprint plus the
// helper itself. Ports lists the active port numbers on the server.
func (t *Translator) CleanServerPlan(server *types.Server, ports []int) *ActionPlan {
	plan := &ActionPlan{ServerID: server.ID, Server: server, TrafficMeter: true}
	for _, num := range ports {
		plan.Steps = append(plan.Steps,
			Step{Kind: StepRemoveService, PortNum: num},
			Step{Kind: StepRemoveConfig, Path: ConfigPath(num)},
			FilterDelete(num),
		)
	}
	plan.Steps = append(plan.Steps,
		Step{Kind: StepRemoveConfig, Path: HelperPath},
		Step{Kind: StepEnsureInventory},
	)
	return plan
}

// ShapingPlan applies egress/ingress rate limits to one port
func (t *Translator) ShapingPlan(server *types.Server, portNum int, egressKbit, ingressKbit int64) *ActionPlan {
	return &ActionPlan{
		ServerID: server.ID,
		PortNum:  portNum,
		Steps:    []Step{Shaping(portNum, egressKbit, ingressKbit)},
	}
}

// ResetPlan zeroes a port's filter counters, backing the operator's
// usage reset.
func (t *Translator) ResetPlan(server *types.Server, portNum int) *ActionPlan {
	return &ActionPlan{
		ServerID: server.ID,
		PortNum:  portNum,
		Steps:    []Step{FilterReset(portNum)},
	}
}

// FilterForward builds the helper invocation installing NAT entries
// tagged for accounting
func FilterForward(forwardType string, num int, remoteIP string, remotePort int) Step {
	return Step{
		Kind:     StepInstallFilter,
		PortNum:  num,
		RemoteIP: remoteIP,
		FilterOp: FilterForwardOp,
		FilterArgs: []string{
			fmt.Sprintf("-t=%s", forwardType),
			"forward",
			strconv.Itoa(num),
			remoteIP,
			strconv.Itoa(remotePort),
		},
	}
}

// FilterList builds the helper invocation that ensures accounting
// entries exist for a locally served port
func FilterList(num int) Step {
	return Step{
		Kind:       StepInstallFilter,
		PortNum:    num,
		FilterOp:   FilterListOp,
		FilterArgs: []string{"list", strconv.Itoa(num)},
	}
}

// FilterDelete builds the helper invocation removing a port's entries
func FilterDelete(num int) Step {
	return Step{
		Kind:       StepInstallFilter,
		PortNum:    num,
		FilterOp:   FilterDeleteOp,
		FilterArgs: []string{"delete", strconv.Itoa(num)},
	}
}

// FilterReset builds the helper invocation zeroing a port's counters
func FilterReset(num int) Step {
	return Step{
		Kind:       StepInstallFilter,
		PortNum:    num,
		FilterOp:   FilterResetOp,
		FilterArgs: []string{"reset", strconv.Itoa(num)},
	}
}

// Shaping builds the helper invocation installing rate limits
func Shaping(num int, egressKbit, ingressKbit int64) Step {
	step := Step{
		Kind:        StepApplyShaping,
		PortNum:     num,
		EgressKbit:  egressKbit,
		IngressKbit: ingressKbit,
	}
	if egressKbit > 0 {
		step.FilterArgs = append(step.FilterArgs, fmt.Sprintf("-e=%dkbit", egressKbit))
	}
	if ingressKbit > 0 {
		step.FilterArgs = append(step.FilterArgs, fmt.Sprintf("-i=%dkbit", ingressKbit))
	}
	step.FilterArgs = append(step.FilterArgs, strconv.Itoa(num))
	return step
}

// resolve pins a hostname to an IP; literals pass through
func (t *Translator) resolve(ctx context.Context, address string) string {
	return t.resolver.Resolve(ctx, address)
}
