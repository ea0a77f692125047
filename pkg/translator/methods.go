package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/aurora-admin/aurora/pkg/types"
)

// methodSpec describes one entry of the closed method table: the
// binary the method needs, how to probe its version, and the builder
// producing the plan steps.
type methodSpec struct {
	binary     string
	source     string // remote binary path when shipped from the panel
	pkg        string // OS package when the package manager installs it
	versionArg string

	trafficMeter bool

	build func(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error
}

var methodTable map[types.Method]methodSpec

// Populated in init rather than in the var initializer: the build
// functions index methodTable themselves, which the compiler rejects
// as an initialization cycle in a var declaration.
func init() {
	methodTable = map[types.Method]methodSpec{
		types.MethodIptables: {
			trafficMeter: true,
			build:        buildIptables,
		},
		types.MethodSocat: {
			binary: "socat", pkg: "socat", versionArg: "-V",
			trafficMeter: true,
			build:        buildSocat,
		},
		types.MethodEhco: {
			binary: "ehco", source: "/usr/local/bin/ehco", versionArg: "-v",
			trafficMeter: true,
			build:        buildEhco,
		},
		types.MethodGost: {
			binary: "gost", source: "/usr/local/bin/gost", versionArg: "-V",
			trafficMeter: true,
			build:        buildGost,
		},
		types.MethodV2ray: {
			binary: "v2ray", source: "/usr/local/bin/v2ray", versionArg: "-version",
			trafficMeter: true,
			build:        buildV2ray,
		},
		types.MethodBrook: {
			binary: "brook", source: "/usr/local/bin/brook", versionArg: "-v",
			trafficMeter: true,
			build:        buildBrook,
		},
		types.MethodIperf: {
			binary: "iperf", source: "/usr/bin/iperf3", pkg: "iperf3", versionArg: "-version",
			trafficMeter: true,
			build:        buildIperf,
		},
		types.MethodRealm: {
			binary: "realm", source: "/usr/local/bin/realm", versionArg: "--version",
			trafficMeter: true,
			build:        buildRealm,
		},
		types.MethodHaproxy: {
			binary: "haproxy", source: "/usr/sbin/haproxy", pkg: "haproxy", versionArg: "-v",
			trafficMeter: true,
			build:        buildHaproxy,
		},
		types.MethodWstunnel: {
			binary: "wstunnel", source: "/usr/local/bin/wstunnel", versionArg: "-V",
			trafficMeter: true,
			build:        buildWstunnel,
		},
		types.MethodShadowsocks: {
			binary: "shadowsocks", source: "/usr/local/bin/shadowsocks_go", versionArg: "-v",
			trafficMeter: true,
			build:        buildShadowsocks,
		},
		types.MethodNodeExporter: {
			binary: "node_exporter", source: "/usr/local/bin/node_exporter", versionArg: "--version",
			trafficMeter: true,
			build:        buildNodeExporter,
		},
		types.MethodTinyPortMapper: {
			binary: "tiny_port_mapper", source: "/usr/local/bin/tiny_port_mapper", versionArg: "-h",
			trafficMeter: true,
			build:        buildTinyPortMapper,
		},
		types.MethodCaddy: {
			binary: "caddy", source: "/usr/local/bin/caddy", pkg: "caddy", versionArg: "version",
			trafficMeter: false,
			build:        buildCaddy,
		},
	}
}

// appendAppSteps emits the common step spine of an app method: ensure
// the binary, write its config file if it has one, install the unit,
// then make sure the port has accounting entries.
func appendAppSteps(plan *ActionPlan, in Input, m methodSpec, command, config string) {
	if m.binary != "" {
		plan.Steps = append(plan.Steps, Step{
			Kind:       StepEnsureBinary,
			Binary:     m.binary,
			Source:     m.source,
			Package:    m.pkg,
			VersionArg: m.versionArg,
		})
	}
	if config != "" {
		plan.Steps = append(plan.Steps, Step{
			Kind:    StepWriteConfig,
			Path:    ConfigPath(in.Port.Num),
			Content: config,
			Mode:    "0644",
		})
	}
	plan.Steps = append(plan.Steps, Step{
		Kind:        StepWriteService,
		PortNum:     in.Port.Num,
		CommandLine: command,
		RemoteIP:    plan.Config.RemoteIP,
	})
	if m.trafficMeter {
		plan.Steps = append(plan.Steps, FilterList(in.Port.Num))
	}
}

func buildIptables(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	remoteIP := t.resolve(ctx, cfg.RemoteAddress)
	plan.Config.RemoteIP = remoteIP

	forwardType := cfg.Type
	if forwardType == "" {
		forwardType = "ALL"
	}
	plan.Steps = append(plan.Steps, FilterForward(forwardType, in.Port.Num, remoteIP, cfg.RemotePort))
	return nil
}

func buildSocat(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	num := in.Port.Num
	remote := fmt.Sprintf("%s:%d", cfg.RemoteAddress, cfg.RemotePort)

	var command string
	switch cfg.Type {
	case "UDP":
		command = fmt.Sprintf(`/bin/sh -c "socat UDP4-LISTEN:%d,fork,reuseaddr UDP4:%s"`, num, remote)
	case "ALL":
		command = fmt.Sprintf(
			`/bin/sh -c "socat UDP4-LISTEN:%d,fork,reuseaddr UDP4:%s & socat TCP4-LISTEN:%d,fork,reuseaddr TCP4:%s"`,
			num, remote, num, remote,
		)
	default:
		command = fmt.Sprintf(`/bin/sh -c "socat TCP4-LISTEN:%d,fork,reuseaddr TCP4:%s"`, num, remote)
	}
	appendAppSteps(plan, in, methodTable[types.MethodSocat], command, "")
	return nil
}

func buildEhco(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	listenType := cfg.ListenType
	if listenType == "" {
		listenType = "raw"
	}
	transportType := cfg.TransportType
	if transportType == "" {
		transportType = "raw"
	}
	prefix := ""
	if strings.HasSuffix(transportType, "wss") {
		prefix = "wss://"
	} else if transportType != "raw" {
		prefix = "ws://"
	}
	command := fmt.Sprintf(
		"/usr/local/bin/ehco -l 0.0.0.0:%d --lt %s -r %s%s:%d --tt %s",
		in.Port.Num, listenType, prefix, cfg.RemoteAddress, cfg.RemotePort, transportType,
	)
	appendAppSteps(plan, in, methodTable[types.MethodEhco], command, "")
	return nil
}

// gostConfig is the JSON document gost consumes. Field names follow
// gost's own config format.
type gostConfig struct {
	Retries    int      `json:"Retries"`
	ServeNodes []string `json:"ServeNodes"`
	ChainNodes []string `json:"ChainNodes"`
}

func buildGost(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	gost := generateGostConfig(in.Port, in.Rule.Config)
	content, err := json.MarshalIndent(gost, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render gost config: %v", err)
	}
	plan.Config.RemoteIP = t.gostRemoteIP(ctx, gost)

	command := fmt.Sprintf("/usr/local/bin/gost -C %s", ConfigPath(in.Port.Num))
	appendAppSteps(plan, in, methodTable[types.MethodGost], command, string(content))
	return nil
}

// generateGostConfig normalizes a rule's gost document. Nodes written
// against the display port are rewritten to the real listening port,
// once per node.
func generateGostConfig(port *types.Port, cfg types.RuleConfig) gostConfig {
	nodes := cfg.ServeNodes
	if len(nodes) == 0 {
		nodes = []string{fmt.Sprintf(":%d", port.Num)}
	}
	out := make([]string, len(nodes))
	for i, node := range nodes {
		if port.ExternalNum > 0 {
			node = strings.Replace(
				node,
				fmt.Sprintf(":%d", port.ExternalNum),
				fmt.Sprintf(":%d", port.Num),
				1,
			)
		}
		out[i] = node
	}
	chain := cfg.ChainNodes
	if chain == nil {
		chain = []string{}
	}
	return gostConfig{Retries: cfg.Retries, ServeNodes: out, ChainNodes: chain}
}

// gostRemoteIP derives the forward target: the first chain node wins,
// else the first tcp serve node's path target.
func (t *Translator) gostRemoteIP(ctx context.Context, cfg gostConfig) string {
	if len(cfg.ChainNodes) > 0 {
		u, err := url.Parse(cfg.ChainNodes[0])
		host := ""
		if err == nil {
			host = u.Hostname()
		}
		if host == "" {
			return "127.0.0.1"
		}
		return t.resolve(ctx, host)
	}
	for _, node := range cfg.ServeNodes {
		if !strings.HasPrefix(node, "tcp") {
			continue
		}
		u, err := url.Parse(node)
		if err != nil || u.Path == "" {
			break
		}
		host := strings.SplitN(strings.TrimPrefix(u.Path, "/"), ":", 2)[0]
		if host == "" {
			break
		}
		return t.resolve(ctx, host)
	}
	return "ANYWHERE"
}

func buildV2ray(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	content, err := generateV2rayConfig(in.Port, in.Rule.Config)
	if err != nil {
		return err
	}
	command := fmt.Sprintf("/usr/local/bin/v2ray -config %s", ConfigPath(in.Port.Num))
	appendAppSteps(plan, in, methodTable[types.MethodV2ray], command, content)
	return nil
}

// generateV2rayConfig assembles the full core config around the rule's
// inbound/outbound documents, pinning the inbound port and quieting
// the core's own logging.
func generateV2rayConfig(port *types.Port, cfg types.RuleConfig) (string, error) {
	inbound, err := decodeDocument(cfg.Inbound)
	if err != nil {
		return "", &ValidationError{Field: "inbound", Reason: err.Error()}
	}
	inbound["port"] = port.Num
	outbound, err := decodeDocument(cfg.Outbound)
	if err != nil {
		return "", &ValidationError{Field: "outbound", Reason: err.Error()}
	}
	routing, err := decodeDocument(cfg.Routing)
	if err != nil {
		return "", &ValidationError{Field: "routing", Reason: err.Error()}
	}
	dnsDoc, err := decodeDocument(cfg.DNS)
	if err != nil {
		return "", &ValidationError{Field: "dns", Reason: err.Error()}
	}

	full := map[string]interface{}{
		"inbounds":  []interface{}{inbound},
		"outbounds": []interface{}{outbound},
		"routing":   routing,
		"dns":       dnsDoc,
		"log":       map[string]interface{}{"loglevel": "warning", "access": "none"},
	}
	content, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render v2ray config: %v", err)
	}
	return string(content), nil
}

func decodeDocument(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func buildBrook(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	num := in.Port.Num

	var args string
	switch {
	case cfg.Command == "relay":
		remoteIP := t.resolve(ctx, cfg.RemoteAddress)
		plan.Config.RemoteIP = remoteIP
		args = fmt.Sprintf("relay -f :%d -t %s:%d", num, bracketIPv6(remoteIP), cfg.RemotePort)
	case strings.HasSuffix(cfg.Command, "server"):
		args = fmt.Sprintf("%s -l :%d -p %s", cfg.Command, num, cfg.Password)
	case strings.HasSuffix(cfg.Command, "client"):
		remoteIP := t.resolve(ctx, cfg.RemoteAddress)
		plan.Config.RemoteIP = remoteIP
		scheme := ""
		if cfg.Command == "wsclient" {
			scheme = "ws://"
		}
		args = fmt.Sprintf(
			"relayoverbrook -f :%d -t %s:%d -p %s -s %s%s:%d",
			num, bracketIPv6(remoteIP), cfg.RemotePort, cfg.Password,
			scheme, bracketIPv6(cfg.ServerAddress), cfg.ServerPort,
		)
	default:
		return &ValidationError{Field: "command", Reason: fmt.Sprintf("Invalid command: %s", cfg.Command)}
	}
	appendAppSteps(plan, in, methodTable[types.MethodBrook], "/usr/local/bin/brook "+args, "")
	return nil
}

func buildIperf(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	command := fmt.Sprintf("/usr/bin/iperf3 -s -p %d", in.Port.Num)
	appendAppSteps(plan, in, methodTable[types.MethodIperf], command, "")
	return nil
}

func buildRealm(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	command := fmt.Sprintf(
		"/usr/local/bin/realm -l 0.0.0.0:%d -uzr %s:%d",
		in.Port.Num, cfg.RemoteAddress, cfg.RemotePort,
	)
	appendAppSteps(plan, in, methodTable[types.MethodRealm], command, "")
	return nil
}

func buildHaproxy(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	content := generateHaproxyConfig(in.Port.Num, in.Rule.Config)
	command := fmt.Sprintf("/usr/sbin/haproxy -f %s", ConfigPath(in.Port.Num))
	appendAppSteps(plan, in, methodTable[types.MethodHaproxy], command, content)
	return nil
}

// generateHaproxyConfig renders the per-port proxy config: one
// frontend bound to the port, one backend listing the rule's nodes.
func generateHaproxyConfig(num int, cfg types.RuleConfig) string {
	mode := cfg.Mode
	if mode == "" {
		mode = "tcp"
	}
	balance := cfg.BalanceMode
	if balance == "" {
		balance = "roundrobin"
	}
	maxconn := cfg.Maxconn
	if maxconn == 0 {
		maxconn = 20480
	}

	var b strings.Builder
	fmt.Fprintf(&b, "global\n    ulimit-n 51200\n")
	fmt.Fprintf(&b, "defaults\n")
	fmt.Fprintf(&b, "    log global\n")
	fmt.Fprintf(&b, "    retries 1\n")
	fmt.Fprintf(&b, "    option redispatch\n")
	fmt.Fprintf(&b, "    mode %s\n", mode)
	fmt.Fprintf(&b, "    option dontlognull\n")
	fmt.Fprintf(&b, "    timeout connect 5000\n")
	fmt.Fprintf(&b, "    timeout client 95000\n")
	fmt.Fprintf(&b, "    timeout server 95000\n\n")
	fmt.Fprintf(&b, "frontend %d-in\n", num)
	fmt.Fprintf(&b, "    bind *:%d\n", num)
	fmt.Fprintf(&b, "    mode %s\n", mode)
	fmt.Fprintf(&b, "    default_backend %d-out\n\n", num)
	fmt.Fprintf(&b, "backend %d-out\n", num)
	fmt.Fprintf(&b, "    mode %s\n", mode)
	fmt.Fprintf(&b, "    balance %s\n", balance)
	for i, node := range cfg.BackendNodes {
		line := fmt.Sprintf("    server server%d %s check inter 10000 maxconn %d", i, node, maxconn)
		if cfg.SendProxy != "" {
			line += " " + cfg.SendProxy
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func buildWstunnel(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	num := in.Port.Num

	var command string
	if cfg.ClientType == "client" {
		udp := ""
		if cfg.ForwardType == "UDP" {
			udp = "-u "
		}
		command = fmt.Sprintf(
			"/usr/local/bin/wstunnel %s-L 0.0.0.0:%d:127.0.0.1:%d %s://%s:%d",
			udp, num, cfg.ProxyPort, cfg.Protocol, cfg.RemoteAddress, cfg.RemotePort,
		)
	} else {
		command = fmt.Sprintf(
			"/usr/local/bin/wstunnel --server %s://0.0.0.0:%d -r 127.0.0.1:%d",
			cfg.Protocol, num, cfg.ProxyPort,
		)
	}
	appendAppSteps(plan, in, methodTable[types.MethodWstunnel], command, "")
	return nil
}

// aeadCiphers lists the ciphers served by the modern shadowsocks
// binary; everything else goes through the legacy one.
var aeadCiphers = map[string]bool{
	"AEAD_AES_128_GCM":       true,
	"AEAD_AES_256_GCM":       true,
	"AEAD_CHACHA20_POLY1305": true,
}

func buildShadowsocks(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	num := in.Port.Num

	m := methodTable[types.MethodShadowsocks]
	var command string
	if aeadCiphers[cfg.Encryption] {
		m.source = "/usr/local/bin/shadowsocks_go2"
		command = fmt.Sprintf(
			"/usr/local/bin/shadowsocks_go2 -s 0.0.0.0:%d -cipher %s -password %s",
			num, cfg.Encryption, cfg.Password,
		)
		if cfg.UDP {
			command += " -udp"
		}
	} else {
		command = fmt.Sprintf(
			"/usr/local/bin/shadowsocks_go -p %d -m %s -k %s",
			num, cfg.Encryption, cfg.Password,
		)
		if cfg.UDP {
			command += " -u"
		}
	}
	appendAppSteps(plan, in, m, command, "")
	return nil
}

func buildNodeExporter(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	command := fmt.Sprintf(
		"/usr/local/bin/node_exporter --web.listen-address=:%d --collector.iptables",
		in.Port.Num,
	)
	appendAppSteps(plan, in, methodTable[types.MethodNodeExporter], command, "")
	return nil
}

func buildTinyPortMapper(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	cfg := in.Rule.Config
	remoteIP := t.resolve(ctx, cfg.RemoteAddress)
	plan.Config.RemoteIP = remoteIP

	command := fmt.Sprintf(
		"/usr/local/bin/tiny_port_mapper --log-level 3 --disable-color -l0.0.0.0:%d -r%s:%d",
		in.Port.Num, remoteIP, cfg.RemotePort,
	)
	if cfg.Type == "TCP" || cfg.Type == "ALL" {
		command += " -t"
	}
	if cfg.Type == "UDP" || cfg.Type == "ALL" {
		command += " -u"
	}
	appendAppSteps(plan, in, methodTable[types.MethodTinyPortMapper], command, "")
	return nil
}

func buildCaddy(ctx context.Context, t *Translator, in Input, plan *ActionPlan) error {
	content := t.generateCaddyConfig(in)
	command := fmt.Sprintf("/usr/local/bin/caddy run --config %s --adapter caddyfile", ConfigPath(in.Port.Num))
	appendAppSteps(plan, in, methodTable[types.MethodCaddy], command, content)
	return nil
}

const caddySitePreamble = `  tls {
    protocols tls1.2 tls1.3
    ciphers TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256 TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384 TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256
    curves x25519
    alpn h2 http/1.1
  }
  header {
    Strict-Transport-Security max-age=31536000
  }
`

// generateCaddyConfig renders the reverse-proxy front: operator-seeded
// domains from the server config plus every sibling rule that fronts
// itself through this port. Sites and ports render in sorted order so
// repeated runs produce an identical file.
func (t *Translator) generateCaddyConfig(in Input) string {
	hosts := map[string]map[string]types.TLSSettings{}
	for domain, sites := range in.Server.Config.Domains {
		dst := map[string]types.TLSSettings{}
		for portKey, site := range sites {
			dst[portKey] = site
		}
		hosts[domain] = dst
	}
	for _, sib := range in.Siblings {
		if sib.Rule == nil || sib.Port == nil {
			continue
		}
		if sib.Rule.Config.ReverseProxy != in.Port.ID {
			continue
		}
		settings := sib.Rule.Config.TLSSettings
		if settings == nil || settings.Domain == "" {
			continue
		}
		if hosts[settings.Domain] == nil {
			hosts[settings.Domain] = map[string]types.TLSSettings{}
		}
		hosts[settings.Domain][strconv.Itoa(sib.Port.Num)] = *settings
	}

	var b strings.Builder
	b.WriteString("localhost {\n  respond \"Hola, Aurora Admin Panel!\"\n}\n")

	domains := make([]string, 0, len(hosts))
	for domain := range hosts {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		b.WriteString(domain + " {\n")
		b.WriteString(caddySitePreamble)

		portKeys := make([]string, 0, len(hosts[domain]))
		for portKey := range hosts[domain] {
			portKeys = append(portKeys, portKey)
		}
		sort.Strings(portKeys)

		for _, portKey := range portKeys {
			site := hosts[domain][portKey]
			if site.Path == "" || !strings.HasPrefix(site.Path, "/") {
				t.logger.Warn().
					Str("domain", domain).
					Str("port", portKey).
					Msg("Malformed reverse proxy path, skipping site")
				continue
			}
			switch site.Protocol {
			case "ws":
				fmt.Fprintf(&b, "  @%s {\n", portKey)
				fmt.Fprintf(&b, "    path %s\n", site.Path)
				b.WriteString("    header Connection *Upgrade*\n")
				b.WriteString("    header Upgrade websocket\n")
				b.WriteString("  }\n")
				fmt.Fprintf(&b, "  reverse_proxy @%s localhost:%s {\n", portKey, portKey)
				b.WriteString("    transport http {\n      keepalive off\n    }\n")
				b.WriteString("  }\n")
			case "h2":
				fmt.Fprintf(&b, "  reverse_proxy %s localhost:%s {\n", site.Path, portKey)
				b.WriteString("    transport http {\n      keepalive off\n      versions h2c\n    }\n")
				b.WriteString("  }\n")
			default:
				t.logger.Warn().
					Str("domain", domain).
					Str("protocol", site.Protocol).
					Msg("Unknown reverse proxy protocol, skipping site")
			}
		}
		b.WriteString("}\n")
	}
	return b.String()
}

// bracketIPv6 wraps v6 literals for host:port joins
func bracketIPv6(host string) string {
	if isIPv6(host) {
		return "[" + host + "]"
	}
	return host
}
