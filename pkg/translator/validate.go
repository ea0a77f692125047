package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/aurora-admin/aurora/pkg/types"
)

// ValidationError rejects a rule config at the boundary; it never
// reaches the reconciler.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// IsValidation reports whether err is a config rejection
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// Closed sets checked by the per-method schemas
var (
	forwardTypes   = []string{"TCP", "UDP", "ALL"}
	ehcoTransports = []string{"raw", "ws", "wss", "mwss"}
	brookCommands  = []string{"relay", "server", "wsserver", "client", "wsclient"}
	wsProtocols    = []string{"ws", "wss"}
	wsClientTypes  = []string{"server", "client"}
	haproxyModes   = []string{"tcp", "http"}
	sendProxyModes = []string{"send-proxy", "send-proxy-v2"}
	balanceModes   = []string{"roundrobin", "static-rr", "leastconn", "first", "source"}
	v2rayCores     = []string{"v2ray", "xray"}

	ssCiphers = []string{
		"AEAD_AES_128_GCM",
		"AEAD_AES_256_GCM",
		"AEAD_CHACHA20_POLY1305",
		"aes-128-cfb",
		"aes-192-cfb",
		"aes-256-cfb",
		"aes-128-ctr",
		"aes-192-ctr",
		"aes-256-ctr",
		"des-cfb",
		"bf-cfb",
		"cast5-cfb",
		"rc4-md5",
		"rc4-md5-6",
		"chacha20",
		"chacha20-ietf",
		"salsa20",
	}
)

// Validate strictly decodes a rule config document for a method and
// returns the normalized RuleConfig. Unknown fields are rejected; the
// core-owned fields (remote_ip, runner, error) are tolerated on input
// and discarded. The port supplies the listening number gost nodes
// must bind.
func Validate(method types.Method, raw json.RawMessage, port *types.Port) (types.RuleConfig, error) {
	stripped, err := stripCoreOwned(raw)
	if err != nil {
		return types.RuleConfig{}, &ValidationError{Reason: fmt.Sprintf("malformed config: %v", err)}
	}

	switch method {
	case types.MethodIptables:
		return validateIptables(stripped)
	case types.MethodSocat:
		return validateSocat(stripped)
	case types.MethodEhco:
		return validateEhco(stripped)
	case types.MethodGost:
		return validateGost(stripped, port)
	case types.MethodV2ray:
		return validateV2ray(stripped)
	case types.MethodBrook:
		return validateBrook(stripped)
	case types.MethodIperf:
		return validateIperf(stripped)
	case types.MethodRealm:
		return validateRealm(stripped)
	case types.MethodHaproxy:
		return validateHaproxy(stripped)
	case types.MethodWstunnel:
		return validateWstunnel(stripped)
	case types.MethodShadowsocks:
		return validateShadowsocks(stripped)
	case types.MethodNodeExporter, types.MethodCaddy:
		return validateEmpty(stripped)
	case types.MethodTinyPortMapper:
		return validateTinyPortMapper(stripped)
	}
	return types.RuleConfig{}, &ValidationError{Reason: fmt.Sprintf("Unsupported method: %s", method)}
}

// stripCoreOwned drops the fields only the core may write, so clients
// echoing a fetched config back never trip the strict decode.
func stripCoreOwned(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	delete(doc, "remote_ip")
	delete(doc, "runner")
	delete(doc, "error")
	return json.Marshal(doc)
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Reason: strings.TrimPrefix(err.Error(), "json: ")}
	}
	return nil
}

func validateIptables(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		Type          string `json:"type"`
		RemoteAddress string `json:"remote_address"`
		RemotePort    *int   `json:"remote_port"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if !inSet(s.Type, forwardTypes) {
		return types.RuleConfig{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("Invalid forward type: %s", s.Type)}
	}
	if err := requireAddress("remote_address", s.RemoteAddress); err != nil {
		return types.RuleConfig{}, err
	}
	if err := requirePort("remote_port", s.RemotePort); err != nil {
		return types.RuleConfig{}, err
	}
	return types.RuleConfig{
		Type:          s.Type,
		RemoteAddress: strings.TrimSpace(s.RemoteAddress),
		RemotePort:    *s.RemotePort,
	}, nil
}

func validateSocat(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		Type          string `json:"type"`
		RemoteAddress string `json:"remote_address"`
		RemotePort    *int   `json:"remote_port"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if !inSet(s.Type, forwardTypes) {
		return types.RuleConfig{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("Invalid forward type: %s", s.Type)}
	}
	if err := requireAddress("remote_address", s.RemoteAddress); err != nil {
		return types.RuleConfig{}, err
	}
	if err := requirePort("remote_port", s.RemotePort); err != nil {
		return types.RuleConfig{}, err
	}
	return types.RuleConfig{
		Type:          s.Type,
		RemoteAddress: strings.TrimSpace(s.RemoteAddress),
		RemotePort:    *s.RemotePort,
	}, nil
}

func validateEhco(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		ListenType    string `json:"listen_type"`
		TransportType string `json:"transport_type"`
		RemoteAddress string `json:"remote_address"`
		RemotePort    *int   `json:"remote_port"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if !inSet(s.ListenType, ehcoTransports) {
		return types.RuleConfig{}, &ValidationError{Field: "listen_type", Reason: fmt.Sprintf("Invalid listen type: %s", s.ListenType)}
	}
	if !inSet(s.TransportType, ehcoTransports) {
		return types.RuleConfig{}, &ValidationError{Field: "transport_type", Reason: fmt.Sprintf("Invalid transport type: %s", s.TransportType)}
	}
	if err := requireAddress("remote_address", s.RemoteAddress); err != nil {
		return types.RuleConfig{}, err
	}
	if err := requirePort("remote_port", s.RemotePort); err != nil {
		return types.RuleConfig{}, err
	}
	return types.RuleConfig{
		ListenType:    s.ListenType,
		TransportType: s.TransportType,
		RemoteAddress: strings.TrimSpace(s.RemoteAddress),
		RemotePort:    *s.RemotePort,
	}, nil
}

func validateGost(raw json.RawMessage, port *types.Port) (types.RuleConfig, error) {
	var s struct {
		Retries    int      `json:"Retries"`
		ServeNodes []string `json:"ServeNodes"`
		ChainNodes []string `json:"ChainNodes"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if len(s.ServeNodes) == 0 {
		return types.RuleConfig{}, &ValidationError{Field: "ServeNodes", Reason: "at least one serve node is required"}
	}

	num := port.Num
	if port.ExternalNum > 0 {
		num = port.ExternalNum
	}
	numStr := strconv.Itoa(num)
	for _, node := range s.ServeNodes {
		if strings.HasPrefix(node, ":") {
			if !strings.HasPrefix(node, ":"+numStr) {
				return types.RuleConfig{}, &ValidationError{Reason: fmt.Sprintf("Port not allowed, ServeNode: %s", node)}
			}
			continue
		}
		parsed, err := url.Parse(node)
		if err != nil ||
			(!strings.HasSuffix(parsed.Host, numStr) && !strings.HasSuffix(parsed.Path, numStr)) {
			return types.RuleConfig{}, &ValidationError{Reason: fmt.Sprintf("Port not allowed, ServeNode: %s", node)}
		}
	}
	return types.RuleConfig{
		Retries:    s.Retries,
		ServeNodes: s.ServeNodes,
		ChainNodes: s.ChainNodes,
	}, nil
}

func validateV2ray(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		Inbound        json.RawMessage    `json:"inbound"`
		Outbound       json.RawMessage    `json:"outbound"`
		CustomInbound  bool               `json:"custom_inbound"`
		CustomOutbound bool               `json:"custom_outbound"`
		TLSProvider    string             `json:"tls_provider"`
		TLSSettings    *types.TLSSettings `json:"tls_settings"`
		ReverseProxy   string             `json:"reverse_proxy"`
		Routing        json.RawMessage    `json:"routing"`
		DNS            json.RawMessage    `json:"dns"`
		Core           string             `json:"core"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if len(s.Inbound) == 0 {
		return types.RuleConfig{}, &ValidationError{Field: "inbound", Reason: "inbound is required"}
	}
	if len(s.Outbound) == 0 {
		return types.RuleConfig{}, &ValidationError{Field: "outbound", Reason: "outbound is required"}
	}
	if s.Core != "" && !inSet(s.Core, v2rayCores) {
		return types.RuleConfig{}, &ValidationError{Field: "core", Reason: fmt.Sprintf("Invalid v2ray core: %s", s.Core)}
	}
	for field, doc := range map[string]json.RawMessage{
		"inbound": s.Inbound, "outbound": s.Outbound, "routing": s.Routing, "dns": s.DNS,
	} {
		if _, err := decodeDocument(doc); err != nil {
			return types.RuleConfig{}, &ValidationError{Field: field, Reason: err.Error()}
		}
	}
	return types.RuleConfig{
		Inbound:        s.Inbound,
		Outbound:       s.Outbound,
		CustomInbound:  s.CustomInbound,
		CustomOutbound: s.CustomOutbound,
		TLSProvider:    s.TLSProvider,
		TLSSettings:    s.TLSSettings,
		ReverseProxy:   s.ReverseProxy,
		Routing:        s.Routing,
		DNS:            s.DNS,
		Core:           s.Core,
	}, nil
}

func validateBrook(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		Command       string `json:"command"`
		RemoteAddress string `json:"remote_address"`
		RemotePort    *int   `json:"remote_port"`
		ServerAddress string `json:"server_address"`
		ServerPort    *int   `json:"server_port"`
		Password      string `json:"password"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if !inSet(s.Command, brookCommands) {
		return types.RuleConfig{}, &ValidationError{Field: "command", Reason: fmt.Sprintf("Invalid command: %s", s.Command)}
	}
	if s.Command != "relay" && s.Password == "" {
		return types.RuleConfig{}, &ValidationError{Field: "password", Reason: "Password is necessary for tunnel model"}
	}
	if err := optionalPort("remote_port", s.RemotePort); err != nil {
		return types.RuleConfig{}, err
	}
	if err := optionalPort("server_port", s.ServerPort); err != nil {
		return types.RuleConfig{}, err
	}
	cfg := types.RuleConfig{
		Command:       s.Command,
		RemoteAddress: strings.TrimSpace(s.RemoteAddress),
		ServerAddress: strings.TrimSpace(s.ServerAddress),
		Password:      s.Password,
	}
	if s.RemotePort != nil {
		cfg.RemotePort = *s.RemotePort
	}
	if s.ServerPort != nil {
		cfg.ServerPort = *s.ServerPort
	}
	return cfg, nil
}

func validateIperf(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		ExpireSecond *int64 `json:"expire_second"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if s.ExpireSecond == nil {
		return types.RuleConfig{}, &ValidationError{Field: "expire_second", Reason: "expire_second is required"}
	}
	if *s.ExpireSecond <= 0 {
		return types.RuleConfig{}, &ValidationError{Field: "expire_second", Reason: "Expire second must be greater than 0"}
	}
	if *s.ExpireSecond > 24*60*60 {
		return types.RuleConfig{}, &ValidationError{Field: "expire_second", Reason: fmt.Sprintf("Expire second must be less than %d", 24*60*60)}
	}
	return types.RuleConfig{ExpireSecond: *s.ExpireSecond}, nil
}

func validateRealm(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		RemoteAddress string `json:"remote_address"`
		RemotePort    *int   `json:"remote_port"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if err := requireAddress("remote_address", s.RemoteAddress); err != nil {
		return types.RuleConfig{}, err
	}
	if err := requirePort("remote_port", s.RemotePort); err != nil {
		return types.RuleConfig{}, err
	}
	return types.RuleConfig{
		RemoteAddress: strings.TrimSpace(s.RemoteAddress),
		RemotePort:    *s.RemotePort,
	}, nil
}

func validateHaproxy(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		Mode         string   `json:"mode"`
		Maxconn      *int     `json:"maxconn"`
		SendProxy    string   `json:"send_proxy"`
		BalanceMode  string   `json:"balance_mode"`
		BackendNodes []string `json:"backend_nodes"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if !inSet(s.Mode, haproxyModes) {
		return types.RuleConfig{}, &ValidationError{Field: "mode", Reason: fmt.Sprintf("Invalid mode: %s", s.Mode)}
	}
	if s.SendProxy != "" && !inSet(s.SendProxy, sendProxyModes) {
		return types.RuleConfig{}, &ValidationError{Field: "send_proxy", Reason: fmt.Sprintf("Invalid send proxy: %s", s.SendProxy)}
	}
	if !inSet(s.BalanceMode, balanceModes) {
		return types.RuleConfig{}, &ValidationError{Field: "balance_mode", Reason: fmt.Sprintf("Invalid balance mode: %s", s.BalanceMode)}
	}
	if len(s.BackendNodes) == 0 {
		return types.RuleConfig{}, &ValidationError{Field: "backend_nodes", Reason: "at least one backend node is required"}
	}
	cfg := types.RuleConfig{
		Mode:         s.Mode,
		SendProxy:    s.SendProxy,
		BalanceMode:  s.BalanceMode,
		BackendNodes: s.BackendNodes,
	}
	if s.Maxconn != nil {
		cfg.Maxconn = *s.Maxconn
	}
	return cfg, nil
}

func validateWstunnel(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		ForwardType   string `json:"forward_type"`
		Protocol      string `json:"protocol"`
		ClientType    string `json:"client_type"`
		ProxyPort     *int   `json:"proxy_port"`
		RemoteAddress string `json:"remote_address"`
		RemotePort    *int   `json:"remote_port"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if s.ForwardType != "TCP" && s.ForwardType != "UDP" {
		return types.RuleConfig{}, &ValidationError{Field: "forward_type", Reason: fmt.Sprintf("Invalid forward type: %s", s.ForwardType)}
	}
	if !inSet(s.Protocol, wsProtocols) {
		return types.RuleConfig{}, &ValidationError{Field: "protocol", Reason: fmt.Sprintf("Invalid protocol: %s", s.Protocol)}
	}
	if !inSet(s.ClientType, wsClientTypes) {
		return types.RuleConfig{}, &ValidationError{Field: "client_type", Reason: fmt.Sprintf("Invalid client type: %s", s.ClientType)}
	}
	if err := requirePort("proxy_port", s.ProxyPort); err != nil {
		return types.RuleConfig{}, err
	}
	// Clients dial out; servers only expose the local proxy port.
	if s.ClientType == "client" {
		if err := requireAddress("remote_address", s.RemoteAddress); err != nil {
			return types.RuleConfig{}, err
		}
		if err := requirePort("remote_port", s.RemotePort); err != nil {
			return types.RuleConfig{}, err
		}
	} else if err := optionalPort("remote_port", s.RemotePort); err != nil {
		return types.RuleConfig{}, err
	}
	cfg := types.RuleConfig{
		ForwardType:   s.ForwardType,
		Protocol:      s.Protocol,
		ClientType:    s.ClientType,
		ProxyPort:     *s.ProxyPort,
		RemoteAddress: strings.TrimSpace(s.RemoteAddress),
	}
	if s.RemotePort != nil {
		cfg.RemotePort = *s.RemotePort
	}
	return cfg, nil
}

func validateShadowsocks(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		Password   string `json:"password"`
		Encryption string `json:"encryption"`
		UDP        bool   `json:"udp"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if s.Password == "" {
		return types.RuleConfig{}, &ValidationError{Field: "password", Reason: "password is required"}
	}
	if !inSet(s.Encryption, ssCiphers) {
		return types.RuleConfig{}, &ValidationError{Field: "encryption", Reason: fmt.Sprintf("Invalid encryption: %s", s.Encryption)}
	}
	return types.RuleConfig{
		Password:   s.Password,
		Encryption: s.Encryption,
		UDP:        s.UDP,
	}, nil
}

func validateTinyPortMapper(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct {
		Type          string `json:"type"`
		RemoteAddress string `json:"remote_address"`
		RemotePort    *int   `json:"remote_port"`
	}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	if !inSet(s.Type, forwardTypes) {
		return types.RuleConfig{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("Invalid forward type: %s", s.Type)}
	}
	if err := requireAddress("remote_address", s.RemoteAddress); err != nil {
		return types.RuleConfig{}, err
	}
	if err := requirePort("remote_port", s.RemotePort); err != nil {
		return types.RuleConfig{}, err
	}
	return types.RuleConfig{
		Type:          s.Type,
		RemoteAddress: strings.TrimSpace(s.RemoteAddress),
		RemotePort:    *s.RemotePort,
	}, nil
}

func validateEmpty(raw json.RawMessage) (types.RuleConfig, error) {
	var s struct{}
	if err := decodeStrict(raw, &s); err != nil {
		return types.RuleConfig{}, err
	}
	return types.RuleConfig{}, nil
}

func inSet(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func requireAddress(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%s is required", field)}
	}
	return nil
}

func requirePort(field string, v *int) error {
	if v == nil {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%s is required", field)}
	}
	return optionalPort(field, v)
}

func optionalPort(field string, v *int) error {
	if v != nil && (*v < 0 || *v > 65535) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("Invalid port: %d", *v)}
	}
	return nil
}

func isIPv6(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() == nil
}
