package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/types"
)

func TestValidateRejectsUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"type":"TCP","remote_address":"1.2.3.4","remote_port":443,"bogus":true}`)

	_, err := Validate(types.MethodSocat, raw, &types.Port{Num: 8080})

	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), `unknown field "bogus"`)
}

func TestValidateStripsCoreOwnedFields(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "TCP",
		"remote_address": "1.2.3.4",
		"remote_port": 443,
		"remote_ip": "9.9.9.9",
		"runner": "stale-job",
		"error": "stale failure"
	}`)

	cfg, err := Validate(types.MethodIptables, raw, &types.Port{Num: 8080})

	require.NoError(t, err)
	assert.Empty(t, cfg.RemoteIP)
	assert.Empty(t, cfg.Runner)
	assert.Empty(t, cfg.Error)
	assert.Equal(t, "1.2.3.4", cfg.RemoteAddress)
}

func TestValidateRejectsMalformedDocument(t *testing.T) {
	_, err := Validate(types.MethodIptables, json.RawMessage(`{not json`), &types.Port{Num: 8080})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed config")
}

func TestValidateRejectsUnknownMethod(t *testing.T) {
	_, err := Validate(types.Method("wireguard"), json.RawMessage(`{}`), &types.Port{Num: 8080})

	require.EqualError(t, err, "Unsupported method: wireguard")
}

func TestValidateIptables(t *testing.T) {
	port := &types.Port{Num: 8080}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"valid", `{"type":"TCP","remote_address":"1.2.3.4","remote_port":443}`, ""},
		{"invalid type", `{"type":"ICMP","remote_address":"1.2.3.4","remote_port":443}`, "Invalid forward type: ICMP"},
		{"missing address", `{"type":"TCP","remote_port":443}`, "remote_address is required"},
		{"missing port", `{"type":"TCP","remote_address":"1.2.3.4"}`, "remote_port is required"},
		{"port out of range", `{"type":"TCP","remote_address":"1.2.3.4","remote_port":70000}`, "Invalid port: 70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodIptables, json.RawMessage(tt.raw), port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateIptablesTrimsAddress(t *testing.T) {
	raw := json.RawMessage(`{"type":"ALL","remote_address":" example.com ","remote_port":443}`)

	cfg, err := Validate(types.MethodIptables, raw, &types.Port{Num: 8080})

	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.RemoteAddress)
}

func TestValidateEhco(t *testing.T) {
	port := &types.Port{Num: 8080}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"valid", `{"listen_type":"raw","transport_type":"mwss","remote_address":"1.2.3.4","remote_port":443}`, ""},
		{"bad listen", `{"listen_type":"tcp","transport_type":"raw","remote_address":"1.2.3.4","remote_port":443}`, "Invalid listen type: tcp"},
		{"bad transport", `{"listen_type":"raw","transport_type":"kcp","remote_address":"1.2.3.4","remote_port":443}`, "Invalid transport type: kcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodEhco, json.RawMessage(tt.raw), port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateGostServeNodes(t *testing.T) {
	tests := []struct {
		name    string
		port    *types.Port
		raw     string
		wantErr string
	}{
		{
			"bare node on own port",
			&types.Port{Num: 8080},
			`{"ServeNodes":[":8080"]}`,
			"",
		},
		{
			"bare node on foreign port",
			&types.Port{Num: 8080},
			`{"ServeNodes":[":9090"]}`,
			"Port not allowed, ServeNode: :9090",
		},
		{
			"url node with matching host port",
			&types.Port{Num: 8080},
			`{"ServeNodes":["tcp://:8080/1.2.3.4:9090"]}`,
			"",
		},
		{
			"url node with foreign port",
			&types.Port{Num: 8080},
			`{"ServeNodes":["tcp://:9090/1.2.3.4:9090"]}`,
			"Port not allowed, ServeNode: tcp://:9090/1.2.3.4:9090",
		},
		{
			"display port wins when set",
			&types.Port{Num: 10001, ExternalNum: 20001},
			`{"ServeNodes":[":20001"]}`,
			"",
		},
		{
			"real port rejected when display port set",
			&types.Port{Num: 10001, ExternalNum: 20001},
			`{"ServeNodes":[":10001"]}`,
			"Port not allowed, ServeNode: :10001",
		},
		{
			"empty",
			&types.Port{Num: 8080},
			`{"ServeNodes":[]}`,
			"at least one serve node is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodGost, json.RawMessage(tt.raw), tt.port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateV2ray(t *testing.T) {
	port := &types.Port{Num: 8080}

	t.Run("valid", func(t *testing.T) {
		raw := json.RawMessage(`{
			"core": "xray",
			"inbound": {"protocol":"vmess"},
			"outbound": {"protocol":"freedom"},
			"routing": {"rules":[]},
			"reverse_proxy": "port-9",
			"tls_settings": {"domain":"ws.example.com","path":"/ws","protocol":"ws"}
		}`)

		cfg, err := Validate(types.MethodV2ray, raw, port)

		require.NoError(t, err)
		assert.Equal(t, "xray", cfg.Core)
		assert.Equal(t, "port-9", cfg.ReverseProxy)
		require.NotNil(t, cfg.TLSSettings)
		assert.Equal(t, "ws.example.com", cfg.TLSSettings.Domain)
		assert.JSONEq(t, `{"protocol":"vmess"}`, string(cfg.Inbound))
	})

	t.Run("missing inbound", func(t *testing.T) {
		_, err := Validate(types.MethodV2ray, json.RawMessage(`{"outbound":{}}`), port)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "inbound is required")
	})

	t.Run("missing outbound", func(t *testing.T) {
		_, err := Validate(types.MethodV2ray, json.RawMessage(`{"inbound":{}}`), port)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outbound is required")
	})

	t.Run("unknown core", func(t *testing.T) {
		raw := json.RawMessage(`{"core":"sing-box","inbound":{},"outbound":{}}`)
		_, err := Validate(types.MethodV2ray, raw, port)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid v2ray core: sing-box")
	})

	t.Run("non object document", func(t *testing.T) {
		raw := json.RawMessage(`{"inbound":{},"outbound":{},"routing":["rules"]}`)
		_, err := Validate(types.MethodV2ray, raw, port)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})
}

func TestValidateBrook(t *testing.T) {
	port := &types.Port{Num: 8080}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"relay without password", `{"command":"relay","remote_address":"1.2.3.4","remote_port":443}`, ""},
		{"wsserver with password", `{"command":"wsserver","password":"hunter2"}`, ""},
		{"wsserver without password", `{"command":"wsserver"}`, "Password is necessary for tunnel model"},
		{"unknown command", `{"command":"socks5","password":"hunter2"}`, "Invalid command: socks5"},
		{"bad server port", `{"command":"wsclient","password":"hunter2","server_port":99999}`, "Invalid port: 99999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodBrook, json.RawMessage(tt.raw), port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateIperf(t *testing.T) {
	port := &types.Port{Num: 8080}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"valid", `{"expire_second":3600}`, ""},
		{"full day", `{"expire_second":86400}`, ""},
		{"missing", `{}`, "expire_second is required"},
		{"zero", `{"expire_second":0}`, "Expire second must be greater than 0"},
		{"too long", `{"expire_second":86401}`, "Expire second must be less than 86400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodIperf, json.RawMessage(tt.raw), port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateHaproxy(t *testing.T) {
	port := &types.Port{Num: 8080}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"valid", `{"mode":"tcp","balance_mode":"roundrobin","backend_nodes":["10.0.0.1:80"]}`, ""},
		{"send proxy v2", `{"mode":"tcp","balance_mode":"source","send_proxy":"send-proxy-v2","backend_nodes":["10.0.0.1:80"]}`, ""},
		{"empty send proxy", `{"mode":"http","balance_mode":"leastconn","send_proxy":"","backend_nodes":["10.0.0.1:80"]}`, ""},
		{"bad send proxy", `{"mode":"tcp","balance_mode":"roundrobin","send_proxy":"proxy","backend_nodes":["10.0.0.1:80"]}`, "Invalid send proxy: proxy"},
		{"bad mode", `{"mode":"udp","balance_mode":"roundrobin","backend_nodes":["10.0.0.1:80"]}`, "Invalid mode: udp"},
		{"bad balance", `{"mode":"tcp","balance_mode":"random","backend_nodes":["10.0.0.1:80"]}`, "Invalid balance mode: random"},
		{"no backends", `{"mode":"tcp","balance_mode":"roundrobin","backend_nodes":[]}`, "at least one backend node is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodHaproxy, json.RawMessage(tt.raw), port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateWstunnel(t *testing.T) {
	port := &types.Port{Num: 8080}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"valid client", `{"forward_type":"UDP","protocol":"wss","client_type":"client","proxy_port":1194,"remote_address":"1.2.3.4","remote_port":443}`, ""},
		{"valid server", `{"forward_type":"TCP","protocol":"ws","client_type":"server","proxy_port":1194}`, ""},
		{"bad protocol", `{"forward_type":"TCP","protocol":"http","client_type":"server","proxy_port":1194}`, "Invalid protocol: http"},
		{"bad client type", `{"forward_type":"TCP","protocol":"ws","client_type":"peer","proxy_port":1194}`, "Invalid client type: peer"},
		{"bad forward type", `{"forward_type":"ALL","protocol":"ws","client_type":"server","proxy_port":1194}`, "Invalid forward type: ALL"},
		{"missing proxy port", `{"forward_type":"TCP","protocol":"ws","client_type":"server"}`, "proxy_port is required"},
		{"client missing remote", `{"forward_type":"TCP","protocol":"ws","client_type":"client","proxy_port":1194}`, "remote_address is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodWstunnel, json.RawMessage(tt.raw), port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateShadowsocks(t *testing.T) {
	port := &types.Port{Num: 8080}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"aead", `{"password":"hunter2","encryption":"AEAD_CHACHA20_POLY1305","udp":true}`, ""},
		{"legacy", `{"password":"hunter2","encryption":"rc4-md5"}`, ""},
		{"bad cipher", `{"password":"hunter2","encryption":"rot13"}`, "Invalid encryption: rot13"},
		{"missing password", `{"encryption":"chacha20"}`, "password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(types.MethodShadowsocks, json.RawMessage(tt.raw), port)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateEmptySchemas(t *testing.T) {
	port := &types.Port{Num: 8080}

	for _, method := range []types.Method{types.MethodNodeExporter, types.MethodCaddy} {
		t.Run(string(method), func(t *testing.T) {
			_, err := Validate(method, nil, port)
			assert.NoError(t, err)

			_, err = Validate(method, json.RawMessage(`{"remote_ip":"1.2.3.4"}`), port)
			assert.NoError(t, err, "core-owned fields are tolerated")

			_, err = Validate(method, json.RawMessage(`{"remote_address":"1.2.3.4"}`), port)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestValidateTinyPortMapper(t *testing.T) {
	raw := json.RawMessage(`{"type":"ALL","remote_address":"mc.example.com","remote_port":25565}`)

	cfg, err := Validate(types.MethodTinyPortMapper, raw, &types.Port{Num: 8080})

	require.NoError(t, err)
	assert.Equal(t, "ALL", cfg.Type)
	assert.Equal(t, "mc.example.com", cfg.RemoteAddress)
	assert.Equal(t, 25565, cfg.RemotePort)
}
