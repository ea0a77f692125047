package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/log"
)

// Default DoH providers, queried in order.
var defaultDoHURLs = []string{
	"https://cloudflare-dns.com/dns-query",
	"https://dns.google/resolve",
}

const defaultTimeout = 2 * time.Second

// Config holds resolver settings
type Config struct {
	// PinnedServer is an operator-chosen DNS server (host or
	// host:port) consulted before any DoH provider. Empty disables
	// the pinned path.
	PinnedServer string

	// DoHURLs overrides the DNS-over-HTTPS providers.
	DoHURLs []string

	// Timeout bounds each individual lookup attempt.
	Timeout time.Duration
}

// Client resolves remote addresses for forwarding rules. Lookup order:
// the pinned server, DoH providers, then the OS resolver; the first
// non-empty answer wins. IP literals pass through untouched. Total
// failure returns the input name unchanged so the caller keeps
// forwarding to whatever was configured.
type Client struct {
	pinned  string
	dohURLs []string
	timeout time.Duration

	dns    *dns.Client
	httpc  *http.Client
	logger zerolog.Logger
}

// NewClient creates a new resolver client
func NewClient(cfg Config) *Client {
	pinned := cfg.PinnedServer
	if pinned != "" {
		if _, _, err := net.SplitHostPort(pinned); err != nil {
			pinned = net.JoinHostPort(pinned, "53")
		}
	}
	dohURLs := cfg.DoHURLs
	if len(dohURLs) == 0 {
		dohURLs = defaultDoHURLs
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		pinned:  pinned,
		dohURLs: dohURLs,
		timeout: timeout,
		dns:     &dns.Client{Timeout: timeout},
		httpc:   &http.Client{Timeout: timeout},
		logger:  log.WithComponent("dns"),
	}
}

// Resolve turns a host name into an address, preferring IPv4
func (c *Client) Resolve(ctx context.Context, name string) string {
	if ip := net.ParseIP(name); ip != nil {
		return name
	}

	if c.pinned != "" {
		if addr := c.queryPinned(ctx, name); addr != "" {
			return addr
		}
	}
	for _, provider := range c.dohURLs {
		if addr := c.queryDoH(ctx, provider, name); addr != "" {
			return addr
		}
	}
	if addr := c.queryOS(ctx, name); addr != "" {
		return addr
	}

	c.logger.Warn().Str("name", name).Msg("DNS resolution failed, keeping name")
	return name
}

// queryPinned asks the operator-pinned server directly. A records are
// preferred over AAAA; within a type the last answer wins, which is
// the record a CNAME chain resolves to.
func (c *Client) queryPinned(ctx context.Context, name string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var v6 string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		resp, _, err := c.dns.ExchangeContext(ctx, m, c.pinned)
		if err != nil || resp == nil {
			continue
		}
		var last string
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				last = a.A.String()
			case *dns.AAAA:
				last = a.AAAA.String()
			}
		}
		if last == "" {
			continue
		}
		if qtype == dns.TypeA {
			return last
		}
		v6 = last
	}
	return v6
}

type dohAnswer struct {
	Data string `json:"data"`
	Type int    `json:"type"`
}

type dohResponse struct {
	Answer []dohAnswer `json:"Answer"`
}

// queryDoH asks one DNS-over-HTTPS provider using the JSON API. The
// answer section is walked backwards so a CNAME chain yields the final
// address rather than an intermediate name.
func (c *Client) queryDoH(ctx context.Context, provider, name string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("name", name)
	params.Set("type", "A")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?%s", provider, params.Encode()), nil)
	if err != nil {
		return ""
	}
	req.Header.Set("accept", "application/dns-json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("provider", provider).Msg("DoH query failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var body dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	for i := len(body.Answer) - 1; i >= 0; i-- {
		if ip := net.ParseIP(body.Answer[i].Data); ip != nil {
			return body.Answer[i].Data
		}
	}
	return ""
}

// queryOS falls back to the system resolver
func (c *Client) queryOS(ctx context.Context, name string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, name)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return addrs[0].IP.String()
}
