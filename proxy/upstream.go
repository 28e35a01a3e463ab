package proxy

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"

	"github.com/dnsfwd/dnsfwd/config"
)

const (
	portDNS = "53"
	portDoT = "853"

	// Inbound and upstream UDP datagrams are capped at this size. Larger
	// responses are truncated by the kernel and fail to parse.
	maxUDPSize = 1024
)

// client issues a single DNS query to a single upstream, over plain UDP or
// DNS-over-TLS. All expected non-answers (timeouts, transport errors, empty
// or error responses) come back as nil rather than an error.
type client struct {
	timeout    time.Duration
	tlsConfigs *tlsConfigCache

	// Dial seams, overridable in tests.
	dialUDP func(addr string) (net.Conn, error)
	dialTLS func(addr string, cfg *tls.Config) (net.Conn, error)
}

func newClient(timeout time.Duration) *client {
	return &client{
		timeout:    timeout,
		tlsConfigs: newTLSConfigCache(),
		dialUDP: func(addr string) (net.Conn, error) {
			return net.Dial("udp", addr)
		},
		dialTLS: func(addr string, cfg *tls.Config) (net.Conn, error) {
			return tls.Dial("tcp", addr, cfg)
		},
	}
}

// query returns the upstream's response if it is a useful answer, nil
// otherwise. DoT upstreams that fail, or answer with nothing useful, get one
// retry over cleartext UDP to the same host; the retry's verdict is final.
func (c *client) query(u config.Server, query []byte) []byte {
	if u.UseTLS {
		if resp := c.queryTLS(u.Address, query); resp != nil {
			return resp
		}
		log.Debugf("DoT upstream %s yielded nothing, retrying over UDP", u.Address)
	}
	return c.queryUDP(u.Address, query)
}

func (c *client) queryUDP(host string, query []byte) []byte {
	conn, err := c.dialUDP(net.JoinHostPort(host, portDNS))
	if err != nil {
		log.Debugf("UDP dial to %s failed: %v", host, err)
		return nil
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write(query); err != nil {
		log.Debugf("UDP send to %s failed: %v", host, err)
		return nil
	}
	buf := make([]byte, maxUDPSize)
	n, err := conn.Read(buf)
	if err != nil {
		log.Debugf("UDP receive from %s failed: %v", host, err)
		return nil
	}
	return usefulAnswer(buf[:n])
}

func (c *client) queryTLS(host string, query []byte) []byte {
	conn, err := c.dialTLS(net.JoinHostPort(host, portDoT), c.tlsConfigs.get(host))
	if err != nil {
		log.Debugf("DoT dial to %s failed: %v", host, err)
		return nil
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	// dns.Conn handles the two-byte length framing on stream transports.
	co := &dns.Conn{Conn: conn}
	if _, err := co.Write(query); err != nil {
		log.Debugf("DoT send to %s failed: %v", host, err)
		return nil
	}
	buf := make([]byte, dns.MaxMsgSize)
	n, err := co.Read(buf)
	if err != nil {
		log.Debugf("DoT receive from %s failed: %v", host, err)
		return nil
	}
	return usefulAnswer(buf[:n])
}

// usefulAnswer returns the raw response if it parses, carries NoError and
// has at least one Answer record. Anything else is nil.
func usefulAnswer(response []byte) []byte {
	m := new(dns.Msg)
	if err := m.Unpack(response); err != nil {
		return nil
	}
	if m.Rcode != dns.RcodeSuccess || len(m.Answer) == 0 {
		return nil
	}
	return response
}

// tlsConfigCache amortizes TLS client configuration across queries. Entries
// live for the process lifetime; the lock is only taken on lookup.
type tlsConfigCache struct {
	mu      sync.Mutex
	configs map[string]*tls.Config
}

func newTLSConfigCache() *tlsConfigCache {
	return &tlsConfigCache{configs: make(map[string]*tls.Config)}
}

func (t *tlsConfigCache) get(host string) *tls.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg, ok := t.configs[host]; ok {
		return cfg
	}
	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
	t.configs[host] = cfg
	return cfg
}
