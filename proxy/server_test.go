package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsfwd/dnsfwd/config"
)

// newTestServer starts a server on an ephemeral loopback port. The rewrite
// map redirects upstream dials ("host:53") to fake upstream addresses.
func newTestServer(t *testing.T, upstreams []config.Server, rewrite map[string]string) (*Server, string) {
	t.Helper()
	s := NewServer(upstreams)
	s.timeout = 500 * time.Millisecond
	s.client.timeout = 500 * time.Millisecond
	s.client.dialUDP = func(addr string) (net.Conn, error) {
		target, ok := rewrite[addr]
		if !ok {
			return nil, fmt.Errorf("unexpected upstream dial to %s", addr)
		}
		return net.Dial("udp", target)
	}
	s.client.dialTLS = func(string, *tls.Config) (net.Conn, error) {
		return nil, errors.New("no DoT upstream in this test")
	}
	require.NoError(t, s.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, s.Addrs()[0].String()
}

func exchange(t *testing.T, addr string, m *dns.Msg) *dns.Msg {
	t.Helper()
	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	r, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	return r
}

func question(name string, qtype uint16, id uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = id
	return m
}

func TestFirstUsefulAnswerWins(t *testing.T) {
	answering := newFakeUpstream(t, answerA("42.42.42.42"))
	useless := newFakeUpstream(t, emptyNoError)
	s, addr := newTestServer(t,
		[]config.Server{
			{Address: "192.0.2.1", Description: "answers"},
			{Address: "192.0.2.2", Description: "useless"},
		},
		map[string]string{
			"192.0.2.1:53": answering.addr,
			"192.0.2.2:53": useless.addr,
		})

	r := exchange(t, addr, question("example.com.", dns.TypeA, 0x1234))
	assert.Equal(t, uint16(0x1234), r.Id)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "42.42.42.42", r.Answer[0].(*dns.A).A.String())
	assert.Equal(t, 1, s.cache.len())
}

func TestRepeatQueriesServedFromCache(t *testing.T) {
	upstream := newFakeUpstream(t, answerA("42.42.42.42"))
	_, addr := newTestServer(t,
		[]config.Server{{Address: "192.0.2.1"}},
		map[string]string{"192.0.2.1:53": upstream.addr})

	first := exchange(t, addr, question("example.com.", dns.TypeA, 0x1234))
	seen := upstream.queries.Load()

	second := exchange(t, addr, question("example.com.", dns.TypeA, 0xBEEF))
	assert.Equal(t, uint16(0xBEEF), second.Id)
	assert.Equal(t, first.Answer[0].String(), second.Answer[0].String())
	assert.Equal(t, seen, upstream.queries.Load())

	// A burst of identical queries generates no upstream traffic either.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			r := exchange(t, addr, question("example.com.", dns.TypeA, id))
			assert.Equal(t, id, r.Id)
			assert.Len(t, r.Answer, 1)
		}(uint16(i + 1))
	}
	wg.Wait()
	assert.Equal(t, seen, upstream.queries.Load())
}

func TestClusterLocalShortCircuit(t *testing.T) {
	upstream := newFakeUpstream(t, answerA("42.42.42.42"))
	_, addr := newTestServer(t,
		[]config.Server{{Address: "192.0.2.1"}},
		map[string]string{"192.0.2.1:53": upstream.addr})

	r := exchange(t, addr, question("svc.cluster.local.", dns.TypeAAAA, 0x0001))
	assert.Equal(t, uint16(0x0001), r.Id)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Empty(t, r.Answer)
	require.Len(t, r.Question, 1)
	assert.Equal(t, "svc.cluster.local.", r.Question[0].Name)
	assert.EqualValues(t, 0, upstream.queries.Load())
}

func TestClusterLocalAQueriesAreForwarded(t *testing.T) {
	upstream := newFakeUpstream(t, answerA("10.1.2.3"))
	_, addr := newTestServer(t,
		[]config.Server{{Address: "192.0.2.1"}},
		map[string]string{"192.0.2.1:53": upstream.addr})

	r := exchange(t, addr, question("svc.cluster.local.", dns.TypeA, 0x0001))
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "10.1.2.3", r.Answer[0].(*dns.A).A.String())
	assert.EqualValues(t, 1, upstream.queries.Load())
}

func TestClusterLocalMustBeTheSuffix(t *testing.T) {
	upstream := newFakeUpstream(t, answerA("42.42.42.42"))
	_, addr := newTestServer(t,
		[]config.Server{{Address: "192.0.2.1"}},
		map[string]string{"192.0.2.1:53": upstream.addr})

	exchange(t, addr, question("something.cluster.local.foo.", dns.TypeAAAA, 0x0001))
	assert.EqualValues(t, 1, upstream.queries.Load())
}

func TestNXDomainWhenNoUpstreamAnswers(t *testing.T) {
	empty := newFakeUpstream(t, emptyNoError)
	failing := newFakeUpstream(t, servfail)
	s, addr := newTestServer(t,
		[]config.Server{{Address: "192.0.2.1"}, {Address: "192.0.2.2"}},
		map[string]string{
			"192.0.2.1:53": empty.addr,
			"192.0.2.2:53": failing.addr,
		})

	r := exchange(t, addr, question("nonexistent.tld.", dns.TypeA, 0x0002))
	assert.Equal(t, uint16(0x0002), r.Id)
	assert.Equal(t, dns.RcodeNameError, r.Rcode)
	assert.Equal(t, 0, s.cache.len())
}

func TestNXDomainAfterFanOutTimeout(t *testing.T) {
	hanging := newFakeUpstream(t, swallow)
	s, addr := newTestServer(t,
		[]config.Server{{Address: "192.0.2.1"}},
		map[string]string{"192.0.2.1:53": hanging.addr})

	start := time.Now()
	r := exchange(t, addr, question("example.com.", dns.TypeA, 0x0003))
	elapsed := time.Since(start)

	assert.Equal(t, uint16(0x0003), r.Id)
	assert.Equal(t, dns.RcodeNameError, r.Rcode)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 1500*time.Millisecond)
	assert.Equal(t, 0, s.cache.len())
}

func TestMalformedQueriesAreDropped(t *testing.T) {
	upstream := newFakeUpstream(t, answerA("42.42.42.42"))
	_, addr := newTestServer(t,
		[]config.Server{{Address: "192.0.2.1"}},
		map[string]string{"192.0.2.1:53": upstream.addr})

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, maxUDPSize)
	_, err = conn.Read(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.EqualValues(t, 0, upstream.queries.Load())
}

func TestGracefulShutdown(t *testing.T) {
	s := NewServer([]config.Server{{Address: "192.0.2.1"}})
	require.NoError(t, s.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListenAllOrNothing(t *testing.T) {
	taken := NewServer(nil)
	require.NoError(t, taken.Listen("127.0.0.1:0"))
	defer func() {
		for _, c := range taken.conns {
			_ = c.Close()
		}
	}()

	s := NewServer(nil)
	require.Error(t, s.Listen("127.0.0.1:0", taken.Addrs()[0].String()))
	assert.Empty(t, s.Addrs())
}

func TestRewriteIDRoundTrip(t *testing.T) {
	req := packQuery(t, "example.com.", dns.TypeA, 0x1111)
	resp := packAnswer(t, req, "42.42.42.42")

	rewritten := rewriteID(resp, 0x2222)
	require.NotNil(t, rewritten)
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(rewritten))
	assert.Equal(t, uint16(0x2222), m.Id)

	back := rewriteID(rewritten, 0x1111)
	assert.Equal(t, resp, back)

	assert.Nil(t, rewriteID([]byte{0xba, 0xad}, 1))
}
