// Package proxy implements a caching DNS forwarder. Queries received over
// UDP are fanned out in parallel to every configured upstream, over plain
// UDP or DNS-over-TLS, and the first useful answer wins. Positive answers
// are kept in a TTL-bounded cache shared by all requests.
package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dnsfwd/dnsfwd/config"
)

const (
	// Per-upstream query deadline, also bounds the whole fan-out.
	dnsTimeout = 3 * time.Second
	// TTL assigned to every positive cache insert.
	cacheTTL = 300 * time.Second
	// Suffix whose non-A queries are answered locally instead of being
	// leaked to public resolvers.
	kubernetesDomain = "cluster.local."
	// Period of the cache sweeper.
	cleanupInterval = 60 * time.Second
	// Hard ceiling on waiting for in-flight handlers at shutdown.
	shutdownGrace = 5 * time.Second
)

// Server owns the listening sockets, the response cache and the upstream
// client. The upstream list is immutable after construction and shared
// read-only by every handler goroutine.
type Server struct {
	upstreams []config.Server
	timeout   time.Duration
	cache     *cache
	client    *client

	conns []*net.UDPConn
	wg    sync.WaitGroup
}

// NewServer constructs a server for the given upstreams but does not bind
// any sockets; use Listen followed by Serve.
func NewServer(upstreams []config.Server) *Server {
	return &Server{
		upstreams: upstreams,
		timeout:   dnsTimeout,
		cache:     newCache(),
		client:    newClient(dnsTimeout),
	}
}

// Listen binds one UDP socket per address. Either every bind succeeds or
// none stays open.
func (s *Server) Listen(addrs ...string) error {
	for _, a := range addrs {
		laddr, err := net.ResolveUDPAddr("udp", a)
		if err == nil {
			var conn *net.UDPConn
			if conn, err = net.ListenUDP("udp", laddr); err == nil {
				s.conns = append(s.conns, conn)
				continue
			}
		}
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.conns = nil
		return err
	}
	return nil
}

// Addrs returns the local addresses of the bound sockets.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.conns))
	for _, c := range s.conns {
		addrs = append(addrs, c.LocalAddr())
	}
	return addrs
}

// Serve runs the read loops and the cache sweeper until ctx is canceled,
// then stops accepting datagrams and waits for in-flight handlers, but no
// longer than the shutdown grace period.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	go func() {
		<-ctx.Done()
		for _, c := range s.conns {
			_ = c.Close()
		}
	}()

	g.Go(func() error {
		s.sweeper(ctx)
		return nil
	})
	for _, conn := range s.conns {
		conn := conn
		log.Infof("listening on %v", conn.LocalAddr())
		g.Go(func() error {
			return s.readLoop(ctx, conn)
		})
	}

	err := g.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn("shutdown grace period elapsed with handlers still in flight")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop receives datagrams and spawns one handler goroutine per request.
// Receive errors are transient unless the server is shutting down.
func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxUDPSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			log.Warnf("receive error on %v: %v", conn.LocalAddr(), err)
			continue
		}
		request := make([]byte, n)
		copy(request, buf[:n])

		s.wg.Add(1)
		go func(request []byte, peer *net.UDPAddr) {
			defer s.wg.Done()
			s.handle(conn, request, peer)
		}(request, peer)
	}
}

// handle runs the request pipeline for one datagram: parse, short-circuit,
// cache, fan-out, reply. It never propagates an error to the read loop and
// sends at most one reply.
func (s *Server) handle(conn *net.UDPConn, request []byte, peer *net.UDPAddr) {
	start := time.Now()

	q := new(dns.Msg)
	if err := q.Unpack(request); err != nil {
		log.Debugf("dropping unparseable query from %v: %v", peer, err)
		return
	}

	if m := shortCircuit(q); m != nil {
		out, err := m.Pack()
		if err != nil {
			return
		}
		s.send(conn, out, peer)
		log.Debugf("answered %s locally for %v in %v", questionString(q), peer, time.Since(start))
		return
	}

	if resp := s.cache.get(request); resp != nil {
		s.send(conn, resp, peer)
		log.Debugf("answered %s from cache for %v in %v", questionString(q), peer, time.Since(start))
		return
	}

	encoded, err := q.Pack()
	if err != nil {
		log.Debugf("re-encoding query from %v failed: %v", peer, err)
		return
	}

	if raw := s.resolve(encoded); raw != nil {
		if out := rewriteID(raw, q.Id); out != nil {
			s.cache.set(request, out, cacheTTL)
			s.send(conn, out, peer)
			log.Debugf("answered %s upstream for %v in %v", questionString(q), peer, time.Since(start))
			return
		}
	}

	// Nothing useful from any upstream within the deadline.
	nx := new(dns.Msg)
	nx.SetRcode(q, dns.RcodeNameError)
	out, err := nx.Pack()
	if err != nil {
		return
	}
	s.send(conn, out, peer)
	log.Debugf("answered %s with NXDOMAIN for %v in %v", questionString(q), peer, time.Since(start))
}

// resolve fans the encoded query out to every upstream and returns the first
// useful answer, or nil once all upstreams reported nothing useful or the
// deadline elapsed. Stragglers finish on their own; their sends land in the
// buffered channel and are discarded.
func (s *Server) resolve(encoded []byte) []byte {
	type result struct {
		upstream config.Server
		response []byte
	}
	results := make(chan result, len(s.upstreams))
	for _, u := range s.upstreams {
		u := u
		go func() {
			results <- result{u, s.client.query(u, encoded)}
		}()
	}

	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	for i := 0; i < len(s.upstreams); i++ {
		select {
		case r := <-results:
			if r.response != nil {
				log.Debugf("first useful answer from %s", r.upstream.Address)
				return r.response
			}
		case <-deadline.C:
			return nil
		}
	}
	return nil
}

// shortCircuit synthesizes an empty NoError reply for non-A queries under
// the cluster-local suffix, keeping internal names away from public
// resolvers. A lookups fall through so the in-cluster resolver can answer
// them. Returns nil when the query should be forwarded.
func shortCircuit(q *dns.Msg) *dns.Msg {
	for _, question := range q.Question {
		if question.Qtype == dns.TypeA {
			continue
		}
		name := strings.ToLower(question.Name)
		// The double-dot form is matched as well to absorb historical
		// callers.
		if strings.HasSuffix(name, kubernetesDomain) || strings.HasSuffix(name, kubernetesDomain+".") {
			m := new(dns.Msg)
			m.SetReply(q)
			return m
		}
	}
	return nil
}

// rewriteID returns the response re-serialized with the given transaction
// ID, or nil if the bytes do not survive the round trip.
func rewriteID(response []byte, id uint16) []byte {
	m := new(dns.Msg)
	if err := m.Unpack(response); err != nil {
		return nil
	}
	m.Id = id
	out, err := m.Pack()
	if err != nil {
		return nil
	}
	return out
}

func (s *Server) send(conn *net.UDPConn, response []byte, peer *net.UDPAddr) {
	if _, err := conn.WriteToUDP(response, peer); err != nil {
		log.Warnf("send to %v failed: %v", peer, err)
	}
}

// sweeper drops expired cache entries every cleanup interval.
func (s *Server) sweeper(ctx context.Context) {
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := s.cache.cleanup()
			log.Debugf("cache sweep: removed %d, holding %d, %d hits / %d misses",
				removed, s.cache.len(), s.cache.hits.Load(), s.cache.misses.Load())
		}
	}
}

func questionString(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return "<no question>"
	}
	question := q.Question[0]
	return dns.Type(question.Qtype).String() + " " + question.Name
}
