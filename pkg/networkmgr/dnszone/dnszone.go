// Package dnszone serves the name->IP zone the network manager rebuilds
// on every RestartDNSServer call: instance canonical names plus custom
// host aliases, answered over a miekg/dns server/ServeMux.
package dnszone

import (
	"net"
	"strings"
	"sync"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/miekg/dns"
)

const defaultTTL = 10

// Record is one IP's set of resolvable names: custom host aliases plus
// the canonical name derived from the instance triple.
type Record struct {
	IP    string
	Names []string
}

// Config configures the zone server's listen address. Domain is stored
// but not applied: names are served exactly as Rebuild is given them.
type Config struct {
	ListenAddr string
	Domain     string
}

// Server answers DNS queries for the current zone, rebuilt wholesale on
// every RestartDNSServer call.
type Server struct {
	cfg Config

	mu      sync.RWMutex
	running bool
	byName  map[string][]string // fully-qualified name -> IPs
	dns     *dns.Server
}

// NewServer builds a zone server; it does not start listening until
// Start is called.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:53"
	}
	if cfg.Domain == "" {
		cfg.Domain = "aos"
	}
	return &Server{cfg: cfg, byName: make(map[string][]string)}
}

// Rebuild replaces the served zone with records, keyed by every name each
// IP resolves under (custom aliases plus canonical instance names).
func (s *Server) Rebuild(records []Record) {
	byName := make(map[string][]string)
	for _, rec := range records {
		for _, name := range rec.Names {
			fqdn := dns.Fqdn(strings.ToLower(name))
			byName[fqdn] = append(byName[fqdn], rec.IP)
		}
	}

	s.mu.Lock()
	s.byName = byName
	s.mu.Unlock()
}

// Start begins serving the current zone over UDP.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return aoserrors.New(aoserrors.KindWrongState, "dnszone: already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.dns = &dns.Server{Addr: s.cfg.ListenAddr, Net: "udp", Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.dns.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return aoserrors.Wrap(aoserrors.KindFailed, "dnszone: listen", err)
	default:
		log.Info("dnszone: serving on " + s.cfg.ListenAddr)
		return nil
	}
}

// Stop shuts the server down; Restart (Stop then Start) is how
// RestartDNSServer reloads the zone after a Rebuild.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.dns == nil {
		return nil
	}
	return aoserrors.Wrap(aoserrors.KindFailed, "dnszone: shutdown", s.dns.Shutdown())
}

// Restart rebuilds the zone from records and (re)starts the listener.
// This is the network manager's RestartDNSServer operation.
func (s *Server) Restart(records []Record) error {
	s.Rebuild(records)

	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) != 1 {
		w.WriteMsg(msg)
		return
	}
	q := r.Question[0]

	s.mu.RLock()
	ips := s.byName[strings.ToLower(q.Name)]
	s.mu.RUnlock()

	if q.Qtype != dns.TypeA || len(ips) == 0 {
		msg.Rcode = dns.RcodeNameError
		w.WriteMsg(msg)
		return
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: defaultTTL},
			A:   ip.To4(),
		})
	}

	w.WriteMsg(msg)
}
