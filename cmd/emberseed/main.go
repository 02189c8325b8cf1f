package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"embercoin/observability/logging"
)

// maxSeedAnswers caps how many records one query returns so responses
// stay well inside a single UDP datagram.
const maxSeedAnswers = 25

func main() {
	var (
		peersPath  = flag.String("peers", "seeds.txt", "Path to the good-address export, one host:port per line")
		zone       = flag.String("zone", "seed.ember.example", "DNS name this seeder is authoritative for")
		listenAddr = flag.String("listen", "127.0.0.1:8053", "Address to listen on (ip:port)")
		ttlSeconds = flag.Int("ttl", 300, "Record TTL in seconds")
		refresh    = flag.Duration("refresh", 5*time.Minute, "How often to reload the peers file")
	)
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("EMBER_ENV"))
	logger := logging.Setup("emberseed", env)

	fqdn := dns.Fqdn(strings.TrimSpace(*zone))
	if fqdn == "." {
		logger.Error("Seed zone name is empty")
		os.Exit(1)
	}

	set := &seedSet{}
	v4, v6, err := loadSeedFile(*peersPath)
	if err != nil {
		logger.Error("Failed to load peers file", slog.Any("error", err))
		os.Exit(1)
	}
	set.replace(v4, v6)
	logger.Info("Seed set loaded",
		slog.String("path", *peersPath),
		slog.Int("ipv4", len(v4)),
		slog.Int("ipv6", len(v6)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reloadLoop(ctx, logger, set, *peersPath, *refresh)

	handler := seedHandler(logger, set, fqdn, uint32(*ttlSeconds))
	dns.HandleFunc(".", handler)

	server := &dns.Server{Addr: *listenAddr, Net: "udp"}
	go func() {
		logger.Info("Seed DNS server listening",
			slog.String("address", *listenAddr),
			slog.String("zone", fqdn))
		if err := server.ListenAndServe(); err != nil {
			logger.Error("DNS server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	tcpServer := &dns.Server{Addr: *listenAddr, Net: "tcp"}
	go func() {
		if err := tcpServer.ListenAndServe(); err != nil {
			logger.Error("DNS TCP server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = server.ShutdownContext(shutdownCtx)
	_ = tcpServer.ShutdownContext(shutdownCtx)
	logger.Info("Seed DNS server shut down")
}

func seedHandler(logger *slog.Logger, set *seedSet, fqdn string, ttl uint32) dns.HandlerFunc {
	zone := strings.ToLower(fqdn)
	return func(w dns.ResponseWriter, r *dns.Msg) {
		msg := &dns.Msg{}
		msg.SetReply(r)
		msg.Authoritative = true

		if len(r.Question) == 0 {
			_ = w.WriteMsg(msg)
			return
		}

		question := r.Question[0]
		name := strings.ToLower(question.Name)
		switch question.Qtype {
		case dns.TypeA, dns.TypeAAAA:
			if name != zone {
				msg.Rcode = dns.RcodeNameError
				break
			}
			for _, ip := range set.answers(question.Qtype, maxSeedAnswers) {
				msg.Answer = append(msg.Answer, seedRecord(fqdn, question.Qtype, ttl, ip))
			}
		default:
			msg.Rcode = dns.RcodeNotImplemented
		}

		if err := w.WriteMsg(msg); err != nil {
			logger.Warn("Failed to write DNS response", slog.Any("error", err))
		}
	}
}

func seedRecord(fqdn string, qtype uint16, ttl uint32, ip net.IP) dns.RR {
	hdr := dns.RR_Header{Name: fqdn, Rrtype: qtype, Class: dns.ClassINET, Ttl: ttl}
	if qtype == dns.TypeAAAA {
		return &dns.AAAA{Hdr: hdr, AAAA: ip}
	}
	return &dns.A{Hdr: hdr, A: ip}
}

func reloadLoop(ctx context.Context, logger *slog.Logger, set *seedSet, path string, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v4, v6, err := loadSeedFile(path)
			if err != nil {
				logger.Warn("Seed reload failed, keeping previous set", slog.Any("error", err))
				continue
			}
			set.replace(v4, v6)
			logger.Info("Seed set reloaded", slog.Int("ipv4", len(v4)), slog.Int("ipv6", len(v6)))
		}
	}
}

// seedSet holds the current answer pool. Reloads swap the slices
// wholesale so readers never see a partial update.
type seedSet struct {
	mu sync.RWMutex
	v4 []net.IP
	v6 []net.IP
}

func (s *seedSet) replace(v4, v6 []net.IP) {
	s.mu.Lock()
	s.v4, s.v6 = v4, v6
	s.mu.Unlock()
}

// answers returns up to limit addresses for the record type, shuffled
// so repeated queries spread load across the pool.
func (s *seedSet) answers(qtype uint16, limit int) []net.IP {
	s.mu.RLock()
	pool := s.v4
	if qtype == dns.TypeAAAA {
		pool = s.v6
	}
	picked := make([]net.IP, len(pool))
	copy(picked, pool)
	s.mu.RUnlock()

	rand.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	return picked
}

// loadSeedFile parses a good-address export. Each line holds one
// host:port or bare IP; blank lines and # comments are skipped.
// Hostnames are rejected since a seeder must answer with literals.
func loadSeedFile(path string) (v4, v6 []net.IP, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		host := text
		if h, _, splitErr := net.SplitHostPort(text); splitErr == nil {
			host = h
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, nil, fmt.Errorf("line %d: %q is not an IP literal", line, text)
		}
		if _, dup := seen[ip.String()]; dup {
			continue
		}
		seen[ip.String()] = struct{}{}
		if ip4 := ip.To4(); ip4 != nil {
			v4 = append(v4, ip4)
		} else {
			v6 = append(v6, ip)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return v4, v6, nil
}
