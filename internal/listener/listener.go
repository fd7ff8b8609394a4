// Package listener implements the listener service of spec.md §4.9: it
// accepts inbound client connections and forwards each accepted
// descriptor to the protocol service over a dedicated Unix-domain socket
// pair using out-of-band descriptor passing (SCM_RIGHTS).
package listener

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// Config bounds the accept loop's resilience behavior — ambient concerns
// the spec does not dictate (SPEC_FULL.md §4.9) but any deployed listener
// needs.
type Config struct {
	MaxInFlight int           // bounds concurrent in-flight accepts (golang.org/x/net/netutil.LimitListener)
	AcceptBurst int           // token-bucket burst for the accept loop (golang.org/x/time/rate)
	AcceptRate  rate.Limit    // steady-state accepts/sec
}

// DefaultConfig is a conservative default for a single-deployment agent.
func DefaultConfig() Config {
	return Config{MaxInFlight: 1024, AcceptBurst: 64, AcceptRate: rate.Limit(500)}
}

// Forwarder sends an accepted connection's descriptor to the protocol
// service. Implemented concretely by FDForwarder (SCM_RIGHTS over a
// net.UnixConn); a fake in tests records connections directly.
type Forwarder interface {
	Forward(conn net.Conn) error
}

// Service accepts on one or more listeners and forwards every accepted
// connection to a Forwarder.
type Service struct {
	listeners []net.Listener
	forwarder Forwarder
	limiter   *rate.Limiter
	log       *logrus.Entry
}

// New wraps raw listeners with the accept-loop resilience config and
// readies them for Run.
func New(raw []net.Listener, forwarder Forwarder, cfg Config, log *logrus.Entry) *Service {
	wrapped := make([]net.Listener, len(raw))
	for i, l := range raw {
		wrapped[i] = netutil.LimitListener(l, cfg.MaxInFlight)
	}
	return &Service{
		listeners: wrapped,
		forwarder: forwarder,
		limiter:   rate.NewLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		log:       log.WithField("service", "listener"),
	}
}

// Run accepts on every listener until ctx is canceled, forwarding each
// connection. One goroutine per listener; Run blocks until all of them
// return.
func (s *Service) Run(ctx context.Context) error {
	errs := make(chan error, len(s.listeners))
	for _, l := range s.listeners {
		l := l
		go func() {
			errs <- s.acceptLoop(ctx, l)
		}()
	}
	go func() {
		<-ctx.Done()
		for _, l := range s.listeners {
			_ = l.Close()
		}
	}()
	var first error
	for range s.listeners {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Service) acceptLoop(ctx context.Context, l net.Listener) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil // context canceled
		}
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.WithError(err).Warn("accept failed")
			return err
		}
		if err := s.forwarder.Forward(conn); err != nil {
			s.log.WithError(err).Warn("forward failed, closing connection")
			_ = conn.Close()
		}
	}
}
