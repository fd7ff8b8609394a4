package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"agentd/internal/attestation"
	"agentd/internal/canonization"
	"agentd/internal/certificate"
	"agentd/internal/configreader"
	"agentd/internal/dataservice"
	"agentd/internal/listener"
	"agentd/internal/notification"
	"agentd/internal/opsapi"
	"agentd/internal/protocol"
	"agentd/internal/random"
	"agentd/internal/signalthread"
	"agentd/internal/supervisor"
)

func init() {
	// Re-execed service processes inherit the parent's cgroup; automaxprocs
	// makes sure each one sizes GOMAXPROCS to its own limit rather than the
	// host's full core count.
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: maxprocs.Set: %v\n", err)
	}
}

func main() {
	root := &cobra.Command{Use: "agentd"}
	root.AddCommand(startCmd())
	root.AddCommand(internalCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(l).WithField("pid", os.Getpid())
}

func startCmd() *cobra.Command {
	var configPath, envPath, opsAddr string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the agentd supervisor and its service fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(configPath, envPath, opsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/agentd/agentd.yaml", "path to the agentd config file")
	cmd.Flags().StringVar(&envPath, "env", "", "optional .env overlay for secrets not kept in the config file")
	cmd.Flags().StringVar(&opsAddr, "ops-addr", "127.0.0.1:9090", "listen address for the ops HTTP surface")
	return cmd
}

// runSupervisor is the supervisor's (spec.md §4.10) entrypoint: it spawns
// the service fleet, starts the ops surface alongside it, blocks until a
// termination signal arrives, then runs the shutdown sequence.
func runSupervisor(configPath, envPath, opsAddr string) error {
	log := newLogger()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving self path: %w", err)
	}

	fleet := supervisor.New(self, log)
	if err := fleet.Start(configPath, envPath); err != nil {
		return fmt.Errorf("starting fleet: %w", err)
	}

	notify := notification.New()
	defer notify.Quiesce()
	reg := prometheus.NewRegistry()
	_, router := opsapi.New(fleet, opsapi.AdaptLatestBlockSource(notify), reg, log)
	opsSrv := &http.Server{Addr: opsAddr, Handler: router}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ops http surface exited")
		}
	}()

	th := signalthread.New(signalthread.DefaultGracePeriod)
	defer th.Stop()

	log.Info("agentd fleet running")
	th.Run()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = opsSrv.Shutdown(shutdownCtx)

	if err := fleet.Shutdown(); err != nil {
		return fmt.Errorf("fleet shutdown: %w", err)
	}
	return nil
}

// internalCmd groups the hidden subcommands the supervisor re-execs the
// agentd binary into for each privilege-separated child (spec.md §4.4,
// §4.10 step 6): config reading and running one named fleet service. No
// public-entity or private-key reader subcommand is registered.
func internalCmd() *cobra.Command {
	group := &cobra.Command{Use: "internal", Hidden: true}
	group.AddCommand(configReaderCmd())
	group.AddCommand(runServiceCmd())
	return group
}

func configReaderCmd() *cobra.Command {
	var configPath, envPath string
	cmd := &cobra.Command{
		Use:    "config-reader",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configreader.Load(configPath, envPath)
			if err != nil {
				return err
			}
			// fd 3 is the control socket handed down via ExtraFiles
			// (spec.md §4.4: "a control socket on fd 3").
			ctrl := os.NewFile(3, "control")
			if ctrl == nil {
				return fmt.Errorf("config-reader: control socket (fd 3) not present")
			}
			defer ctrl.Close()
			return configreader.WriteConfigStream(ctrl, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/agentd/agentd.yaml", "path to the agentd config file")
	cmd.Flags().StringVar(&envPath, "env", "", "optional .env overlay")
	return cmd
}

// runServiceCmd is the re-exec target for one fleet service (spec.md
// §4.10 step 6's "fork-and-exec each service"). The supervisor hands
// the service its control socket at fd 3, used to deliver configuration,
// and its inter-service links from fd 4 on, named by role in AGENTD_LINKS.
func runServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run-service [name]",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := supervisor.ServiceName(args[0])
			log := newLogger().WithField("service", name)

			ctrl := os.NewFile(3, "control")
			if ctrl == nil {
				return fmt.Errorf("run-service %s: control socket (fd 3) not present", name)
			}
			defer ctrl.Close()

			cfg, err := configreader.ReadConfigStream(ctrl)
			if err != nil {
				return fmt.Errorf("run-service %s: reading config stream: %w", name, err)
			}
			log.WithField("listen", cfg.ListenAddress).Info("service configured, entering run loop")

			links, err := supervisor.ParseLinks(os.Getenv(supervisor.LinksEnvVar))
			if err != nil {
				return fmt.Errorf("run-service %s: parsing links: %w", name, err)
			}

			return runService(cmd.Context(), name, cfg, ctrl, links, log)
		},
	}
}

// linkConn opens the one link of the given role handed down via
// AGENTD_LINKS (internal/supervisor/links.go), dup'ing it into a net.Conn
// and releasing the raw descriptor once the dup succeeds.
func linkConn(links []supervisor.ParsedLink, role string) (net.Conn, error) {
	for _, l := range links {
		if l.Role != role {
			continue
		}
		f := os.NewFile(uintptr(l.FD), role)
		defer f.Close()
		conn, err := net.FileConn(f)
		if err != nil {
			return nil, fmt.Errorf("run-service: FileConn for %s: %w", role, err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("run-service: no %q link in AGENTD_LINKS", role)
}

func loadKeyBytes(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("run-service: no key file configured")
	}
	return os.ReadFile(path)
}

// runService constructs and runs the one real service named, wiring it to
// its remapped descriptors (spec.md §6.5) — the per-service binding
// between a spawned child and its package-level Service type.
func runService(ctx context.Context, name supervisor.ServiceName, cfg *configreader.AgentConfig, ctrl net.Conn, links []supervisor.ParsedLink, log *logrus.Entry) error {
	switch name {
	case supervisor.ServiceRandom:
		return serveRandom(ctx, links, log)

	case supervisor.ServiceDataAuth, supervisor.ServiceDataCanon, supervisor.ServiceDataAttest:
		return serveData(ctx, links, log)

	case supervisor.ServiceNotification:
		return serveNotification(ctx, links, log)

	case supervisor.ServiceAttestation:
		return serveAttestation(ctx, cfg, links, log)

	case supervisor.ServiceCanonization:
		return serveCanonization(ctx, cfg, links, log)

	case supervisor.ServiceListener:
		return serveListener(ctx, cfg, links, log)

	case supervisor.ServiceProtocol:
		return serveProtocol(ctx, links, log)

	case supervisor.ServiceAuth:
		// No handoff slots are defined for the client-facing auth/transport
		// handshake (spec.md §1, §6.4 non-goal); it has nothing to serve.
		<-ctx.Done()
		return nil

	default:
		return fmt.Errorf("run-service: unknown service %q", name)
	}
}

// serveRandom runs the random-device proxy, answering every consumer link
// that was wired to it (protocol and canonization, per serviceLinks).
func serveRandom(ctx context.Context, links []supervisor.ParsedLink, log *logrus.Entry) error {
	srv := random.NewServer(log, rand.Reader)
	var conns []net.Conn
	// The random service has two consumers (protocol, canonization)
	// sharing the "random-out" role name, so each is opened directly off
	// its ParsedLink rather than through the single-match linkConn helper.
	for _, l := range links {
		if l.Role != "random-out" {
			continue
		}
		f := os.NewFile(uintptr(l.FD), l.Peer)
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("serveRandom: FileConn for %s: %w", l.Peer, err)
		}
		conns = append(conns, conn)
	}

	errs := make(chan error, len(conns))
	for _, c := range conns {
		c := c
		go func() { errs <- srv.Serve(c) }()
	}
	go func() {
		<-ctx.Done()
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	var first error
	for range conns {
		if err := <-errs; err != nil && first == nil && ctx.Err() == nil {
			first = err
		}
	}
	return first
}

// serveData runs one data-service instance, answering the single
// consumer link it was spawned to serve (ServiceDataAuth/DataCanon/
// DataAttest each get their own process and their own "data-out" link).
func serveData(ctx context.Context, links []supervisor.ParsedLink, log *logrus.Entry) error {
	conn, err := linkConn(links, "data-out")
	if err != nil {
		return err
	}
	svc := dataservice.New(dataServiceCacheSize)
	srv := dataservice.NewServer(svc, log)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	err = srv.Serve(conn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// dataServiceCacheSize sizes the per-process golang-lru cache layered in
// front of the data service's btree-backed stores (internal/dataservice).
const dataServiceCacheSize = 4096

// serveNotification runs the notification service, serving its fixed
// canonization-client link on a dedicated goroutine and its multiplexed
// protocol-client link on another.
func serveNotification(ctx context.Context, links []supervisor.ParsedLink, log *logrus.Entry) error {
	svc := notification.New()
	srv := notification.NewServer(svc, log)

	var conns []net.Conn
	errs := make(chan error, 2)
	started := 0
	for _, l := range links {
		if l.Role != "notify-out" {
			continue
		}
		f := os.NewFile(uintptr(l.FD), l.Peer)
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("serveNotification: FileConn for %s: %w", l.Peer, err)
		}
		conns = append(conns, conn)
		started++
		switch l.Peer {
		case string(supervisor.ServiceCanonization):
			go func(c net.Conn) { errs <- srv.ServeSingle(notification.ClientCanonization, c) }(conn)
		default:
			go func(c net.Conn) { errs <- srv.ServeMux(c) }(conn)
		}
	}

	go func() {
		<-ctx.Done()
		svc.Quiesce()
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	var first error
	for i := 0; i < started; i++ {
		if err := <-errs; err != nil && first == nil && ctx.Err() == nil {
			first = err
		}
	}
	return first
}

// serveAttestation runs the attestation service's sleep-tick verification
// loop against its data-service link.
func serveAttestation(ctx context.Context, cfg *configreader.AgentConfig, links []supervisor.ParsedLink, log *logrus.Entry) error {
	conn, err := linkConn(links, "data-out")
	if err != nil {
		return err
	}
	data := dataservice.NewClient(conn)

	// Verify only consults the pubKey argument each call receives, not the
	// signer's own key, so any Secp256k1Signer instance works here; its
	// key material comes from the endorser key file since attestation
	// never signs anything itself.
	key, err := loadKeyBytes(cfg.EndorserKeyFile)
	if err != nil {
		return fmt.Errorf("serveAttestation: %w", err)
	}
	parser := certificate.TLVParser{Signer: certificate.NewSecp256k1Signer(key)}

	svc := attestation.New(data, parser, clock.New(), log)
	return svc.Run(ctx)
}

// serveCanonization runs the canonization service's block-assembly loop
// against its data, notification, and random-service links.
func serveCanonization(ctx context.Context, cfg *configreader.AgentConfig, links []supervisor.ParsedLink, log *logrus.Entry) error {
	dataConn, err := linkConn(links, "data-out")
	if err != nil {
		return err
	}
	data := dataservice.NewClient(dataConn)

	notifyConn, err := linkConn(links, "notify-out")
	if err != nil {
		return err
	}
	notify := notification.NewControlClient(notifyConn)

	randConn, err := linkConn(links, "random-out")
	if err != nil {
		return err
	}
	rnd := random.NewIPCClient(randConn)

	key, err := loadKeyBytes(cfg.PrivateKeyFile)
	if err != nil {
		return fmt.Errorf("serveCanonization: %w", err)
	}
	signer := certificate.NewSecp256k1Signer(key)

	svcCfg := canonization.Config{
		BlockMaxMilliseconds: cfg.BlockMaxMilliseconds,
		BlockMaxTransactions: cfg.BlockMaxTransactions,
	}
	svc := canonization.New(data, notify, notification.ClientCanonization, rnd, signer, clock.New(), log, svcCfg)
	return svc.Run(ctx)
}

// serveListener runs the listener service's accept loop, forwarding every
// accepted connection to the protocol service over its accept-forward
// link.
func serveListener(ctx context.Context, cfg *configreader.AgentConfig, links []supervisor.ParsedLink, log *logrus.Entry) error {
	forwardConn, err := linkConn(links, "accept-forward")
	if err != nil {
		return err
	}
	unixConn, ok := forwardConn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("serveListener: accept-forward link is not a unix socket (%T)", forwardConn)
	}
	forwarder := listener.NewFDForwarder(unixConn)

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("serveListener: listen %s: %w", addr, err)
	}

	svc := listener.New([]net.Listener{raw}, forwarder, listener.DefaultConfig(), log)
	return svc.Run(ctx)
}

// serveProtocol runs the protocol service: it receives forwarded client
// connections from the listener service and serves each against the
// data and notification services.
func serveProtocol(ctx context.Context, links []supervisor.ParsedLink, log *logrus.Entry) error {
	dataConn, err := linkConn(links, "data-out")
	if err != nil {
		return err
	}
	data := dataservice.NewClient(dataConn)

	notifyConn, err := linkConn(links, "notify-out")
	if err != nil {
		return err
	}
	notify := notification.NewMuxClient(notifyConn, log)

	// Wired per spec.md §6.5's descriptor table but not yet consumed by
	// protocol.Service itself (nothing in the protocol service currently
	// needs fresh randomness); held open so the link exists end to end.
	randConn, err := linkConn(links, "random-out")
	if err != nil {
		return err
	}
	_ = random.NewIPCClient(randConn)

	acceptConn, err := linkConn(links, "accept-forward")
	if err != nil {
		return err
	}
	acceptUnix, ok := acceptConn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("serveProtocol: accept-forward link is not a unix socket (%T)", acceptConn)
	}

	svc := protocol.New(protocol.PassThroughAuthenticator{}, data, notify, log)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn, err := listener.ReceiveFD(acceptUnix)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serveProtocol: ReceiveFD: %w", err)
		}
		go func() {
			sess, err := svc.Accept(ctx, conn)
			if err != nil {
				log.WithError(err).Warn("client rejected")
				return
			}
			defer svc.Close(sess)
			if err := svc.Serve(ctx, sess); err != nil {
				log.WithError(err).Debug("client session ended")
			}
		}()
	}
}
