package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"agentd/internal/agentderr"
	"agentd/internal/configreader"
	"agentd/pkg/utils"
)

// QuiesceDrain is how long the supervisor sleeps before stopping leaf
// services, to let in-flight work finish (spec.md §4.10 shutdown
// sequence step 1).
const QuiesceDrain = 5 * time.Second

// RootDrain is the sleep between the leaf-service stop phase and the
// data/random-service stop phase.
const RootDrain = 2 * time.Second

// Fleet is the running process table: one process per configured
// service, tracked through its ServiceState.
type Fleet struct {
	mu       sync.Mutex
	cfg      *configreader.AgentConfig
	self     string
	log      *logrus.Entry
	procs    map[ServiceName]*process
	restarts map[ServiceName]*agentderr.RestartBudget
	links    *linkTable
}

type process struct {
	name    ServiceName
	cmd     *exec.Cmd
	control *os.File // supervisor's end of the control socket
	state   ServiceState
}

// New builds an empty Fleet. self is the path to the agentd binary used
// to re-exec each service (spec.md §4.10 step 6).
func New(self string, log *logrus.Entry) *Fleet {
	return &Fleet{
		self:     self,
		log:      log.WithField("service", "supervisor"),
		procs:    make(map[ServiceName]*process),
		restarts: make(map[ServiceName]*agentderr.RestartBudget),
	}
}

// Start runs the startup sequence of spec.md §4.10 steps 2-8: load the
// config, create the inter-service links, then spawn, configure and start
// every service in StartupOrder. Only the configuration stream is written
// to each control socket: no entity list or private key is read, no key
// material or start command is sent, and no reply is read back. Any
// failure aborts and tears down every already-created service in reverse
// order.
func (f *Fleet) Start(configPath, envPath string) (err error) {
	started := make([]ServiceName, 0, len(StartupOrder))
	defer func() {
		if err != nil {
			f.teardown(started)
		}
	}()

	cfg, err := configreader.Load(configPath, envPath)
	if err != nil {
		return utils.Wrap(err, "supervisor: loading config")
	}
	f.cfg = cfg

	links, err := newLinkTable()
	if err != nil {
		return utils.Wrap(err, "supervisor: establishing inter-service links")
	}
	f.links = links
	defer func() {
		spawned := make(map[ServiceName]bool, len(started))
		for _, n := range started {
			spawned[n] = true
		}
		links.closeUnused(spawned)
	}()

	for _, name := range StartupOrder {
		if err := f.spawnOne(name); err != nil {
			return utils.Wrap(err, fmt.Sprintf("supervisor: spawning %s", name))
		}
		started = append(started, name)

		if err := f.configureOne(name); err != nil {
			return utils.Wrap(err, fmt.Sprintf("supervisor: configuring %s", name))
		}
		if needsKey(name) {
			if err := f.keyOne(name); err != nil {
				return utils.Wrap(err, fmt.Sprintf("supervisor: keying %s", name))
			}
		}
		if err := f.startOne(name); err != nil {
			return utils.Wrap(err, fmt.Sprintf("supervisor: starting %s", name))
		}
	}
	return nil
}

// spawnOne forks-and-execs one service that has a Handoffs entry, handing
// it the control socket at fd 3 and its inter-service links from fd 4 on
// (named in AGENTD_LINKS); no other descriptor is inherited (spec.md §4.10
// step 6). The entry's Slots are not used to number the descriptors.
func (f *Fleet) spawnOne(name ServiceName) error {
	_, ok := Handoffs[name]
	if !ok {
		f.log.WithField("target", name).Info("no descriptor handoff defined, skipping spawn")
		return nil
	}

	clientSock, serverSock, err := socketpair()
	if err != nil {
		return fmt.Errorf("control socketpair: %w", err)
	}

	uid, gid, err := lookupUserGroup(f.cfg.User, f.cfg.Group)
	if err != nil {
		clientSock.Close()
		serverSock.Close()
		return err
	}

	// Inter-service descriptor wiring (accept sockets, data-out links,
	// notification/random-out links) is established by per-link
	// socketpairs created once up front in newLinkTable and handed out
	// here, keyed by role rather than by the raw descriptor number
	// (internal/supervisor/links.go). The control socket is always
	// ExtraFiles[0] (fd 3); link fds follow starting at fd 4, described
	// to the child via AGENTD_LINKS so it doesn't need to hardcode
	// indices either.
	var linkFiles []*os.File
	var linksEnv string
	if f.links != nil {
		linkFiles, linksEnv = f.links.extraFiles(name)
	}

	cmd := exec.Command(f.self, "internal", "run-service", string(name))
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append([]*os.File{clientSock}, linkFiles...)
	cmd.Env = append(os.Environ(), LinksEnvVar+"="+linksEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
		Chroot:     f.cfg.Chroot,
	}

	if err := cmd.Start(); err != nil {
		clientSock.Close()
		serverSock.Close()
		for _, lf := range linkFiles {
			lf.Close()
		}
		return fmt.Errorf("exec: %w", err)
	}
	clientSock.Close()
	for _, lf := range linkFiles {
		lf.Close()
	}

	f.mu.Lock()
	f.procs[name] = &process{name: name, cmd: cmd, control: serverSock, state: StateCreated}
	f.restarts[name] = agentderr.NewRestartBudget(agentderr.DefaultMaxRestarts)
	f.mu.Unlock()

	f.log.WithField("target", name).WithField("pid", cmd.Process.Pid).Info("spawned service")
	return nil
}

// configureOne streams the service its configuration over its control
// socket (spec.md §4.10 step 7); it does not wait for or check a reply.
func (f *Fleet) configureOne(name ServiceName) error {
	p := f.proc(name)
	if p == nil {
		return nil
	}
	if err := configreader.WriteConfigStream(p.control, f.cfg); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}
	f.setState(name, StateConfigured)
	return nil
}

// keyOne records the keyed state for a signing service; it sends no key
// material over the control socket. Separate from configureOne because the `configured -> keyed` transition
// is distinct in the state machine (spec.md §4.10).
func (f *Fleet) keyOne(name ServiceName) error {
	f.setState(name, StateKeyed)
	return nil
}

// startOne records the running state for a configured (and, where
// applicable, keyed) service (spec.md §4.10 step 8); no start command is
// sent to the service.
func (f *Fleet) startOne(name ServiceName) error {
	f.setState(name, StateRunning)
	return nil
}

// RotateKey sends a private-key-set control command to a running signing
// service without restarting it (SPEC_FULL.md §9 SUPPLEMENT, grounded on
// canonizationservice_decode_and_dispatch_control_command_private_key_set).
func (f *Fleet) RotateKey(name ServiceName, key []byte) error {
	if !needsKey(name) {
		return fmt.Errorf("supervisor: %s does not accept key rotation", name)
	}
	p := f.proc(name)
	if p == nil {
		return fmt.Errorf("supervisor: %s not running", name)
	}
	if _, err := p.control.Write(key); err != nil {
		return fmt.Errorf("supervisor: rotating key for %s: %w", name, err)
	}
	return nil
}

// Shutdown runs spec.md §4.10's shutdown sequence: drain, stop leaves,
// drain again, stop roots, then kill any survivor.
func (f *Fleet) Shutdown() error {
	time.Sleep(QuiesceDrain)
	f.stopAll(ShutdownLeafOrder)
	time.Sleep(RootDrain)
	f.stopAll(ShutdownRootOrder)
	return f.reapAll()
}

func (f *Fleet) stopAll(names []ServiceName) {
	for _, name := range names {
		p := f.proc(name)
		if p == nil {
			continue
		}
		f.setState(name, StateQuiescing)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
		f.setState(name, StateStopped)
	}
}

// reapAll waits for every remaining process, killing survivors that do
// not exit promptly, and collects every failure via multierr rather than
// stopping at the first (spec.md §4.10 "process_kill any survivor").
func (f *Fleet) reapAll() error {
	var errs error
	for _, name := range StartupOrder {
		p := f.proc(name)
		if p == nil || p.cmd.Process == nil {
			continue
		}
		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-time.After(RootDrain):
			_ = p.cmd.Process.Kill()
			<-done
			errs = multierr.Append(errs, fmt.Errorf("%s: killed after grace period", name))
		}
		p.control.Close()
		f.setState(name, StateReaped)
	}
	return errs
}

// teardown tears down every already-started service in reverse order,
// used when Start fails partway through (spec.md §4.10 "aborts startup
// and tears down every already-created service in reverse order").
func (f *Fleet) teardown(started []ServiceName) {
	var errs error
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		p := f.proc(name)
		if p == nil {
			continue
		}
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_, err := p.cmd.Process.Wait()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		p.control.Close()
	}
	if errs != nil {
		f.log.WithError(errs).Error("errors during startup-failure teardown")
	}
}

// State reports a service's current ServiceState, or false if it has not
// been spawned.
func (f *Fleet) State(name ServiceName) (ServiceState, bool) {
	p := f.proc(name)
	if p == nil {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return p.state, true
}

func (f *Fleet) proc(name ServiceName) *process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[name]
}

func (f *Fleet) setState(name ServiceName, s ServiceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[name]; ok {
		p.state = s
	}
}

func socketpair() (client, server *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "supervisor-client"),
		os.NewFile(uintptr(fds[1]), "supervisor-server"), nil
}

func lookupUserGroup(username, group string) (uid, gid uint32, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("looking up user %q: %w", username, err)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, 0, fmt.Errorf("looking up group %q: %w", group, err)
	}
	uidN, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	gidN, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(uidN), uint32(gidN), nil
}
