package configreader

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"agentd/pkg/utils"
)

// ChildKind selects which private command the spawned config-reader
// process re-execs into, mirroring the source's three separate reader
// binaries (config_read_block, config_read_public_entities_proc,
// config_read_private_key_proc).
type ChildKind string

const (
	ChildReadConfig         ChildKind = "config-reader"
	ChildReadPublicEntities ChildKind = "read-public-entities"
	ChildReadPrivateKey     ChildKind = "read-private-key"
)

// SpawnResult holds the running child and the supervisor-side end of the
// control socket the child streams its BOM/EOM records across.
type SpawnResult struct {
	Cmd  *exec.Cmd
	Sock *os.File
}

// Spawn forks a throwaway, privilege-dropped process that runs the given
// private command (spec.md §4.4, grounded on
// readers/config_read_public_entities_proc.c's socketpair+fork+chroot+exec
// sequence). The supervisor must be running as root; privilege drop and
// chroot happen via SysProcAttr rather than in a forked child, since Go
// cannot safely fork without exec.
func Spawn(self string, kind ChildKind, chroot, username, group string, args ...string) (*SpawnResult, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("configreader: agentd must run as root to spawn %s", kind)
	}

	clientSock, serverSock, err := socketpair()
	if err != nil {
		return nil, utils.Wrap(err, "configreader: socketpair")
	}

	uid, gid, err := lookupUserGroup(username, group)
	if err != nil {
		clientSock.Close()
		serverSock.Close()
		return nil, utils.Wrap(err, "configreader: lookup user/group")
	}

	cmdArgs := append([]string{"internal", string(kind)}, args...)
	cmd := exec.Command(self, cmdArgs...)
	cmd.ExtraFiles = []*os.File{clientSock}
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
		Chroot:     chroot,
	}

	if err := cmd.Start(); err != nil {
		clientSock.Close()
		serverSock.Close()
		return nil, utils.Wrap(err, fmt.Sprintf("configreader: starting %s", kind))
	}
	clientSock.Close()

	return &SpawnResult{Cmd: cmd, Sock: serverSock}, nil
}

// Wait blocks for the spawned process to exit, matching the source's
// waitpid-and-check-exit-status step at the end of each reader call.
func (r *SpawnResult) Wait() error {
	defer r.Sock.Close()
	if err := r.Cmd.Wait(); err != nil {
		return utils.Wrap(err, "configreader: child process exited with error")
	}
	return nil
}

func socketpair() (client, server *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "configreader-client"),
		os.NewFile(uintptr(fds[1]), "configreader-server"), nil
}

func lookupUserGroup(username, group string) (uid, gid uint32, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, utils.Wrap(err, fmt.Sprintf("looking up user %q", username))
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, 0, utils.Wrap(err, fmt.Sprintf("looking up group %q", group))
	}
	uidN, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, utils.Wrap(err, "parsing uid")
	}
	gidN, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, 0, utils.Wrap(err, "parsing gid")
	}
	return uint32(uidN), uint32(gidN), nil
}
