package listener

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

func fdFile(fd int) *os.File {
	return os.NewFile(uintptr(fd), "forwarded-conn")
}

// FDForwarder sends an accepted connection's file descriptor to the
// protocol service over a Unix-domain socket pair, using SCM_RIGHTS
// ancillary data — spec.md §4.9's "out-of-band descriptor passing". No
// library in the retrieved pack wraps this OS primitive, so it is
// implemented directly on net/syscall (see DESIGN.md).
type FDForwarder struct {
	conn *net.UnixConn
}

// NewFDForwarder wraps the dedicated forwarding socket (the listener's
// accept-forward link, located through AGENTD_LINKS).
func NewFDForwarder(conn *net.UnixConn) *FDForwarder {
	return &FDForwarder{conn: conn}
}

// Forward passes c's underlying descriptor to the protocol service, then
// closes this process's copy — the listener never retains the client
// connection past handoff.
func (f *FDForwarder) Forward(c net.Conn) error {
	defer c.Close()

	sc, ok := c.(syscall.Conn)
	if !ok {
		return fmt.Errorf("listener: connection type %T does not expose a raw fd", c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("listener: SyscallConn: %w", err)
	}

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		rights := syscall.UnixRights(int(fd))
		// A one-byte payload accompanies the rights, matching net's
		// own WriteMsgUnix convention (and Go's net package refuses a
		// zero-length datagram send here).
		_, _, ctrlErr = f.conn.WriteMsgUnix([]byte{0}, rights, nil)
	})
	if err != nil {
		return fmt.Errorf("listener: Control: %w", err)
	}
	if ctrlErr != nil {
		return fmt.Errorf("listener: WriteMsgUnix: %w", ctrlErr)
	}
	return nil
}

// ReceiveFD reads one forwarded descriptor off conn — the protocol
// service's side of Forward.
func ReceiveFD(conn *net.UnixConn) (net.Conn, error) {
	buf := make([]byte, 1)
	oob := make([]byte, syscall.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("listener: ReadMsgUnix: %w", err)
	}
	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("listener: ParseSocketControlMessage: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("listener: no control message received")
	}
	fds, err := syscall.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("listener: ParseUnixRights: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("listener: no descriptors received")
	}

	file := fdFile(fds[0])
	defer file.Close()
	fc, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("listener: FileConn: %w", err)
	}
	return fc, nil
}
