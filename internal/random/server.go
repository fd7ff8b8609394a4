package random

import (
	"crypto/rand"
	"io"
	"net"

	"agentd/internal/ipc"
	"agentd/internal/uuidx"

	"github.com/sirupsen/logrus"
)

// Server is the random-device proxy process itself (spec.md §6.5 "Random:
// 0 = /dev/random, 1 = protocol-client, 2 = log"). It serves TypeU64-coded
// byte-count requests on its client socket and answers with TypeData
// frames, so sandboxed services never touch /dev/random directly.
type Server struct {
	log    *logrus.Entry
	source io.Reader // normally os.Open("/dev/random"); crypto/rand in tests
}

func NewServer(log *logrus.Entry, source io.Reader) *Server {
	if source == nil {
		source = rand.Reader
	}
	return &Server{log: log, source: source}
}

// Serve answers requests on conn until it closes or a protocol violation
// occurs (§7: protocol-violation is fatal to the fiber serving this peer,
// not to the process).
func (s *Server) Serve(conn net.Conn) error {
	r := ipc.NewReader(conn)
	w := ipc.NewWriter(conn)
	for {
		req, err := r.ReadFrame()
		if err != nil {
			return err
		}
		n, err := req.U64()
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.source, buf); err != nil {
			s.log.WithError(err).Error("random: source read failed")
			return err
		}
		if err := w.WriteData(buf); err != nil {
			return err
		}
	}
}

// ipcClient is the Client implementation backing a real random-service
// connection (as opposed to localClient, used in-process for tests).
type ipcClient struct {
	conn net.Conn
	r    *ipc.Reader
	w    *ipc.Writer
}

func NewIPCClient(conn net.Conn) Client {
	return &ipcClient{conn: conn, r: ipc.NewReader(conn), w: ipc.NewWriter(conn)}
}

func (c *ipcClient) Bytes(n int) ([]byte, error) {
	if err := c.w.WriteU64(uint64(n)); err != nil {
		return nil, err
	}
	frame, err := c.r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return frame.Data()
}

func (c *ipcClient) UUID() (uuidx.UUID, error) {
	b, err := c.Bytes(16)
	if err != nil {
		return uuidx.UUID{}, err
	}
	return uuidx.FromBytes(b)
}
