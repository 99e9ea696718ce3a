package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"

	"github.com/arkgo/kernelcore/internal/wire"
)

// ConnectionInfo is the JSON connection descriptor Jupyter writes before
// launching the kernel (spec §6).
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	HBPort          int    `json:"hb_port"`
	StdinPort       int    `json:"stdin_port"`
}

// SyncSocket wraps a zmq4 socket with a mutex, since zmq4 sockets are not
// safe for concurrent Send calls from multiple goroutines.
type SyncSocket struct {
	Socket zmq4.Socket
	mu     sync.Mutex
	key    []byte
}

// Send signs and frames msg (prefixed by ids) and sends it, guarded by mu.
func (s *SyncSocket) Send(ids wire.Identities, msg *wire.ComposedMsg) error {
	frames, err := wire.Encode(ids, msg, s.key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Socket.SendMulti(zmq4.NewMsgFrom(frames...))
}

// RunLocked runs fn holding the socket's send lock; used for the Heartbeat
// echo, which bypasses wire encoding entirely.
func (s *SyncSocket) RunLocked(fn func(zmq4.Socket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.Socket)
}

// SocketGroup holds the five bound sockets and the shared signing key.
type SocketGroup struct {
	Shell   *SyncSocket
	Control *SyncSocket
	Stdin   *SyncSocket
	IOPub   *SyncSocket
	HB      *SyncSocket
	Key     []byte
}

// bindSockets creates and binds the five ZMQ sockets described by info.
func bindSockets(info ConnectionInfo) (*SocketGroup, error) {
	ctx := context.Background()
	key := []byte(info.Key)
	sg := &SocketGroup{
		Key:     key,
		Shell:   &SyncSocket{Socket: zmq4.NewRouter(ctx), key: key},
		Control: &SyncSocket{Socket: zmq4.NewRouter(ctx), key: key},
		Stdin:   &SyncSocket{Socket: zmq4.NewRouter(ctx), key: key},
		IOPub:   &SyncSocket{Socket: zmq4.NewPub(ctx), key: key},
		HB:      &SyncSocket{Socket: zmq4.NewRep(ctx), key: key},
	}

	var addr func(port int) string
	switch info.Transport {
	case "ipc":
		addr = func(port int) string { return fmt.Sprintf("ipc://%s-%d", info.IP, port) }
	default:
		addr = func(port int) string { return fmt.Sprintf("tcp://%s:%d", info.IP, port) }
	}

	sockets := []struct {
		name string
		sck  *SyncSocket
		port int
	}{
		{"shell", sg.Shell, info.ShellPort},
		{"control", sg.Control, info.ControlPort},
		{"stdin", sg.Stdin, info.StdinPort},
		{"iopub", sg.IOPub, info.IOPubPort},
		{"heartbeat", sg.HB, info.HBPort},
	}
	for _, s := range sockets {
		if err := s.sck.Socket.Listen(addr(s.port)); err != nil {
			return nil, errors.WithMessagef(err, "failed to listen on %s socket", s.name)
		}
	}
	return sg, nil
}
