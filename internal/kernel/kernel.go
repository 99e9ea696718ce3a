// Package kernel binds the five Jupyter sockets (spec §4.C) and the
// heartbeat echo (§4.H), and supervises their polling goroutines. Grounded
// on the teacher's internal/kernel/kernel.go, generalized away from a
// GoNB-specific Go-execution state machine.
package kernel

import (
	"container/list"
	"encoding/json"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/metrics"
	"github.com/arkgo/kernelcore/internal/wire"
)

// Envelope is a decoded inbound message plus the identity frames a reply
// must be addressed back to, or a transport error if decoding failed.
type Envelope struct {
	Identities wire.Identities
	Msg        *wire.ComposedMsg
	Err        error
}

// Kernel owns the bound sockets and the decoded-message channels fed by
// their polling goroutines.
type Kernel struct {
	stop    chan struct{}
	stopped atomic.Bool

	Sockets *SocketGroup

	shell, control, stdin chan Envelope

	pollingWait sync.WaitGroup

	// Interrupted is set when a captured OS signal arrives (see HandleSignals)
	// and by Stop. Nothing in this module clears it.
	Interrupted atomic.Bool

	interruptSubscribers *list.List
	muSubscribers         sync.Mutex

	signalsChan chan os.Signal

	// KernelID is extracted from the connection file name, matching the
	// Jupyter convention "kernel-<uuid>.json".
	KernelID string
}

var reKernelID = regexp.MustCompile(`kernel-([0-9a-f-]+)\.json$`)

// New parses connectionFile, binds the five sockets, and starts polling for
// Shell/Control/StdIn messages plus the heartbeat echo.
func New(connectionFile string) (*Kernel, error) {
	k := &Kernel{
		stop:                  make(chan struct{}),
		shell:                 make(chan Envelope, 1),
		control:               make(chan Envelope, 1),
		stdin:                 make(chan Envelope, 1),
		interruptSubscribers:  list.New(),
	}

	if m := reKernelID.FindStringSubmatch(connectionFile); len(m) == 2 {
		k.KernelID = m[1]
	} else {
		klog.Warningf("could not extract kernel id from connection file path %q", connectionFile)
	}

	data, err := os.ReadFile(connectionFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read connection file %s", connectionFile)
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse connection file %s", connectionFile)
	}

	k.Sockets, err = bindSockets(info)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to bind sockets from %s", connectionFile)
	}

	k.pollHeartbeat()
	k.pollSocket(k.shell, k.Sockets.Shell, "shell")
	k.pollSocket(k.control, k.Sockets.Control, "control")
	k.pollSocket(k.stdin, k.Sockets.Stdin, "stdin")
	return k, nil
}

// Shell, Control and Stdin return the channels of decoded incoming messages.
func (k *Kernel) Shell() <-chan Envelope   { return k.shell }
func (k *Kernel) Control() <-chan Envelope { return k.control }
func (k *Kernel) Stdin() <-chan Envelope   { return k.stdin }

// IsStopped reports whether Stop has been called.
func (k *Kernel) IsStopped() bool { return k.stopped.Load() }

// StoppedChan is closed when the kernel stops.
func (k *Kernel) StoppedChan() <-chan struct{} { return k.stop }

// Stop closes every socket and signals all polling goroutines to exit.
func (k *Kernel) Stop() {
	if !k.stopped.CompareAndSwap(false, true) {
		return // already stopped
	}
	klog.V(1).Infof("kernel: stopping")
	k.Interrupted.Store(true)
	close(k.stop)
	for name, sck := range map[string]*SyncSocket{
		"shell": k.Sockets.Shell, "control": k.Sockets.Control,
		"stdin": k.Sockets.Stdin, "iopub": k.Sockets.IOPub, "heartbeat": k.Sockets.HB,
	} {
		if err := sck.Socket.Close(); err != nil {
			klog.Errorf("kernel: failed to close %s socket: %v", name, err)
		}
	}
}

// ExitWait blocks until every polling goroutine has exited.
func (k *Kernel) ExitWait() { k.pollingWait.Wait() }

// SubscriptionID identifies a registered interrupt subscriber.
type SubscriptionID *list.Element

// InterruptFn is invoked, on its own goroutine, on every interrupt.
type InterruptFn func(id SubscriptionID)

// SubscribeInterrupt registers fn to be called whenever the kernel is interrupted.
func (k *Kernel) SubscribeInterrupt(fn InterruptFn) SubscriptionID {
	k.muSubscribers.Lock()
	defer k.muSubscribers.Unlock()
	return k.interruptSubscribers.PushBack(fn)
}

// UnsubscribeInterrupt removes a subscription registered with SubscribeInterrupt.
func (k *Kernel) UnsubscribeInterrupt(id SubscriptionID) {
	k.muSubscribers.Lock()
	defer k.muSubscribers.Unlock()
	if id.Value == nil {
		return
	}
	id.Value = nil
	k.interruptSubscribers.Remove(id)
}

// notifyInterruptSubscribers calls every subscriber on its own goroutine.
func (k *Kernel) notifyInterruptSubscribers() {
	k.muSubscribers.Lock()
	defer k.muSubscribers.Unlock()
	for e := k.interruptSubscribers.Front(); e != nil; e = e.Next() {
		if e.Value == nil {
			continue
		}
		fn := e.Value.(InterruptFn)
		go fn(e)
	}
}

// HandleSignals configures SIGINT to interrupt running cells and every other
// captured signal to stop the kernel outright.
func (k *Kernel) HandleSignals() {
	if k.signalsChan != nil {
		return
	}
	k.signalsChan = make(chan os.Signal, 1)
	signal.Notify(k.signalsChan, CaptureSignals...)
	go func() {
		defer signal.Reset(os.Interrupt)
		for {
			select {
			case sig := <-k.signalsChan:
				k.Interrupted.Store(true)
				k.notifyInterruptSubscribers()
				if sig == os.Interrupt {
					continue
				}
				klog.Errorf("kernel: signal %s triggers shutdown", sig)
				k.Stop()
			case <-k.stop:
				return
			}
		}
	}()
}

func (k *Kernel) pollSocket(out chan Envelope, sck *SyncSocket, name string) {
	k.pollingWait.Add(1)
	go func() {
		defer func() {
			klog.V(1).Infof("kernel: polling of %q socket finished", name)
			k.pollingWait.Done()
			close(out)
		}()
		klog.V(1).Infof("kernel: polling of %q socket started", name)
		for {
			zmqMsg, err := sck.Socket.Recv()
			var env Envelope
			if err != nil {
				env = Envelope{Err: err}
			} else {
				ids, msg, decErr := wire.Decode(zmqMsg.Frames, sck.key)
				env = Envelope{Identities: ids, Msg: msg, Err: decErr}
				if decErr != nil {
					metrics.RecordError("wire_decode")
				}
			}
			select {
			case out <- env:
			case <-k.stop:
				return
			}
		}
	}()
}

func (k *Kernel) pollHeartbeat() {
	k.pollingWait.Add(1)
	go func() {
		defer func() {
			klog.V(1).Infof("kernel: heartbeat polling finished")
			k.pollingWait.Done()
		}()
		klog.V(1).Infof("kernel: heartbeat polling started")
		for {
			msg, err := k.Sockets.HB.Socket.Recv()
			if k.IsStopped() {
				return
			}
			if err != nil {
				klog.Errorf("kernel: heartbeat receive failed, stopping kernel: %+v", err)
				k.Stop()
				return
			}
			err = k.Sockets.HB.RunLocked(func(echo zmq4.Socket) error {
				return echo.Send(msg)
			})
			if err != nil {
				klog.Errorf("kernel: heartbeat echo failed, stopping kernel: %+v", err)
				k.Stop()
				return
			}
		}
	}()
}
