// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package connection

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/enode"
)

// DefaultConnectionTimeout bounds the TCP handshake of outbound dials.
const DefaultConnectionTimeout = 2 * time.Second

var (
	errClientStopped = errors.New("peer client stopped")
	errNoAddress     = errors.New("node has no address")
)

// ClientConfig holds the settings of a PeerClient.
type ClientConfig struct {
	// ConnectTimeout bounds the TCP handshake. Default DefaultConnectionTimeout.
	ConnectTimeout time.Duration

	// Workers is the number of dial workers. Default GOMAXPROCS.
	Workers int

	Channel ChannelConfig
	Log     log.Logger
}

// PeerClient makes outbound connections. Dials run on a fixed pool of workers,
// each successful dial produces an active Channel which is handed to the registry.
type PeerClient struct {
	cfg      ClientConfig
	registry Registry
	handler  Handler
	dialer   net.Dialer
	log      log.Logger

	tasks  chan *dialTask
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	stopped  bool
	channels map[*Channel]struct{}

	workers sync.WaitGroup
	pending sync.WaitGroup // queued submissions
	loops   sync.WaitGroup
}

// ConnectFuture is the pending result of an asynchronous dial.
type ConnectFuture struct {
	addr string
	done chan struct{}
	ch   *Channel
	err  error
}

func newConnectFuture(addr string) *ConnectFuture {
	return &ConnectFuture{addr: addr, done: make(chan struct{})}
}

func (f *ConnectFuture) complete(ch *Channel, err error) {
	f.ch, f.err = ch, err
	close(f.done)
}

// Done is closed when the dial has completed.
func (f *ConnectFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the dial has completed and returns its error.
func (f *ConnectFuture) Wait() error {
	<-f.done
	return f.err
}

// Channel returns the connected channel. It is nil until the dial succeeded.
func (f *ConnectFuture) Channel() *Channel {
	select {
	case <-f.done:
		return f.ch
	default:
		return nil
	}
}

// Err returns the dial error once the dial has completed.
func (f *ConnectFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

type dialTask struct {
	addr          string
	remoteID      string
	node          *enode.Node
	discoveryMode bool
	onFail        func(error)
	future        *ConnectFuture
}

// NewPeerClient creates a client reporting channels to registry. Inbound frames of
// its channels are passed to handler.
func NewPeerClient(registry Registry, handler Handler, cfg ClientConfig) *PeerClient {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectionTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.Channel.Log == nil {
		cfg.Channel.Log = cfg.Log
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerClient{
		cfg:      cfg,
		registry: registry,
		handler:  handler,
		dialer:   net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 15 * time.Second},
		log:      cfg.Log,
		tasks:    make(chan *dialTask, cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[*Channel]struct{}),
	}
}

// Start launches the dial workers.
func (c *PeerClient) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped {
		return
	}
	c.running = true
	for i := 0; i < c.cfg.Workers; i++ {
		c.workers.Add(1)
		go c.worker(c.log.New("worker", "PeerClient-"+strconv.Itoa(i)))
	}
}

// Stop cancels pending dials, closes all channels created by the client and waits
// for their loops to exit.
func (c *PeerClient) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancel()
	c.mu.Unlock()

	c.workers.Wait()
	c.pending.Wait()
	for drained := false; !drained; {
		select {
		case t := <-c.tasks:
			c.fail(t, errClientStopped)
		default:
			drained = true
		}
	}

	c.mu.Lock()
	live := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		live = append(live, ch)
	}
	c.mu.Unlock()
	for _, ch := range live {
		ch.Close()
	}
	c.loops.Wait()
}

// Connect dials host:port and blocks until the resulting channel is closed.
// Failures are logged.
func (c *PeerClient) Connect(host string, port int, remoteID string) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	f := c.submit(&dialTask{addr: addr, remoteID: remoteID})
	if err := f.Wait(); err != nil {
		c.log.Warn("PeerClient can't connect", "addr", addr, "err", err)
		return
	}
	<-f.Channel().Done()
}

// ConnectAsync dials the preferred address of node. If the dial fails, the
// failure is logged and, unless discoveryMode is set, the registry is asked to
// trigger a new connection.
func (c *PeerClient) ConnectAsync(node *enode.Node, discoveryMode bool) *ConnectFuture {
	addr := node.PreferAddr()
	if addr == nil {
		f := newConnectFuture("")
		f.complete(nil, errNoAddress)
		c.log.Warn("Connect to peer failed", "node", node, "err", errNoAddress)
		return f
	}
	remoteID := node.HexID()
	if remoteID == "" {
		remoteID = hex.EncodeToString(enode.RandomID())
	}
	task := &dialTask{
		addr:          addr.String(),
		remoteID:      remoteID,
		node:          node,
		discoveryMode: discoveryMode,
		onFail: func(err error) {
			c.log.Warn("Connect to peer failed", "addr", addr, "err", err)
			if !discoveryMode {
				c.registry.TriggerConnect(addr)
			}
		},
	}
	return c.submit(task)
}

// submit queues t for the dial workers without blocking the caller.
func (c *PeerClient) submit(t *dialTask) *ConnectFuture {
	t.future = newConnectFuture(t.addr)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.fail(t, errClientStopped)
		return t.future
	}
	select {
	case c.tasks <- t:
		c.mu.Unlock()
		return t.future
	default:
	}
	c.pending.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.pending.Done()
		select {
		case c.tasks <- t:
		case <-c.ctx.Done():
			c.fail(t, errClientStopped)
		}
	}()
	return t.future
}

func (c *PeerClient) worker(log log.Logger) {
	defer c.workers.Done()
	for {
		select {
		case t := <-c.tasks:
			c.dial(log, t)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *PeerClient) dial(log log.Logger, t *dialTask) {
	log.Trace("Dialing peer", "addr", t.addr, "discovery", t.discoveryMode)
	conn, err := c.dialer.DialContext(c.ctx, "tcp", t.addr)
	if err != nil {
		c.fail(t, err)
		return
	}
	outboundCounter.Inc()

	ch := NewChannel(c.registry, c.cfg.Channel)
	if t.node != nil {
		ch.SetNode(t.node)
	}
	if !c.track(ch) {
		conn.Close()
		c.fail(t, errClientStopped)
		return
	}
	ch.Init(conn, t.remoteID, t.discoveryMode, c.handler)
	if err := c.registry.AddChannel(ch); err != nil {
		log.Debug("Outbound channel rejected", "addr", t.addr, "err", err)
		ch.Close()
	}
	t.future.complete(ch, nil)
}

func (c *PeerClient) fail(t *dialTask, err error) {
	dialFailureCounter.Inc()
	if t.onFail != nil && c.ctx.Err() == nil {
		t.onFail(fmt.Errorf("dial %s: %w", t.addr, err))
	}
	t.future.complete(nil, err)
}

// track registers ch so Stop can close it. It returns false once the client is
// stopped.
func (c *PeerClient) track(ch *Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.channels[ch] = struct{}{}
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		<-ch.Done()
		c.mu.Lock()
		delete(c.channels, ch)
		c.mu.Unlock()
	}()
	return true
}
