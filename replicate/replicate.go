// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package replicate is the client library: it mirrors a local
// persistent-memory region to a pool owned by a remote daemon. Create
// and Open spawn the remote daemon through the transport, negotiate
// the pool over the out-of-band protocol, connect the data plane with
// the negotiated resources, and hand back a [Pool] whose Persist makes
// local ranges durable on the remote side.
//
//   - replicate.go: options, Create, Open
//   - pool.go: the replicated-pool handle and its liveness watchdog
//
// A background watchdog polls the daemon's control stream while the
// handle is open. When the daemon vanishes the handle is poisoned:
// every later operation fails with an error matching
// [transport.ErrConnectionReset], carrying whatever the daemon wrote
// to its diagnostic stream before dying.
package replicate

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/fabric"
	"github.com/remem-project/remem/transport"
)

// DefaultLanes is the lane count requested when the caller does not
// choose one. The daemon may negotiate it down.
const DefaultLanes = 4

// Options tune Create and Open. The zero value is usable.
type Options struct {
	// Lanes is the requested data-plane lane count. Zero requests
	// [DefaultLanes].
	Lanes uint32

	// Provider selects the data-plane transport provider. Zero
	// requests [control.ProviderSockets].
	Provider control.Provider

	// Compression is attempted on outgoing data-plane payloads and
	// requested for read replies. Incompressible payloads travel raw
	// regardless.
	Compression fabric.CompressionTag

	// Attributes are stamped into the pool header on Create. Nil
	// stores a zeroed record. Ignored by Open, which reads the stored
	// record back instead.
	Attributes *control.PoolAttributes

	// Transport configures how the remote daemon is spawned.
	Transport transport.DialConfig

	// MonitorPeriod is the watchdog's polling interval. Zero means
	// one second; negative disables the watchdog.
	MonitorPeriod time.Duration
}

func (o *Options) lanes() uint32 {
	if o.Lanes == 0 {
		return DefaultLanes
	}
	return o.Lanes
}

func (o *Options) provider() control.Provider {
	if o.Provider == 0 {
		return control.ProviderSockets
	}
	return o.Provider
}

func (o *Options) monitorPeriod() time.Duration {
	if o.MonitorPeriod == 0 {
		return time.Second
	}
	return o.MonitorPeriod
}

// Create provisions a new pool named desc on the target node and
// returns a handle replicating memory into it. The pool must not
// already exist; the daemon reports [control.StatusExists] through a
// [control.StatusError] if it does.
func Create(target, desc string, memory []byte, opts Options) (*Pool, error) {
	if len(memory) == 0 {
		return nil, errors.New("empty replication region")
	}
	attrs := opts.Attributes
	if attrs == nil {
		attrs = &control.PoolAttributes{}
	}
	return connect(target, memory, &opts, func(client *control.Client) (*control.ResourceAttributes, *control.PoolAttributes, error) {
		resource, err := client.Create(&control.CreateRequest{
			Descriptor: desc,
			PoolSize:   uint64(len(memory)),
			Lanes:      opts.lanes(),
			Provider:   opts.provider(),
			Attributes: *attrs,
		})
		return resource, attrs, err
	})
}

// Open attaches to the existing pool named desc on the target node.
// The returned handle's Attributes method reports the attribute
// record stored when the pool was created.
func Open(target, desc string, memory []byte, opts Options) (*Pool, error) {
	if len(memory) == 0 {
		return nil, errors.New("empty replication region")
	}
	return connect(target, memory, &opts, func(client *control.Client) (*control.ResourceAttributes, *control.PoolAttributes, error) {
		return client.Open(&control.OpenRequest{
			Descriptor: desc,
			PoolSize:   uint64(len(memory)),
			Lanes:      opts.lanes(),
			Provider:   opts.provider(),
		})
	})
}

// connect runs the shared bootstrap: spawn the daemon, run the
// negotiation round trip, connect the data plane, start the watchdog.
// Every failure unwinds the stages already stood up, in reverse.
func connect(target string, memory []byte, opts *Options, negotiate func(*control.Client) (*control.ResourceAttributes, *control.PoolAttributes, error)) (*Pool, error) {
	parsed, err := transport.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	tr, err := transport.Dial(parsed, opts.Transport)
	if err != nil {
		return nil, err
	}
	client := control.NewClient(tr)
	resource, poolAttrs, err := negotiate(client)
	if err != nil {
		err = describeReset(err, tr)
		tr.Close()
		return nil, err
	}
	dataAddr := net.JoinHostPort(parsed.Host, strconv.Itoa(int(resource.Port)))
	data, err := fabric.Connect(dataAddr, memory, resource, opts.Compression)
	if err != nil {
		// The daemon is blocked waiting for the in-band connection;
		// the close request tells it to unwind once its accept gives
		// up.
		client.Close()
		tr.Close()
		return nil, err
	}

	p := &Pool{
		transport: tr,
		control:   client,
		data:      data,
		resource:  *resource,
		attrs:     poolAttrs,
	}
	if period := opts.monitorPeriod(); period > 0 {
		p.monitorStop = make(chan struct{})
		p.monitorDone = make(chan struct{})
		go p.runMonitor(period)
	}
	return p, nil
}

// describeReset attaches the daemon's diagnostic output to a
// connection-reset error. A daemon that dies mid-negotiation usually
// said why on its error stream.
func describeReset(err error, tr *transport.Transport) error {
	if errors.Is(err, transport.ErrConnectionReset) {
		return fmt.Errorf("%w: %s", err, tr.Strerror())
	}
	return err
}
