// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package replicate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/fabric"
	"github.com/remem-project/remem/transport"
)

// ErrPoolClosed is returned by operations on a handle whose Close has
// already run.
var ErrPoolClosed = errors.New("replicated pool is closed")

// Pool is a handle to a remote pool being replicated. Operations that
// take a lane may run concurrently on distinct lanes; the lane-less
// forms round-robin across the negotiated lanes and are safe from any
// goroutine. Close is not safe to run concurrently with operations.
type Pool struct {
	transport *transport.Transport
	control   *control.Client
	data      *fabric.Client
	resource  control.ResourceAttributes
	attrs     *control.PoolAttributes
	nextLane  atomic.Uint32

	monitorStop chan struct{}
	monitorDone chan struct{}

	mu     sync.Mutex
	broken error
	closed bool
}

// Resource reports the negotiated data-plane attributes: port, remote
// key, remote base address, lane count, persist method.
func (p *Pool) Resource() control.ResourceAttributes {
	return p.resource
}

// Attributes reports the pool's attribute record: the one stamped at
// creation, or the one read back from the pool on open.
func (p *Pool) Attributes() *control.PoolAttributes {
	return p.attrs
}

// Lanes reports the negotiated lane count.
func (p *Pool) Lanes() uint32 {
	return p.resource.Lanes
}

func (p *Pool) lane() uint32 {
	return (p.nextLane.Add(1) - 1) % p.resource.Lanes
}

func (p *Pool) alive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.broken
}

// Persist makes [offset, offset+length) of the local region durable on
// the remote pool, on an automatically chosen lane.
func (p *Pool) Persist(offset, length int64) error {
	return p.PersistLane(p.lane(), offset, length)
}

// PersistLane is Persist on a caller-chosen lane. Operations on one
// lane are ordered; callers that shard work across goroutines give
// each its own lane.
func (p *Pool) PersistLane(lane uint32, offset, length int64) error {
	if err := p.alive(); err != nil {
		return err
	}
	return p.data.Persist(lane, offset, length)
}

// Read copies [offset, offset+len(buf)) of the remote pool into buf,
// on an automatically chosen lane. It reads what the remote side
// holds, not the local region.
func (p *Pool) Read(buf []byte, offset int64) error {
	return p.ReadLane(p.lane(), buf, offset)
}

// ReadLane is Read on a caller-chosen lane.
func (p *Pool) ReadLane(lane uint32, buf []byte, offset int64) error {
	if err := p.alive(); err != nil {
		return err
	}
	return p.data.Read(lane, buf, offset)
}

// Drain is a barrier across all lanes: when it returns, every
// operation issued before it has been applied on the remote pool.
func (p *Pool) Drain() error {
	if err := p.alive(); err != nil {
		return err
	}
	for lane := uint32(0); lane < p.resource.Lanes; lane++ {
		if err := p.data.Barrier(lane); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the replication session down: the close round trip on
// the control channel, then the data plane, then the transport, which
// reaps the remote daemon. Every stage runs even when an earlier one
// fails, and the first failure is what Close returns. A second Close
// reports ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	p.mu.Unlock()

	if p.monitorStop != nil {
		close(p.monitorStop)
		<-p.monitorDone
	}

	closeErr := p.control.Close()
	if err := p.data.Close(); closeErr == nil {
		closeErr = err
	}
	if err := p.transport.Close(); closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// runMonitor polls the control stream until the handle closes or the
// daemon goes away. The poll peeks without consuming, so it never
// races the close round trip for data.
func (p *Pool) runMonitor(period time.Duration) {
	defer close(p.monitorDone)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.monitorStop:
			return
		case <-ticker.C:
			connected, err := p.transport.Monitor(true)
			if err != nil {
				p.poison(fmt.Errorf("control stream: %w", err))
				return
			}
			if !connected {
				p.poison(fmt.Errorf("%w: %s", transport.ErrConnectionReset, p.transport.Strerror()))
				return
			}
		}
	}
}

func (p *Pool) poison(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken == nil {
		p.broken = err
	}
}
