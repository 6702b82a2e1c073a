// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/remem-project/remem/control"
)

// Client is the client side of the data plane. It mirrors a local
// memory region into the remote pool using the resources negotiated
// out of band. Methods on distinct lanes may be called concurrently;
// operations on one lane must be serialized by the caller, which is
// what makes an acknowledgment attributable to the operation that is
// waiting for it.
type Client struct {
	conn   net.Conn
	memory []byte
	raddr  uint64
	lanes  uint32
	method control.PersistMethod
	tag    CompressionTag

	sendMu sync.Mutex
	acks   []chan *frame

	readerDone chan struct{}
	readErr    error

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the daemon's data plane at addr and performs the
// hello exchange with the remote key and lane count from attrs. The
// memory slice is the local region being replicated; persist offsets
// address it and the remote pool identically. The tag selects the
// compression attempted on outgoing payloads and requested for read
// replies.
func Connect(addr string, memory []byte, attrs *control.ResourceAttributes, tag CompressionTag) (*Client, error) {
	if len(memory) == 0 {
		return nil, errors.New("fabric: empty replication region")
	}
	if attrs.Lanes == 0 {
		return nil, errors.New("fabric: lane count must be positive")
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fabric: dial %s: %w", addr, err)
	}
	if _, err := conn.Write(encodeHello(attrs.RKey, attrs.Lanes)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("fabric: send hello: %w", err)
	}
	var reply [helloReplyLength]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("fabric: read hello reply: %w", err)
	}
	if magic := binary.BigEndian.Uint32(reply[0:4]); magic != helloMagic {
		conn.Close()
		return nil, fmt.Errorf("fabric: hello reply carries bad magic 0x%08x", magic)
	}
	if reply[4] != 0 {
		conn.Close()
		return nil, errors.New("fabric: connection rejected by daemon")
	}

	c := &Client{
		conn:       conn,
		memory:     memory,
		raddr:      attrs.RAddr,
		lanes:      attrs.Lanes,
		method:     attrs.Persist,
		tag:        tag,
		acks:       make([]chan *frame, attrs.Lanes),
		readerDone: make(chan struct{}),
	}
	for i := range c.acks {
		c.acks[i] = make(chan *frame, 1)
	}
	go c.runReader()
	return c, nil
}

// runReader routes acknowledgments to the lane that is waiting for
// them. Any frame that is not a well-addressed ack poisons the
// connection: waiters on every lane observe the recorded error.
func (c *Client) runReader() {
	defer close(c.readerDone)
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			if isDisconnect(err) {
				c.readErr = fmt.Errorf("fabric: connection reset: %w", err)
			} else {
				c.readErr = fmt.Errorf("fabric: %w", err)
			}
			return
		}
		if f.op != opAck {
			c.readErr = fmt.Errorf("fabric: unexpected %s frame from daemon", opName(f.op))
			c.closeConn()
			return
		}
		if f.lane >= c.lanes {
			c.readErr = fmt.Errorf("fabric: ack for lane %d, negotiated %d", f.lane, c.lanes)
			c.closeConn()
			return
		}
		select {
		case c.acks[f.lane] <- f:
		default:
			c.readErr = fmt.Errorf("fabric: unsolicited ack on lane %d", f.lane)
			c.closeConn()
			return
		}
	}
}

// awaitAck blocks until the lane's acknowledgment arrives or the
// connection dies.
func (c *Client) awaitAck(lane uint32) (*frame, error) {
	select {
	case f := <-c.acks[lane]:
		return f, nil
	case <-c.readerDone:
		return nil, c.readErr
	}
}

func (c *Client) send(f *frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writeFrame(c.conn, f)
}

func (c *Client) checkRange(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > int64(len(c.memory)) {
		return fmt.Errorf("fabric: range [%d, %d) outside replication region of %d bytes", offset, offset+length, len(c.memory))
	}
	return nil
}

func (c *Client) checkLane(lane uint32) error {
	if lane >= c.lanes {
		return fmt.Errorf("fabric: lane %d out of range, negotiated %d", lane, c.lanes)
	}
	return nil
}

// Persist makes [offset, offset+length) of the local region durable on
// the remote pool. Under the append method every chunk is written and
// acknowledged durable; under the general-purpose method the chunks
// are streamed unacknowledged and a single persist operation flushes
// them, so one acknowledgment covers the whole range.
func (c *Client) Persist(lane uint32, offset, length int64) error {
	if err := c.checkLane(lane); err != nil {
		return err
	}
	if err := c.checkRange(offset, length); err != nil {
		return err
	}
	if length > math.MaxUint32 {
		return fmt.Errorf("fabric: persist range %d exceeds the frame length limit", length)
	}
	if length == 0 {
		return nil
	}
	for chunk := offset; chunk < offset+length; chunk += maxFramePayload {
		n := min(int64(maxFramePayload), offset+length-chunk)
		err := c.send(&frame{
			op:      opWrite,
			lane:    lane,
			addr:    c.raddr + uint64(chunk),
			length:  uint32(n),
			tag:     c.tag,
			payload: c.memory[chunk : chunk+n],
		})
		if err != nil {
			return err
		}
		if c.method == control.PersistAPM {
			if err := c.expectAck(lane, c.raddr+uint64(chunk)); err != nil {
				return err
			}
		}
	}
	if c.method == control.PersistAPM {
		return nil
	}
	err := c.send(&frame{
		op:     opPersist,
		lane:   lane,
		addr:   c.raddr + uint64(offset),
		length: uint32(length),
	})
	if err != nil {
		return err
	}
	return c.expectAck(lane, c.raddr+uint64(offset))
}

// Barrier completes once every operation previously issued on the
// lane has been applied remotely. It is a zero-length persist, so the
// acknowledgment carries the same durability meaning as any other.
func (c *Client) Barrier(lane uint32) error {
	if err := c.checkLane(lane); err != nil {
		return err
	}
	if err := c.send(&frame{op: opPersist, lane: lane, addr: c.raddr}); err != nil {
		return err
	}
	return c.expectAck(lane, c.raddr)
}

// expectAck waits for the lane's next acknowledgment and checks that
// it answers the operation at addr.
func (c *Client) expectAck(lane uint32, addr uint64) error {
	ack, err := c.awaitAck(lane)
	if err != nil {
		return err
	}
	if ack.addr != addr {
		return fmt.Errorf("fabric: ack for address 0x%x, expected 0x%x", ack.addr, addr)
	}
	return nil
}

// Read copies [offset, offset+len(buf)) of the remote pool into buf.
// Used to verify replicated content; it never touches the local
// region.
func (c *Client) Read(lane uint32, buf []byte, offset int64) error {
	if err := c.checkLane(lane); err != nil {
		return err
	}
	if err := c.checkRange(offset, int64(len(buf))); err != nil {
		return err
	}
	for chunk := int64(0); chunk < int64(len(buf)); chunk += maxFramePayload {
		n := min(int64(maxFramePayload), int64(len(buf))-chunk)
		addr := c.raddr + uint64(offset+chunk)
		err := c.send(&frame{
			op:     opRead,
			lane:   lane,
			addr:   addr,
			length: uint32(n),
			tag:    c.tag,
		})
		if err != nil {
			return err
		}
		ack, err := c.awaitAck(lane)
		if err != nil {
			return err
		}
		if ack.addr != addr || int64(ack.length) != n {
			return fmt.Errorf("fabric: read ack for [0x%x, +%d), expected [0x%x, +%d)", ack.addr, ack.length, addr, n)
		}
		copy(buf[chunk:chunk+n], ack.payload)
	}
	return nil
}

// Close announces the shutdown to the daemon with a close frame and
// releases the connection. Safe to call repeatedly; it is also the
// right call when the connection is already broken.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// Best effort: the daemon treats a vanished peer like a close
		// announcement, so a failed send only makes shutdown noisier.
		c.send(&frame{op: opClose})
		c.closeErr = c.conn.Close()
		<-c.readerDone
	})
	return c.closeErr
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
}
