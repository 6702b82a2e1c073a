// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
)

// Conn is the byte channel the client speaks the protocol over. Send
// and Recv transfer exactly len(p) bytes or fail; the spawned-process
// transport satisfies this.
type Conn interface {
	Send(p []byte) error
	Recv(p []byte) error
}

// Client is the client side of the control protocol. Each method is one
// blocking round trip: encode the request, send it, read the fixed-size
// response. A non-OK response status comes back as a *StatusError;
// any other error means the channel itself failed and the session is
// unusable.
//
// Like the server, the client is strictly sequential and must not be
// used from multiple goroutines.
type Client struct {
	conn Conn
}

// NewClient returns a Client speaking the control protocol over conn.
// The readiness handshake has already happened by the time a Client
// exists; the transport consumes the status word when it dials.
func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

// Create asks the daemon to provision a new pool. On success it returns
// the data-plane resource attributes for the in-band connection.
func (c *Client) Create(req *CreateRequest) (*ResourceAttributes, error) {
	b, err := encodeRequest(msgCreate, req.Descriptor, req.PoolSize, req.Lanes, req.Provider)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	b = appendPoolAttributes(b, &req.Attributes)
	if err := c.conn.Send(b); err != nil {
		return nil, fmt.Errorf("send create request: %w", err)
	}
	resp := make([]byte, 2+resourceAttributesLength)
	if err := c.conn.Recv(resp); err != nil {
		return nil, fmt.Errorf("read create response: %w", err)
	}
	status, err := checkResponse("create", msgCreate, resp)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, &StatusError{Op: "create", Status: status}
	}
	resource := decodeResourceAttributes(resp[2:])
	return &resource, nil
}

// Open asks the daemon to open an existing pool. On success it returns
// the data-plane resource attributes and the pool attributes read from
// the remote pool's header.
func (c *Client) Open(req *OpenRequest) (*ResourceAttributes, *PoolAttributes, error) {
	b, err := encodeRequest(msgOpen, req.Descriptor, req.PoolSize, req.Lanes, req.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	if err := c.conn.Send(b); err != nil {
		return nil, nil, fmt.Errorf("send open request: %w", err)
	}
	resp := make([]byte, 2+resourceAttributesLength+poolAttributesLength)
	if err := c.conn.Recv(resp); err != nil {
		return nil, nil, fmt.Errorf("read open response: %w", err)
	}
	status, err := checkResponse("open", msgOpen, resp)
	if err != nil {
		return nil, nil, err
	}
	if status != StatusOK {
		return nil, nil, &StatusError{Op: "open", Status: status}
	}
	resource := decodeResourceAttributes(resp[2 : 2+resourceAttributesLength])
	pool := decodePoolAttributes(resp[2+resourceAttributesLength:])
	return &resource, &pool, nil
}

// Close asks the daemon to close the pool and shut the session down.
// It is a protocol round trip, not a resource release: the transport
// stays open so the caller can sequence the in-band teardown and then
// close the transport itself.
func (c *Client) Close() error {
	if err := c.conn.Send([]byte{msgClose}); err != nil {
		return fmt.Errorf("send close request: %w", err)
	}
	resp := make([]byte, 2)
	if err := c.conn.Recv(resp); err != nil {
		return fmt.Errorf("read close response: %w", err)
	}
	status, err := checkResponse("close", msgClose, resp)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return &StatusError{Op: "close", Status: status}
	}
	return nil
}

// checkResponse validates the two-byte response header: the echoed
// request type with the response flag, and a status from the defined
// set. Anything else is a framing violation, not a request failure.
func checkResponse(op string, reqType byte, resp []byte) (Status, error) {
	if resp[0] != reqType|respFlag {
		return 0, fmt.Errorf("%s: unexpected response type 0x%02x", op, resp[0])
	}
	status := Status(resp[1])
	if !status.valid() {
		return 0, fmt.Errorf("%s: unknown response status %d", op, resp[1])
	}
	return status, nil
}
