// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Handlers is the daemon's request dispatch surface. Process decodes
// one request and calls exactly one of these; the handler must write
// exactly one response through the server's Send methods before
// returning. A handler error means the session cannot continue (the
// response could not be delivered, or setup failed in a way that
// poisons the connection); request-level failures are reported in the
// response status instead and are not handler errors.
type Handlers interface {
	OnCreate(req *CreateRequest) error
	OnOpen(req *OpenRequest) error
	OnClose() error
}

// Server is the daemon side of the control protocol. It reads requests
// from r (the transport's inbound stream, stdin under the spawned-ssh
// transport) and writes the readiness word and responses to w (stdout).
//
// The control path is strictly sequential: one request, one response,
// no concurrency. Server has no internal locking and must not be used
// from multiple goroutines.
type Server struct {
	r io.Reader
	w io.Writer
}

// NewServer returns a Server speaking the control protocol over the
// given streams.
func NewServer(r io.Reader, w io.Writer) *Server {
	return &Server{r: r, w: w}
}

// WriteStatus writes the 4-byte startup handshake word. The daemon
// sends 0 once its collaborators are initialized and it is ready for
// requests; a nonzero word tells the client initialization failed and
// carries the OS error number when one is known.
func (s *Server) WriteStatus(word uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], word)
	if _, err := s.w.Write(b[:]); err != nil {
		return fmt.Errorf("write status word: %w", err)
	}
	return nil
}

// Process reads exactly one request and dispatches it. It returns nil
// after the handler completes, even when the handler reported a failure
// status to the client; it returns an error only for transport-level
// trouble: malformed input, connection reset, or a handler unable to
// deliver its response. The caller loops on Process until the session's
// closing flag is set or an error forces shutdown.
func (s *Server) Process(h Handlers) error {
	var msgType [1]byte
	if _, err := io.ReadFull(s.r, msgType[:]); err != nil {
		return fmt.Errorf("read request type: %w", err)
	}
	switch msgType[0] {
	case msgCreate:
		req, err := s.readCreate()
		if err != nil {
			return err
		}
		if err := h.OnCreate(req); err != nil {
			return fmt.Errorf("create handler: %w", err)
		}
	case msgOpen:
		req, err := s.readOpen()
		if err != nil {
			return err
		}
		if err := h.OnOpen(req); err != nil {
			return fmt.Errorf("open handler: %w", err)
		}
	case msgClose:
		if err := h.OnClose(); err != nil {
			return fmt.Errorf("close handler: %w", err)
		}
	default:
		return fmt.Errorf("unknown request type 0x%02x", msgType[0])
	}
	return nil
}

// readRequestFixed reads the fixed attribute block and the descriptor
// that every create and open request carries after its type byte.
func (s *Server) readRequestFixed() (desc string, size uint64, lanes uint32, provider Provider, err error) {
	var fixed [requestFixedLength]byte
	if _, err := io.ReadFull(s.r, fixed[:]); err != nil {
		return "", 0, 0, 0, fmt.Errorf("read request attributes: %w", err)
	}
	size = binary.BigEndian.Uint64(fixed[0:8])
	lanes = binary.BigEndian.Uint32(fixed[8:12])
	provider = Provider(fixed[12])
	descLen := binary.BigEndian.Uint16(fixed[13:15])
	if descLen == 0 || descLen > MaxDescriptorLength {
		return "", 0, 0, 0, fmt.Errorf("descriptor length %d out of range [1, %d]", descLen, MaxDescriptorLength)
	}
	descBytes := make([]byte, descLen)
	if _, err := io.ReadFull(s.r, descBytes); err != nil {
		return "", 0, 0, 0, fmt.Errorf("read pool descriptor: %w", err)
	}
	return string(descBytes), size, lanes, provider, nil
}

func (s *Server) readCreate() (*CreateRequest, error) {
	desc, size, lanes, provider, err := s.readRequestFixed()
	if err != nil {
		return nil, err
	}
	var attrs [poolAttributesLength]byte
	if _, err := io.ReadFull(s.r, attrs[:]); err != nil {
		return nil, fmt.Errorf("read pool attributes: %w", err)
	}
	return &CreateRequest{
		Descriptor: desc,
		PoolSize:   size,
		Lanes:      lanes,
		Provider:   provider,
		Attributes: decodePoolAttributes(attrs[:]),
	}, nil
}

func (s *Server) readOpen() (*OpenRequest, error) {
	desc, size, lanes, provider, err := s.readRequestFixed()
	if err != nil {
		return nil, err
	}
	return &OpenRequest{
		Descriptor: desc,
		PoolSize:   size,
		Lanes:      lanes,
		Provider:   provider,
	}, nil
}

// SendCreateResponse writes the response to a create request. On a
// non-OK status, resource is normally nil and the attribute block is
// sent zeroed; the frame size is the same either way.
func (s *Server) SendCreateResponse(status Status, resource *ResourceAttributes) error {
	b := make([]byte, 0, 2+resourceAttributesLength)
	b = append(b, msgCreate|respFlag, byte(status))
	b = appendResource(b, resource)
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("send create response: %w", err)
	}
	return nil
}

// SendOpenResponse writes the response to an open request. The pool's
// stored attributes are echoed only on success; pool may be nil on
// failure and the block is sent zeroed.
func (s *Server) SendOpenResponse(status Status, resource *ResourceAttributes, pool *PoolAttributes) error {
	b := make([]byte, 0, 2+resourceAttributesLength+poolAttributesLength)
	b = append(b, msgOpen|respFlag, byte(status))
	b = appendResource(b, resource)
	if pool == nil {
		pool = &PoolAttributes{}
	}
	b = appendPoolAttributes(b, pool)
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("send open response: %w", err)
	}
	return nil
}

// SendCloseResponse writes the response to a close request.
func (s *Server) SendCloseResponse(status Status) error {
	b := []byte{msgClose | respFlag, byte(status)}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("send close response: %w", err)
	}
	return nil
}

func appendResource(b []byte, resource *ResourceAttributes) []byte {
	if resource == nil {
		resource = &ResourceAttributes{}
	}
	return appendResourceAttributes(b, resource)
}
