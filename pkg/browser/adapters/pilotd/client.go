package pilotd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxFrameBytes bounds a single daemon frame; screenshots dominate.
const maxFrameBytes = 32 << 20

type client struct {
	conn net.Conn
	mu   sync.Mutex
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn}
}

func (c *client) close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// send writes one request and blocks until its response arrives, skipping
// interleaved events. Calls are serialized on the connection.
func (c *client) send(ctx context.Context, req *request) (*response, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("pilotd connection unavailable")
	}
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := applyDeadline(c.conn, ctx); err != nil {
		return nil, err
	}
	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	for {
		raw, err := readFrame(c.conn)
		if err != nil {
			return nil, err
		}
		var head frame
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode pilotd frame: %w", err)
		}
		if head.Event != "" {
			continue
		}
		if head.RequestID != req.RequestID {
			// Stale response from an abandoned call; skip it.
			continue
		}
		resp := &response{}
		if err := json.Unmarshal(raw, resp); err != nil {
			return nil, fmt.Errorf("decode pilotd response: %w", err)
		}
		return resp, nil
	}
}

func applyDeadline(conn net.Conn, ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(deadline)
	}
	return conn.SetDeadline(time.Time{})
}

func writeFrame(conn net.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("message too large")
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if length > maxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
	}
	data := make([]byte, int(length))
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}
