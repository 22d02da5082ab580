package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotConnected = errors.New("broker: sidecar not connected")
	ErrStopped      = errors.New("broker: stopped")
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	dialTimeout   = 5 * time.Second
)

// Client maintains one connection to the detection sidecar over its unix
// socket. Requests are correlated to responses by id; a broken connection
// errors out every pending request and reconnects with backoff.
type Client struct {
	socketPath string
	authKey    []byte

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan Response

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClient(socketPath string, authKey []byte) *Client {
	return &Client{
		socketPath: socketPath,
		authKey:    authKey,
		pending:    make(map[string]chan Response),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the connect/read loop. Fatal only if the socket path is
// unusable; connection failures retry forever.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}

// Connected reports whether the sidecar link is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Call sends one request and blocks for its response or ctx expiry. The
// returned response may itself carry a sidecar-side Error.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	respChan := make(chan Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Response{}, ErrNotConnected
	}
	c.pending[req.ID] = respChan
	err := writeFrame(conn, req)
	c.mu.Unlock()

	if err != nil {
		c.dropPending(req.ID)
		conn.Close()
		return Response{}, fmt.Errorf("broker send: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return resp, fmt.Errorf("sidecar: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(req.ID)
		return Response{}, ctx.Err()
	case <-c.stopChan:
		c.dropPending(req.ID)
		return Response{}, ErrStopped
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) run() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			attempt++
			backoff := reconnectBackoff(attempt)
			log.Printf("[WARN] [Broker] connect %s failed (attempt %d): %v, retrying in %s",
				c.socketPath, attempt, err, backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-c.stopChan:
				return
			}
		}
		attempt = 0
		log.Printf("[Broker] connected to sidecar at %s", c.socketPath)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(conn)

		// Connection gone. Fail whatever is still waiting.
		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			ch <- Response{ID: id, Error: "sidecar connection lost"}
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}
}

// connect dials the socket and completes the challenge/response handshake.
func (c *Client) connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))

	var ch challengeMsg
	if err := readFrame(conn, &ch); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	mac, err := proveChallenge(c.authKey, ch.Challenge)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, proofMsg{MAC: mac}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send proof: %w", err)
	}
	var ack handshakeAck
	if err := readFrame(conn, &ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake ack: %w", err)
	}
	if !ack.OK {
		conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s", ack.Error)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		var resp Response
		if err := readFrame(conn, &resp); err != nil {
			select {
			case <-c.stopChan:
			default:
				log.Printf("[WARN] [Broker] read failed: %v", err)
			}
			conn.Close()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		} else {
			log.Printf("[DEBUG] [Broker] response for unknown request %s dropped", resp.ID)
		}
	}
}

func reconnectBackoff(attempt int) time.Duration {
	d := reconnectBase << (attempt - 1)
	if d > reconnectCap || d <= 0 {
		return reconnectCap
	}
	return d
}
