package client

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"rtindex/pkg/common"
	"rtindex/pkg/core/indexer"
	"rtindex/pkg/domain"
	"rtindex/pkg/protocol"
)

const dialTimeout = 5 * time.Second

type Client struct {
	mu   sync.Mutex
	conn net.Conn
	addr string
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn: conn,
		addr: addr,
	}, nil
}

// Ingest sends one tuple. A zero timeHint lets the server stamp arrival time.
func (c *Client) Ingest(key int64, tuple []byte, timeHint int64) error {
	keyBuf := protocol.PutInt64s(key)
	if timeHint != 0 {
		keyBuf = protocol.PutInt64s(key, timeHint)
	}
	// not retried after a lost response: the tuple may already be indexed
	_, err := c.roundTrip(protocol.OpIngest, keyBuf, tuple, false)
	return err
}

// Query returns the tuples with keys in [left, right]. A nil window matches
// any arrival time.
func (c *Client) Query(left, right int64, window *domain.TimeDomain) ([][]byte, error) {
	pkg, err := c.roundTrip(protocol.OpQuery, protocol.PutInt64s(left, right), encodeWindow(window), true)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeTuples(pkg.Value)
}

// QueryBox returns the tuples indexed under any Z-code cell of the
// lon/lat box.
func (c *Client) QueryBox(lonLow, lonHigh, latLow, latHigh float64, window *domain.TimeDomain) ([][]byte, error) {
	pkg, err := c.roundTrip(protocol.OpQueryBox, protocol.PutFloat64s(lonLow, lonHigh, latLow, latHigh), encodeWindow(window), true)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeTuples(pkg.Value)
}

func (c *Client) Clean(d domain.Domain[common.KeyType]) error {
	key := protocol.PutInt64s(int64(d.Key.Lower), int64(d.Key.Upper))
	val := protocol.PutInt64s(d.Time.Start, d.Time.End)
	_, err := c.roundTrip(protocol.OpClean, key, val, true)
	return err
}

func (c *Client) Domains() ([]indexer.TreeInfo[common.KeyType], error) {
	pkg, err := c.roundTrip(protocol.OpDomains, nil, nil, true)
	if err != nil {
		return nil, err
	}
	var infos []indexer.TreeInfo[common.KeyType]
	if err := json.Unmarshal(pkg.Value, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func encodeWindow(w *domain.TimeDomain) []byte {
	if w == nil {
		return nil
	}
	return protocol.PutInt64s(w.Start, w.End)
}

// roundTrip sends one request and reads its response. A failed write is
// always retried once on a fresh connection; a failed read only when
// retryRead is set.
func (c *Client) roundTrip(op byte, key, val []byte, retryRead bool) (*protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := protocol.Encode(c.conn, op, key, val); err != nil {
		return c.reconnectAndRetry(op, key, val)
	}
	pkg, err := protocol.Decode(c.conn)
	if err != nil {
		if retryRead {
			return c.reconnectAndRetry(op, key, val)
		}
		return nil, err
	}
	return checkResponse(pkg)
}

func (c *Client) reconnectAndRetry(op byte, key, val []byte) (*protocol.Packet, error) {
	c.conn.Close()
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	// Re-send
	if err := protocol.Encode(c.conn, op, key, val); err != nil {
		return nil, err
	}
	// Re-read
	pkg, err := protocol.Decode(c.conn)
	if err != nil {
		return nil, err
	}
	return checkResponse(pkg)
}

func checkResponse(pkg *protocol.Packet) (*protocol.Packet, error) {
	switch pkg.Op {
	case protocol.RespOK, protocol.RespVal:
		return pkg, nil
	case protocol.RespErr:
		return nil, errors.New(string(pkg.Value))
	default:
		return nil, errors.New("unknown response")
	}
}
