package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"rtindex/pkg/common"
	"rtindex/pkg/core/indexer"
	"rtindex/pkg/domain"
	"rtindex/pkg/protocol"
)

// Backend is what the TCP front end needs from the pipeline.
type Backend interface {
	Ingest(ctx context.Context, key common.KeyType, tuple []byte, timeHint int64) error
	Query(ctx context.Context, left, right common.KeyType, window *domain.TimeDomain) ([][]byte, error)
	QueryRanges(ctx context.Context, ranges []common.ZRange, window *domain.TimeDomain) ([][]byte, error)
	Clean(ctx context.Context, d domain.Domain[common.KeyType]) error
	Domains() []indexer.TreeInfo[common.KeyType]
}

const requestTimeout = 10 * time.Second

type TCPServer struct {
	backend Backend
	city    *common.City

	mu       sync.Mutex
	listener net.Listener
}

// NewTCPServer serves backend. city may be nil, in which case box queries
// are refused.
func NewTCPServer(backend Backend, city *common.City) *TCPServer {
	return &TCPServer{backend: backend, city: city}
}

func (s *TCPServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections until the listener is closed.
func (s *TCPServer) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	log.Printf("[TCP] Listening on %s (Binary Protocol)", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[TCP] Accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *TCPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[TCP] Decode error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		op, payload, err := s.dispatch(req)
		if err != nil {
			op, payload = protocol.RespErr, []byte(err.Error())
		}
		if err := protocol.Encode(conn, op, nil, payload); err != nil {
			log.Printf("[TCP] Write error to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *TCPServer) dispatch(req *protocol.Packet) (byte, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Op {
	case protocol.OpIngest:
		vs, err := protocol.Int64s(req.Key, 1)
		if err != nil {
			return 0, nil, err
		}
		var hint int64
		if len(req.Key) >= 16 {
			hv, _ := protocol.Int64s(req.Key[8:], 1)
			hint = hv[0]
		}
		if err := s.backend.Ingest(ctx, common.KeyType(vs[0]), req.Value, hint); err != nil {
			return 0, nil, err
		}
		return protocol.RespOK, nil, nil

	case protocol.OpQuery:
		vs, err := protocol.Int64s(req.Key, 2)
		if err != nil {
			return 0, nil, err
		}
		window, err := decodeWindow(req.Value)
		if err != nil {
			return 0, nil, err
		}
		tuples, err := s.backend.Query(ctx, common.KeyType(vs[0]), common.KeyType(vs[1]), window)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, protocol.EncodeTuples(tuples), nil

	case protocol.OpQueryBox:
		if s.city == nil {
			return 0, nil, errors.New("box queries are not configured")
		}
		box, err := protocol.Float64s(req.Key, 4)
		if err != nil {
			return 0, nil, err
		}
		window, err := decodeWindow(req.Value)
		if err != nil {
			return 0, nil, err
		}
		ranges, err := s.city.ZRanges(box[0], box[1], box[2], box[3])
		if err != nil {
			return 0, nil, err
		}
		tuples, err := s.backend.QueryRanges(ctx, ranges, window)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, protocol.EncodeTuples(tuples), nil

	case protocol.OpClean:
		keys, err := protocol.Int64s(req.Key, 2)
		if err != nil {
			return 0, nil, err
		}
		times, err := protocol.Int64s(req.Value, 2)
		if err != nil {
			return 0, nil, err
		}
		d := domain.New(
			domain.NewKeyDomain(common.KeyType(keys[0]), common.KeyType(keys[1])),
			domain.NewTimeDomain(times[0], times[1]),
		)
		if err := s.backend.Clean(ctx, d); err != nil {
			return 0, nil, err
		}
		return protocol.RespOK, nil, nil

	case protocol.OpDomains:
		data, err := json.Marshal(s.backend.Domains())
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, data, nil
	}
	return 0, nil, errors.New("unknown op")
}

func decodeWindow(b []byte) (*domain.TimeDomain, error) {
	if len(b) == 0 {
		return nil, nil
	}
	vs, err := protocol.Int64s(b, 2)
	if err != nil {
		return nil, err
	}
	w := domain.NewTimeDomain(vs[0], vs[1])
	return &w, nil
}
