package clientproto

import (
	"bufio"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/logging"
)

// Handler answers one decoded Request; implemented by cmd/requestd's
// dispatcher, which forwards to the Task Manager's event queue.
type Handler func(Request) Response

// Server accepts command connections on a Unix socket, one request per
// connection (matching the teacher's internal/ipc/server_unix.go Start/
// Stop/acceptLoop/handleConnection shape).
type Server struct {
	handler  Handler
	log      *logging.Logger
	listener net.Listener
	wg       sync.WaitGroup
	closing  chan struct{}
}

// NewServer listens on network/address and dispatches decoded requests to
// handler.
func NewServer(network, address string, handler Handler, log *logging.Logger) (*Server, error) {
	os.Remove(address)
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		os.Chmod(address, 0o600)
	}
	return &Server{handler: handler, log: log, listener: ln, closing: make(chan struct{})}, nil
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() {
	close(s.closing)
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if err != io.EOF && s.log != nil {
			s.log.Warn().Err(err).Msg("clientproto: failed to read request")
		}
		return
	}

	req, err := DecodeRequest(line)
	if err != nil {
		resp, _ := EncodeResponse(Response{ErrorCode: 1, Error: "malformed request"})
		conn.Write(resp)
		return
	}

	resp := s.handler(req)
	data, err := EncodeResponse(resp)
	if err != nil {
		return
	}
	conn.Write(data)
}
