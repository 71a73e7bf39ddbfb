package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/quietmesh/meshnet/pkg/meshlog"
)

// StatusFunc returns the current status snapshot already in the wire
// shape (StatusResult); the server sends it back unchanged.
type StatusFunc func() (StatusResult, error)

// Server answers status.get over a Unix domain socket, one connection
// and one request/response per line, following the teacher's
// pkg/rpc.Server accept-loop structure.
type Server struct {
	log        serverLogger
	socketPath string
	listener   net.Listener
	getStatus  StatusFunc
	done       chan struct{}
}

type serverLogger = interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// NewServer binds a Unix socket at socketPath, replacing any stale
// socket left behind by a previous run, and restricts it to the owner.
func NewServer(socketPath string, getStatus StatusFunc) (*Server, error) {
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("control: removing stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("control: creating socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("control: setting socket permissions: %w", err)
	}

	return &Server{
		log:        meshlog.Component("control"),
		socketPath: socketPath,
		listener:   listener,
		getStatus:  getStatus,
		done:       make(chan struct{}),
	}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	resp := Response{JSONRPC: "2.0"}
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = &Error{Code: ErrCodeParseError, Message: err.Error()}
	} else {
		resp.ID = req.ID
		result, rpcErr := s.dispatch(req)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("control: encoding response failed", "error", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Debug("control: writing response failed", "error", err)
	}
}

func (s *Server) dispatch(req Request) (interface{}, *Error) {
	switch req.Method {
	case MethodStatusGet:
		result, err := s.getStatus()
		if err != nil {
			return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
		}
		return result, nil
	default:
		return nil, &Error{Code: ErrCodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	<-s.done
	os.Remove(s.socketPath)
	return err
}
