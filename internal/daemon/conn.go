package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/g960059/vlab/internal/cmdtree"
	"github.com/g960059/vlab/internal/experiment"
	"github.com/g960059/vlab/internal/scpi"
)

const lineTerminator = "\n"

// ConnectionError is an I/O failure that ends one connection. The session
// behind it is left intact.
type ConnectionError struct {
	Port   int
	Remote string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("port %d %s %s: %v", e.Port, e.Remote, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// clientIdentity is the peer address without port or IPv6 zone.
func clientIdentity(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) handleConn(port int, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close() //nolint:errcheck

	identity := clientIdentity(conn.RemoteAddr())
	logger := s.logger.With("port", port, "client", identity, "remote", conn.RemoteAddr().String())

	session, release, err := s.registry.Acquire(identity)
	if err != nil {
		logger.Warn("connection refused", "error", err)
		return
	}
	defer release()

	s.metrics.ConnectionOpened(port)
	defer s.metrics.ConnectionClosed(port)
	logger.Debug("connection opened", "session", session.ID)

	err = s.serveLines(port, conn, session, logger)
	var cerr *ConnectionError
	switch {
	case err == nil:
		logger.Debug("connection closed", "session", session.ID)
	case errors.As(err, &cerr) && s.closing.Load():
		logger.Debug("connection closed on shutdown", "session", session.ID)
	default:
		logger.Info("connection ended", "session", session.ID, "error", err)
	}
}

// serveLines runs the read, dispatch, reply loop. It returns nil on peer
// close.
func (s *Server) serveLines(port int, conn net.Conn, session *experiment.Session, logger *slog.Logger) error {
	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	initial := 4096
	if s.cfg.MaxLineLength < initial {
		initial = s.cfg.MaxLineLength
	}
	scanner.Buffer(make([]byte, 0, initial), s.cfg.MaxLineLength)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		start := time.Now()
		reply, err := session.Dispatch(port, line)
		if err != nil {
			return &ConnectionError{Port: port, Remote: remote, Op: "dispatch", Err: err}
		}
		s.record(port, session, reply.Failures, time.Since(start), logger)
		if !reply.HasReply() {
			continue
		}
		if err := s.writeLine(conn, reply.Reply()); err != nil {
			return &ConnectionError{Port: port, Remote: remote, Op: "write", Err: err}
		}
	}

	err := scanner.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bufio.ErrTooLong):
		msg := scpi.FormatError(scpi.CodeInputBufferOverrun, fmt.Sprintf("line exceeds %d bytes", s.cfg.MaxLineLength))
		_ = s.writeLine(conn, msg)
		return &ConnectionError{Port: port, Remote: remote, Op: "read", Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	default:
		return &ConnectionError{Port: port, Remote: remote, Op: "read", Err: err}
	}
}

func (s *Server) writeLine(conn net.Conn, text string) error {
	if s.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(conn, text+lineTerminator)
	return err
}

func (s *Server) record(port int, session *experiment.Session, failures []cmdtree.Failure, took time.Duration, logger *slog.Logger) {
	var errs []error
	if len(failures) > 0 {
		errs = make([]error, 0, len(failures))
		for _, f := range failures {
			errs = append(errs, f.Err)
			if f.Reported {
				logger.Debug("command failed", "command", f.Command, "error", f.Err)
			} else {
				logger.Warn("command failed", "command", f.Command, "error", f.Err)
			}
		}
	}
	s.metrics.RecordDispatch(port, took, errs)
	if s.journal != nil {
		s.journal.RecordFailures(session.ID, port, failures)
	}
}
