package testutil

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const lineTimeout = 3 * time.Second

// LineClient speaks the newline-terminated instrument protocol.
type LineClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func DialLine(t *testing.T, addr string) *LineClient {
	t.Helper()
	return DialLineFrom(t, "", addr)
}

// DialLineFrom dials addr from localIP so tests can act as distinct clients.
// The test is skipped when localIP cannot be bound.
func DialLineFrom(t *testing.T, localIP, addr string) *LineClient {
	t.Helper()
	d := net.Dialer{Timeout: lineTimeout}
	if localIP != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(localIP)}
	}
	conn, err := d.Dial("tcp", addr)
	if err != nil && localIP != "" {
		t.Skipf("cannot dial from %s: %v", localIP, err)
	}
	require.NoError(t, err, "dial %s", addr)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &LineClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *LineClient) Send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(lineTimeout)), "set write deadline")
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err, "write %q", line)
}

// ReadLine returns the next reply line without its terminator.
func (c *LineClient) ReadLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(lineTimeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *LineClient) Query(line string) string {
	c.t.Helper()
	c.Send(line)
	reply, err := c.ReadLine()
	require.NoError(c.t, err, "read reply to %q", line)
	return reply
}

func (c *LineClient) Close() error {
	return c.conn.Close()
}
