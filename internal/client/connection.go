package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
	"github.com/jeffvan302/fileharbor/internal/protocol"
)

// connection is the TLS socket to the server plus the session established
// by HANDSHAKE. It mirrors original_source's Connection: one request in
// flight at a time, enforced here with a mutex rather than relying on
// single-threaded Python call discipline, so the async façade (async.go)
// can safely invoke it from a worker goroutine.
type connection struct {
	profile   *Profile
	conn      *tls.Conn
	sessionID string

	mu        sync.Mutex
	connected bool
}

func newConnection(p *Profile) *connection {
	return &connection{profile: p}
}

// connect dials the server, performs the TLS handshake with mutual
// authentication, then the application-level HANDSHAKE exchange.
func (c *connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", c.profile.Server.Host, c.profile.Server.Port)
	dialer := &tls.Dialer{
		Config: tlsCfg,
		NetDialer: &net.Dialer{
			Timeout: time.Duration(c.profile.Connection.TimeoutS) * time.Second,
		},
	}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return ferrors.Wrap(ferrors.KindConnection, err, "failed to connect to "+addr)
	}

	tlsConn, ok := rawConn.(*tls.Conn)
	if !ok {
		rawConn.Close()
		return ferrors.New(ferrors.KindConnection, "dialer did not return a TLS connection")
	}
	c.conn = tlsConn

	sessionID, err := c.handshakeLocked()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}
	c.sessionID = sessionID
	c.connected = true
	return nil
}

func (c *connection) tlsConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(c.profile.Security.CertificatePEM), []byte(c.profile.Security.PrivateKeyPEM))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindCertificate, err, "loading client certificate")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(c.profile.Security.CACertificatePEM)) {
		return nil, ferrors.New(ferrors.KindCertificate, "failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   c.profile.Server.Host,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// handshakeLocked performs the application-level HANDSHAKE exchange.
// Callers must hold c.mu.
func (c *connection) handshakeLocked() (string, error) {
	msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdHandshake, 0, protocol.HandshakeRequest{
		LibraryID: c.profile.LibraryID,
	})
	if err != nil {
		return "", err
	}
	if _, err := msg.WriteTo(c.conn); err != nil {
		return "", ferrors.Wrap(ferrors.KindConnection, err, "failed to send handshake")
	}

	reply, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return "", err
	}
	if reply.Header.StatusCode != 200 {
		return "", ferrors.New(ferrors.KindAuthentication, fmt.Sprintf("handshake rejected, status %d", reply.Header.StatusCode))
	}

	var resp protocol.HandshakeResponse
	if err := reply.Unmarshal(&resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", ferrors.New(ferrors.KindAuthentication, "handshake response carried no session id")
	}
	return resp.SessionID, nil
}

// disconnect sends DISCONNECT and closes the socket, tolerating any error
// from the notification itself the way original_source's disconnect does.
func (c *connection) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	if msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdDisconnect, 0, nil); err == nil {
		if _, err := msg.WriteTo(c.conn); err == nil {
			_, _ = protocol.ReadMessage(c.conn)
		}
	}
	c.closeLocked()
}

func (c *connection) closeLocked() {
	c.connected = false
	c.sessionID = ""
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *connection) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// call sends a request and returns the decoded response, enforcing that
// exactly one request/response pair is in flight on this connection at a
// time, per spec.md §4.10. req may be nil for commands with no body.
func (c *connection) call(cmd protocol.Command, req any, resp any) (protocol.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return protocol.Header{}, ferrors.New(ferrors.KindConnection, "not connected")
	}

	msg, err := protocol.NewMessage(protocol.KindRequest, cmd, 0, req)
	if err != nil {
		return protocol.Header{}, err
	}
	if _, err := msg.WriteTo(c.conn); err != nil {
		return protocol.Header{}, ferrors.Wrap(ferrors.KindConnection, err, "failed to send request")
	}

	reply, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return protocol.Header{}, err
	}
	if reply.Header.StatusCode != 200 {
		var errBody protocol.ErrorBody
		_ = reply.Unmarshal(&errBody)
		return reply.Header, ferrors.New(kindForStatus(reply.Header.StatusCode), errBody.Error)
	}
	if resp != nil {
		if err := reply.Unmarshal(resp); err != nil {
			return reply.Header, err
		}
	}
	return reply.Header, nil
}

// kindForStatus recovers an approximate ferrors.Kind from a wire status
// code. The wire only carries the HTTP-borrowed status and a human message
// (see ErrorBody), not the original Kind string, so distinct kinds that
// share a status (FileExists/DirectoryNotEmpty both 409, FileLocked/
// LibraryInUse both 423) collapse to one representative; callers needing
// to distinguish them should match on the message text.
func kindForStatus(status int32) ferrors.Kind {
	switch status {
	case 400:
		return ferrors.KindInvalidPath
	case 401:
		return ferrors.KindAuthentication
	case 403:
		return ferrors.KindLibraryAccessDenied
	case 404:
		return ferrors.KindFileNotFound
	case 409:
		return ferrors.KindFileExists
	case 423:
		return ferrors.KindFileLocked
	case 429:
		return ferrors.KindRateLimitExceeded
	case 507:
		return ferrors.KindDiskFull
	default:
		return ferrors.KindInternal
	}
}

// ping sends PING and reports whether the server answered with PING.
func (c *connection) ping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false
	}
	msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdPing, 0, nil)
	if err != nil {
		return false
	}
	if _, err := msg.WriteTo(c.conn); err != nil {
		return false
	}
	reply, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return false
	}
	return reply.Header.Command == protocol.CmdPing
}
