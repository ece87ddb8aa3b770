package server_test

import (
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/jeffvan302/fileharbor/internal/config"
	"github.com/jeffvan302/fileharbor/internal/protocol"
	"github.com/jeffvan302/fileharbor/internal/server"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// dialWith is dial's counterpart for tests that need their own
// ServerConfig rather than the describe block's shared BeforeEach one.
func dialWith(cfg *config.ServerConfig, srv *server.Server, certPEM, keyPEM string) *wireClient {
	clientCert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	Expect(err).NotTo(HaveOccurred())

	pool := x509.NewCertPool()
	Expect(pool.AppendCertsFromPEM([]byte(cfg.Security.CACertificatePEM))).To(BeTrue())

	var conn net.Conn
	Eventually(func() error {
		c, dialErr := tls.Dial("tcp", srv.Addr().String(), &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      pool,
			ServerName:   "127.0.0.1",
		})
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}).Should(Succeed())
	return &wireClient{conn: conn.(*tls.Conn)}
}

var _ = Describe("Server scenarios", func() {
	var (
		libRoot   string
		ca        testCA
		libraryID = "lib-main"
	)

	BeforeEach(func() {
		libRoot = GinkgoT().TempDir()
		ca = newTestCA()
	})

	// S4: a client whose configured rate limit is far below the data it
	// tries to move should see its PUT_CHUNK calls stretch out, not fail;
	// ratelimit.Acquire blocks rather than rejecting.
	It("throttles a client to its configured rate limit instead of failing", func() {
		clientID := "throttled-client"
		serverCertPEM, serverKeyPEM := ca.issue(2, "", true)
		clientCertPEM, clientKeyPEM := ca.issue(3, clientID, false)

		cfg := &config.ServerConfig{
			Network: config.NetworkConfig{Host: "127.0.0.1", Port: 0, WorkerThreads: 4},
			Security: config.SecurityConfig{
				CACertificatePEM: pemOf(ca.cert),
				ServerCertPEM:    serverCertPEM,
				ServerKeyPEM:     serverKeyPEM,
			},
			Libraries: map[string]config.LibraryConfig{
				libraryID: {ID: libraryID, Name: "main", RootPath: libRoot, AuthorizedClientIDs: []string{clientID}},
			},
			Clients: map[string]config.ClientConfig{
				clientID: {ID: clientID, CertificatePEM: clientCertPEM, RateLimitBps: 256},
			},
			Reap: config.ReapConfig{Schedule: "@every 1h", IdleTimeoutS: 3600},
		}

		srv, err := server.New(cfg, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		go func() { _ = srv.Serve() }()
		Eventually(srv.Addr).ShouldNot(BeNil())
		defer srv.Stop()

		c := dialWith(cfg, srv, clientCertPEM, clientKeyPEM)
		var hsResp protocol.HandshakeResponse
		hdr := c.call(protocol.CmdHandshake, protocol.HandshakeRequest{LibraryID: libraryID}, &hsResp)
		Expect(hdr.StatusCode).To(BeNumerically("==", 200))

		content := make([]byte, 2048)
		for i := range content {
			content[i] = byte(i)
		}

		var startResp protocol.PutStartResponse
		hdr = c.call(protocol.CmdPutStart, protocol.PutStartRequest{
			Filepath:  "throttled.bin",
			FileSize:  int64(len(content)),
			Checksum:  sha256Hex(content),
			ChunkSize: len(content),
		}, &startResp)
		Expect(hdr.StatusCode).To(BeNumerically("==", 200))

		start := time.Now()
		msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdPutChunk, 0, protocol.PutChunkRequest{
			Filepath:     "throttled.bin",
			TempFilepath: startResp.TempFilepath,
			Offset:       0,
			ChunkSize:    len(content),
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = msg.WriteTo(c.conn)
		Expect(err).NotTo(HaveOccurred())
		_, err = c.conn.Write(content)
		Expect(err).NotTo(HaveOccurred())

		var chunkResp protocol.PutChunkResponse
		reply, err := protocol.ReadMessage(c.conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Header.StatusCode).To(BeNumerically("==", 200))
		Expect(reply.Unmarshal(&chunkResp)).To(Succeed())
		Expect(chunkResp.BytesWritten).To(Equal(len(content)))

		// 2048 bytes at a 256 B/s ceiling cannot complete in under ~7s;
		// the bucket starts full, so this only pins a lower bound, not
		// an exact duration.
		Expect(time.Since(start)).To(BeNumerically(">", 5*time.Second))
	})

	// S5: a session the reaper finds idle past its library's timeout gets
	// disconnected out from under the client — the next read fails rather
	// than hanging forever.
	It("disconnects a session once it has been idle past the reap timeout", func() {
		clientID := "idle-client"
		serverCertPEM, serverKeyPEM := ca.issue(2, "", true)
		clientCertPEM, clientKeyPEM := ca.issue(3, clientID, false)

		cfg := &config.ServerConfig{
			Network: config.NetworkConfig{Host: "127.0.0.1", Port: 0, WorkerThreads: 4},
			Security: config.SecurityConfig{
				CACertificatePEM: pemOf(ca.cert),
				ServerCertPEM:    serverCertPEM,
				ServerKeyPEM:     serverKeyPEM,
			},
			Libraries: map[string]config.LibraryConfig{
				libraryID: {ID: libraryID, Name: "main", RootPath: libRoot, AuthorizedClientIDs: []string{clientID}, IdleTimeoutS: 0},
			},
			Clients: map[string]config.ClientConfig{
				clientID: {ID: clientID, CertificatePEM: clientCertPEM},
			},
			Reap: config.ReapConfig{Schedule: "@every 100ms", IdleTimeoutS: 0},
		}

		srv, err := server.New(cfg, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		go func() { _ = srv.Serve() }()
		Eventually(srv.Addr).ShouldNot(BeNil())
		defer srv.Stop()

		c := dialWith(cfg, srv, clientCertPEM, clientKeyPEM)
		var hsResp protocol.HandshakeResponse
		hdr := c.call(protocol.CmdHandshake, protocol.HandshakeRequest{LibraryID: libraryID}, &hsResp)
		Expect(hdr.StatusCode).To(BeNumerically("==", 200))

		Eventually(func() int {
			return srv.ActiveSessions()
		}, 2*time.Second, 50*time.Millisecond).Should(Equal(0))

		Eventually(func() error {
			_, err := c.conn.Write([]byte{0})
			return err
		}, time.Second, 20*time.Millisecond).Should(HaveOccurred())
	})

	// S6: a client certificate whose serial appears in the CRL is turned
	// away at the handshake, even though the chain itself still verifies.
	It("rejects a client certificate listed in the CRL", func() {
		clientID := "revoked-client"
		serverCertPEM, serverKeyPEM := ca.issue(2, "", true)
		clientCertPEM, clientKeyPEM := ca.issue(42, clientID, false)

		cfg := &config.ServerConfig{
			Network: config.NetworkConfig{Host: "127.0.0.1", Port: 0, WorkerThreads: 4},
			Security: config.SecurityConfig{
				CACertificatePEM: pemOf(ca.cert),
				ServerCertPEM:    serverCertPEM,
				ServerKeyPEM:     serverKeyPEM,
				CRLSerials:       []int64{42},
			},
			Libraries: map[string]config.LibraryConfig{
				libraryID: {ID: libraryID, Name: "main", RootPath: libRoot, AuthorizedClientIDs: []string{clientID}},
			},
			Clients: map[string]config.ClientConfig{
				clientID: {ID: clientID, CertificatePEM: clientCertPEM},
			},
			Reap: config.ReapConfig{Schedule: "@every 1h", IdleTimeoutS: 3600},
		}
		Expect(cfg.CRLBigInts()).To(ConsistOf(big.NewInt(42)))

		srv, err := server.New(cfg, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		go func() { _ = srv.Serve() }()
		Eventually(srv.Addr).ShouldNot(BeNil())
		defer srv.Stop()

		c := dialWith(cfg, srv, clientCertPEM, clientKeyPEM)
		var hsResp protocol.HandshakeResponse
		hdr := c.call(protocol.CmdHandshake, protocol.HandshakeRequest{LibraryID: libraryID}, &hsResp)
		Expect(hdr.StatusCode).NotTo(BeNumerically("==", 200))
	})
})
