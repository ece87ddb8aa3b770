package client_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	fhclient "github.com/jeffvan302/fileharbor/internal/client"
	"github.com/jeffvan302/fileharbor/internal/config"
	"github.com/jeffvan302/fileharbor/internal/server"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var uidOID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newTestCA() testCA {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fileharbor-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	Expect(err).NotTo(HaveOccurred())
	cert, err := x509.ParseCertificate(der)
	Expect(err).NotTo(HaveOccurred())
	return testCA{cert: cert, key: key}
}

func (ca testCA) issue(serial int64, uid string, isServer bool) (certPEM, keyPEM string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())

	subject := pkix.Name{CommonName: "fileharbor-test-leaf"}
	extKeyUsage := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	if isServer {
		extKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		subject.ExtraNames = []pkix.AttributeTypeAndValue{{Type: uidOID, Value: uid}}
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           extKeyUsage,
		BasicConstraintsValid: true,
		DNSNames:              []string{"127.0.0.1"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	Expect(err).NotTo(HaveOccurred())

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	return certPEM, keyPEM
}

func pemOf(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

var _ = Describe("Client against a live server", func() {
	const libraryID = "lib-main"
	const clientID = "integration-client"

	var (
		libRoot string
		srv     *server.Server
		prof    *fhclient.Profile
	)

	BeforeEach(func() {
		libRoot = GinkgoT().TempDir()

		ca := newTestCA()
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
				clientID: {ID: clientID, CertificatePEM: clientCertPEM},
			},
			Reap: config.ReapConfig{Schedule: "@every 1h", IdleTimeoutS: 3600},
		}

		var err error
		srv, err = server.New(cfg, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		go func() { _ = srv.Serve() }()
		Eventually(srv.Addr).ShouldNot(BeNil())

		addr := srv.Addr().(*net.TCPAddr)
		prof = &fhclient.Profile{
			LibraryID:  libraryID,
			Server:     fhclient.ServerAddr{Host: "127.0.0.1", Port: addr.Port},
			Connection: fhclient.ConnectionConfig{TimeoutS: 5},
			Transfer:   fhclient.TransferConfig{ChunkSize: 8},
			Security: fhclient.ClientSecurityConfig{
				CACertificatePEM: pemOf(ca.cert),
				CertificatePEM:   clientCertPEM,
				PrivateKeyPEM:    clientKeyPEM,
			},
		}
	})

	AfterEach(func() {
		srv.Stop()
	})

	It("connects and reports a session", func() {
		c := fhclient.New(prof)
		Expect(c.Connect()).To(Succeed())
		defer c.Disconnect()
		Expect(c.IsConnected()).To(BeTrue())
	})

	It("uploads and downloads a file with a matching checksum", func() {
		c := fhclient.New(prof)
		Expect(c.Connect()).To(Succeed())
		defer c.Disconnect()

		localSrc := filepath.Join(GinkgoT().TempDir(), "source.bin")
		content := make([]byte, 5000)
		for i := range content {
			content[i] = byte(i % 251)
		}
		Expect(os.WriteFile(localSrc, content, 0o644)).To(Succeed())

		var progressCalls int
		cb := func(fhclient.Progress) { progressCalls++ }

		Expect(c.Upload(localSrc, "data/source.bin", true, cb)).To(Succeed())
		Expect(filepath.Join(libRoot, "data", "source.bin")).To(BeAnExistingFile())

		localDst := filepath.Join(GinkgoT().TempDir(), "dest.bin")
		Expect(c.Download("data/source.bin", localDst, true, cb)).To(Succeed())

		got, err := os.ReadFile(localDst)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(content))
	})

	It("resumes an upload interrupted partway through", func() {
		c := fhclient.New(prof)
		Expect(c.Connect()).To(Succeed())
		defer c.Disconnect()

		localSrc := filepath.Join(GinkgoT().TempDir(), "resume.bin")
		content := make([]byte, 4096)
		for i := range content {
			content[i] = byte(i % 17)
		}
		Expect(os.WriteFile(localSrc, content, 0o644)).To(Succeed())

		// Leave the first half in the server's temp file, as an earlier
		// attempt cut off mid-transfer would.
		Expect(os.WriteFile(filepath.Join(libRoot, ".fharbor_tmp_resume.bin"), content[:2048], 0o644)).To(Succeed())

		Expect(c.Upload(localSrc, "resume.bin", true, nil)).To(Succeed())

		got, err := os.ReadFile(filepath.Join(libRoot, "resume.bin"))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(content))

		exists, err := c.Exists("resume.bin")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())

		sum, err := c.Checksum("resume.bin")
		Expect(err).NotTo(HaveOccurred())
		Expect(sum).NotTo(BeEmpty())
	})

	It("lists, stats, and deletes a remote file", func() {
		c := fhclient.New(prof)
		Expect(c.Connect()).To(Succeed())
		defer c.Disconnect()

		localSrc := filepath.Join(GinkgoT().TempDir(), "listed.txt")
		Expect(os.WriteFile(localSrc, []byte("listed"), 0o644)).To(Succeed())
		Expect(c.Upload(localSrc, "listed.txt", false, nil)).To(Succeed())

		entries, err := c.List("", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).NotTo(BeEmpty())

		info, err := c.Stat("listed.txt")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Size).To(Equal(int64(len("listed"))))

		Expect(c.Delete("listed.txt")).To(Succeed())
		exists, err := c.Exists("listed.txt")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())
	})

	It("offloads an upload asynchronously", func() {
		c := fhclient.New(prof)
		Expect(c.Connect()).To(Succeed())
		defer c.Disconnect()

		localSrc := filepath.Join(GinkgoT().TempDir(), "async.bin")
		Expect(os.WriteFile(localSrc, []byte("async content"), 0o644)).To(Succeed())

		async := fhclient.NewAsync(c)
		result := <-async.Upload(localSrc, "async.bin", true, nil)
		Expect(result.Err).NotTo(HaveOccurred())
	})
})
