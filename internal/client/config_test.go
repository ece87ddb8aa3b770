package client_test

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jeffvan302/fileharbor/internal/client"
	"github.com/jeffvan302/fileharbor/internal/config"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Profile", func() {
	writeProfile := func(dir string, p client.Profile) string {
		path := filepath.Join(dir, "client.json")
		raw, err := json.Marshal(p)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(path, raw, 0o644)).To(Succeed())
		return path
	}

	validProfile := func() client.Profile {
		return client.Profile{
			LibraryID: "lib-main",
			Server:    client.ServerAddr{Host: "127.0.0.1", Port: 9443},
			Security: client.ClientSecurityConfig{
				CACertificatePEM: "ca-pem",
				CertificatePEM:   "cert-pem",
				PrivateKeyPEM:    "key-pem",
			},
		}
	}

	It("fills in chunk size and timeout defaults when omitted", func() {
		path := writeProfile(GinkgoT().TempDir(), validProfile())

		p, err := client.LoadProfile(path, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Transfer.ChunkSize).To(Equal(client.DefaultChunkSize))
		Expect(p.Connection.TimeoutS).To(Equal(client.DefaultTimeoutS))
	})

	It("rejects a profile missing a library id", func() {
		p := validProfile()
		p.LibraryID = ""
		path := writeProfile(GinkgoT().TempDir(), p)

		_, err := client.LoadProfile(path, "")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a profile with an invalid port", func() {
		p := validProfile()
		p.Server.Port = 0
		path := writeProfile(GinkgoT().TempDir(), p)

		_, err := client.LoadProfile(path, "")
		Expect(err).To(HaveOccurred())
	})

	It("loads a password-encrypted profile transparently", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "client.json.enc")

		raw, err := json.Marshal(validProfile())
		Expect(err).NotTo(HaveOccurred())

		envelope, err := config.Encrypt(raw, "s3cret")
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(path, envelope, 0o600)).To(Succeed())

		p, err := client.LoadProfile(path, "s3cret")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.LibraryID).To(Equal("lib-main"))
	})
})
