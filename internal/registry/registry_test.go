package registry_test

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
	"github.com/jeffvan302/fileharbor/internal/registry"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Registry", func() {
	var r *registry.Registry

	BeforeEach(func() {
		r = registry.New(logr.Discard())
	})

	Describe("library locking", func() {
		It("grants a second session from the same client", func() {
			_, err := r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())

			_, err = r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses a different client the same library", func() {
			_, err := r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())

			_, err = r.CreateSession("client-b", "lib1")
			Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindLibraryInUse))
		})

		It("releases the library lock when the owning session closes", func() {
			s, err := r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())
			r.CloseSession(s.ID)

			_, err = r.CreateSession("client-b", "lib1")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("file locking", func() {
		var sA, sB *registry.Session

		BeforeEach(func() {
			var err error
			sA, err = r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())
			sB, err = r.CreateSession("client-b", "lib2")
			Expect(err).NotTo(HaveOccurred())
		})

		It("allows only one session to hold a file lock at a time", func() {
			Expect(r.LockFile(sA.ID, "/lib1/a.bin")).To(Succeed())
			err := r.LockFile(sB.ID, "/lib1/a.bin")
			Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindFileLocked))
		})

		It("is idempotent for the same session re-locking the same path", func() {
			Expect(r.LockFile(sA.ID, "/lib1/a.bin")).To(Succeed())
			Expect(r.LockFile(sA.ID, "/lib1/a.bin")).To(Succeed())
		})

		It("releases the file lock on unlock and lets another session acquire it", func() {
			Expect(r.LockFile(sA.ID, "/lib1/a.bin")).To(Succeed())
			r.UnlockFile(sA.ID, "/lib1/a.bin")
			Expect(r.LockFile(sB.ID, "/lib1/a.bin")).To(Succeed())
		})

		It("releases all held file locks when the session closes", func() {
			Expect(r.LockFile(sA.ID, "/lib1/a.bin")).To(Succeed())
			r.CloseSession(sA.ID)
			Expect(r.LockFile(sB.ID, "/lib1/a.bin")).To(Succeed())
		})
	})

	Describe("transfer state", func() {
		It("tracks progress and clamps it to the expected size", func() {
			s, err := r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.LockFile(s.ID, "/lib1/a.bin")).To(Succeed())

			_, err = r.StartTransfer(s.ID, "/lib1/a.bin", "/lib1/.tmp", 10, "deadbeef", 4, 0)
			Expect(err).NotTo(HaveOccurred())

			r.UpdateTransfer(s.ID, "/lib1/a.bin", 4)
			t, ok := r.GetTransfer(s.ID, "/lib1/a.bin")
			Expect(ok).To(BeTrue())
			Expect(t.BytesReceived).To(Equal(int64(4)))

			r.UpdateTransfer(s.ID, "/lib1/a.bin", 100)
			t, _ = r.GetTransfer(s.ID, "/lib1/a.bin")
			Expect(t.BytesReceived).To(Equal(int64(10)))

			r.CompleteTransfer(s.ID, "/lib1/a.bin")
			_, ok = r.GetTransfer(s.ID, "/lib1/a.bin")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("idle reaping", func() {
		It("closes sessions idle past the timeout and releases their locks", func() {
			s, err := r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.LockFile(s.ID, "/lib1/a.bin")).To(Succeed())

			s.LastActivity = time.Now().Add(-time.Hour)

			closed := 0
			s.Close = func() { closed++ }

			n := r.ReapIdle(time.Minute)
			Expect(n).To(Equal(1))
			Expect(closed).To(Equal(1))
			Expect(r.Count()).To(Equal(0))

			_, err = r.CreateSession("client-b", "lib1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.LockFile("whatever-session", "/lib1/a.bin")).To(Succeed())
		})

		It("leaves active sessions alone", func() {
			_, err := r.CreateSession("client-a", "lib1")
			Expect(err).NotTo(HaveOccurred())

			n := r.ReapIdle(time.Minute)
			Expect(n).To(Equal(0))
			Expect(r.Count()).To(Equal(1))
		})
	})
})
