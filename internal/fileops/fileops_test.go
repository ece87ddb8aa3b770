package fileops_test

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jeffvan302/fileharbor/internal/checksum"
	"github.com/jeffvan302/fileharbor/internal/ferrors"
	"github.com/jeffvan302/fileharbor/internal/fileops"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Backend", func() {
	var (
		root string
		b    *fileops.Backend
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		b = fileops.New()
	})

	Describe("upload lifecycle", func() {
		It("uploads, verifies checksum, and promotes to the final path", func() {
			target := filepath.Join(root, "data.bin")
			content := strings.Repeat("fileharbor", 1000)
			want, err := checksum.Reader(strings.NewReader(content))
			Expect(err).NotTo(HaveOccurred())

			tempPath, offset, err := b.StartUpload(target, int64(len(content)), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(offset).To(Equal(int64(0)))
			Expect(filepath.Base(tempPath)).To(HavePrefix(fileops.TempPrefix))

			n, err := b.WriteChunk(tempPath, 0, []byte(content))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(len(content)))

			Expect(b.CompleteUpload(tempPath, target, want, nil)).To(Succeed())
			Expect(target).To(BeAnExistingFile())
			Expect(tempPath).NotTo(BeAnExistingFile())

			gotSize, gotSum, err := b.StartDownload(target)
			Expect(err).NotTo(HaveOccurred())
			Expect(gotSize).To(Equal(int64(len(content))))
			Expect(gotSum).To(Equal(want))
		})

		It("rejects a checksum mismatch and removes the temp file", func() {
			target := filepath.Join(root, "data.bin")
			tempPath, _, err := b.StartUpload(target, 5, false)
			Expect(err).NotTo(HaveOccurred())

			_, err = b.WriteChunk(tempPath, 0, []byte("hello"))
			Expect(err).NotTo(HaveOccurred())

			err = b.CompleteUpload(tempPath, target, strings.Repeat("0", 64), nil)
			Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindChecksumMismatch))
			Expect(tempPath).NotTo(BeAnExistingFile())
			Expect(target).NotTo(BeAnExistingFile())
		})

		It("resumes from the existing temp file's size", func() {
			target := filepath.Join(root, "data.bin")
			tempPath, _, err := b.StartUpload(target, 8, false)
			Expect(err).NotTo(HaveOccurred())
			_, err = b.WriteChunk(tempPath, 0, []byte("aaaa"))
			Expect(err).NotTo(HaveOccurred())

			resumedPath, offset, err := b.StartUpload(target, 8, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumedPath).To(Equal(tempPath))
			Expect(offset).To(Equal(int64(4)))
		})

		It("rejects a fresh upload when the target already exists", func() {
			target := filepath.Join(root, "data.bin")
			Expect(os.WriteFile(target, []byte("x"), 0o644)).To(Succeed())

			_, _, err := b.StartUpload(target, 1, false)
			Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindFileExists))
		})
	})

	Describe("ReadChunk", func() {
		It("returns fewer bytes than requested at EOF", func() {
			target := filepath.Join(root, "short.bin")
			Expect(os.WriteFile(target, []byte("abc"), 0o644)).To(Succeed())

			data, err := b.ReadChunk(target, 0, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("abc")))
		})

		It("errors FileNotFound for a missing file", func() {
			_, err := b.ReadChunk(filepath.Join(root, "nope"), 0, 10)
			Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindFileNotFound))
		})
	})

	Describe("Delete", func() {
		It("is idempotently safe: deleting a missing file is FileNotFound and changes nothing", func() {
			err := b.Delete(filepath.Join(root, "nope"))
			Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindFileNotFound))

			entries, readErr := os.ReadDir(root)
			Expect(readErr).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("removes an existing file", func() {
			target := filepath.Join(root, "gone.bin")
			Expect(os.WriteFile(target, []byte("x"), 0o644)).To(Succeed())
			Expect(b.Delete(target)).To(Succeed())
			Expect(target).NotTo(BeAnExistingFile())
		})
	})

	Describe("Rmdir", func() {
		It("refuses a non-empty directory without recursive", func() {
			dir := filepath.Join(root, "sub")
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644)).To(Succeed())

			err := b.Rmdir(dir, false)
			Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindDirectoryNotEmpty))
		})

		It("removes a non-empty directory when recursive", func() {
			dir := filepath.Join(root, "sub")
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644)).To(Succeed())

			Expect(b.Rmdir(dir, true)).To(Succeed())
			Expect(dir).NotTo(BeAnExistingFile())
		})
	})

	Describe("List and Manifest", func() {
		It("lists without checksums and manifests with them", func() {
			Expect(os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644)).To(Succeed())
			Expect(os.MkdirAll(filepath.Join(root, "sub"), 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("bbb"), 0o644)).To(Succeed())

			listed, err := b.List(root, root, false, false)
			Expect(err).NotTo(HaveOccurred())
			for _, e := range listed {
				Expect(e.ChecksumHex).To(BeEmpty())
			}

			manifest, err := b.Manifest(root, root)
			Expect(err).NotTo(HaveOccurred())
			Expect(manifest).To(HaveLen(3)) // a.txt, sub/, sub/b.txt
			for _, e := range manifest {
				if !e.IsDirectory {
					Expect(e.ChecksumHex).NotTo(BeEmpty())
				}
			}
		})
	})
})
