package protocol_test

import (
	"bytes"
	"strings"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
	"github.com/jeffvan302/fileharbor/internal/protocol"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Header", func() {
	It("round-trips through Encode/DecodeHeader", func() {
		h := protocol.Header{
			Version:       protocol.Version,
			Kind:          protocol.KindRequest,
			Command:       protocol.CmdPutStart,
			ContentLength: 42,
			StatusCode:    200,
			Flags:         0,
			BodyChecksum:  "abc123",
		}
		encoded := h.Encode()
		Expect(encoded).To(HaveLen(protocol.HeaderSize))

		decoded, err := protocol.DecodeHeader(encoded)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(h))
	})

	It("NUL-pads string fields and trims them back out on decode", func() {
		h := protocol.Header{Version: "1.0.0", Kind: protocol.KindResponse, Command: protocol.CmdPing}
		encoded := h.Encode()
		// byte right after "1.0.0" in the version field must be NUL
		Expect(encoded[5]).To(Equal(byte(0)))

		decoded, err := protocol.DecodeHeader(encoded)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.Version).To(Equal("1.0.0"))
	})

	It("rejects a header buffer of the wrong size", func() {
		_, err := protocol.DecodeHeader(make([]byte, 100))
		Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindInvalidMessage))
	})
})

var _ = Describe("Message", func() {
	It("stamps content length and body checksum on construction", func() {
		msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdPutStart, 200,
			protocol.PutStartRequest{Filepath: "a.txt", FileSize: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Header.ContentLength).To(Equal(uint64(len(msg.Body))))
		Expect(msg.Header.BodyChecksum).To(HaveLen(64))
	})

	It("round-trips over a byte stream via WriteTo/ReadMessage", func() {
		msg, err := protocol.NewMessage(protocol.KindResponse, protocol.CmdGetStart, 200,
			protocol.GetStartResponse{FileSize: 1024, Checksum: "deadbeef", ChunkSize: 65536})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		_, err = msg.WriteTo(&buf)
		Expect(err).NotTo(HaveOccurred())

		read, err := protocol.ReadMessage(&buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(read.Header.Command).To(Equal(protocol.CmdGetStart))

		var body protocol.GetStartResponse
		Expect(read.Unmarshal(&body)).To(Succeed())
		Expect(body.FileSize).To(Equal(int64(1024)))
		Expect(body.Checksum).To(Equal("deadbeef"))
	})

	It("rejects a body whose bytes don't match the header checksum", func() {
		msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdPing, 200, nil)
		Expect(err).NotTo(HaveOccurred())

		// Fabricate a frame with a body the header's checksum doesn't cover.
		h := msg.Header
		h.ContentLength = 5
		h.BodyChecksum = strings.Repeat("0", 64)
		var buf bytes.Buffer
		buf.Write(h.Encode())
		buf.Write([]byte("hello"))

		_, err = protocol.ReadMessage(&buf)
		Expect(ferrors.KindOf(err)).To(Equal(ferrors.KindInvalidMessage))
	})

	It("reads an explicit binary tail separately from the framed body", func() {
		msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdPutChunk, 200,
			protocol.PutChunkRequest{Filepath: "a.txt", Offset: 0, ChunkSize: 4})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		_, err = msg.WriteTo(&buf)
		Expect(err).NotTo(HaveOccurred())
		buf.Write([]byte("DATA"))

		_, err = protocol.ReadMessage(&buf)
		Expect(err).NotTo(HaveOccurred())

		tail, err := protocol.ReadTail(&buf, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(tail).To(Equal([]byte("DATA")))
	})
})
