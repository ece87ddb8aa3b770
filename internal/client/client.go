package client

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jeffvan302/fileharbor/internal/checksum"
	"github.com/jeffvan302/fileharbor/internal/ferrors"
	"github.com/jeffvan302/fileharbor/internal/protocol"
)

// checksumBufferSize matches checksum.File's own buffering; kept local
// since the client computes checksum manually to drive progress updates.
const checksumBufferSize = 64 * 1024

// Client is the high-level synchronous API over a connection, mirroring
// original_source's FileHarborClient: connection lifecycle plus resumable
// transfer and pass-through metadata operations. Every exported method
// runs the blocking core; Async wraps any of them on a goroutine per
// spec.md §4.10's "thread-offload around the blocking core" contract.
type Client struct {
	profile *Profile
	conn    *connection
}

// New builds a Client from a loaded Profile. Call Connect before issuing
// any operation.
func New(p *Profile) *Client {
	return &Client{profile: p, conn: newConnection(p)}
}

// Connect dials the server and performs the HANDSHAKE exchange.
func (c *Client) Connect() error {
	return c.conn.connect()
}

// Disconnect sends DISCONNECT and closes the socket.
func (c *Client) Disconnect() {
	c.conn.disconnect()
}

// IsConnected reports whether the client holds an active session.
func (c *Client) IsConnected() bool {
	return c.conn.isConnected()
}

// Ping checks liveness of the connection.
func (c *Client) Ping() bool {
	return c.conn.ping()
}

func (c *Client) ensureConnected() error {
	if !c.IsConnected() {
		return ferrors.New(ferrors.KindConnection, "not connected to server; call Connect first")
	}
	return nil
}

// Upload sends local to remote, computing its checksum first (reported via
// cb, if non-nil, the same as the rest of the transfer) and resuming from
// the server-advertised offset when resume is true and a partial upload
// exists. Mirrors transfer_manager.py's upload_file.
func (c *Client) Upload(localPath, remotePath string, resume bool, cb Callback) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindFileNotFound, err, "local file not found: "+localPath)
	}
	fileSize := info.Size()
	mtime := info.ModTime().Unix()

	// Count the file twice in the progress total: once for the checksum
	// pass, once for the upload itself, matching the original's tracker.
	track := newTracker(remotePath, fileSize*2, "upload", cb)

	sum, err := c.checksumWithProgress(localPath, track)
	if err != nil {
		return err
	}

	var startResp protocol.PutStartResponse
	_, err = c.conn.call(protocol.CmdPutStart, protocol.PutStartRequest{
		Filepath:  remotePath,
		FileSize:  fileSize,
		Checksum:  sum,
		ChunkSize: c.profile.Transfer.ChunkSize,
		Resume:    resume,
	}, &startResp)
	if err != nil {
		return err
	}

	if startResp.ResumeOffset > 0 {
		track.update(startResp.ResumeOffset)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "reopening local file for upload")
	}
	defer f.Close()

	if _, err := f.Seek(startResp.ResumeOffset, io.SeekStart); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "seeking to resume offset")
	}

	offset := startResp.ResumeOffset
	buf := make([]byte, c.profile.Transfer.ChunkSize)
	for offset < fileSize {
		n, readErr := f.Read(buf)
		if n == 0 {
			break
		}
		chunk := buf[:n]

		bytesWritten, err := c.putChunk(remotePath, startResp.TempFilepath, offset, chunk)
		if err != nil {
			return err
		}
		offset += int64(bytesWritten)
		track.update(int64(bytesWritten))

		if readErr != nil {
			break
		}
	}

	modified := mtime
	if _, err := c.conn.call(protocol.CmdPutComplete, protocol.PutCompleteRequest{
		Filepath:     remotePath,
		TempFilepath: startResp.TempFilepath,
		Checksum:     sum,
		ModifiedTime: &modified,
	}, nil); err != nil {
		return err
	}

	track.complete()
	return nil
}

// putChunk sends one PUT_CHUNK request followed by its raw binary tail.
func (c *Client) putChunk(remotePath, tempFilepath string, offset int64, chunk []byte) (int, error) {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	if !c.conn.connected {
		return 0, ferrors.New(ferrors.KindConnection, "not connected")
	}

	msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdPutChunk, 0, protocol.PutChunkRequest{
		Filepath:     remotePath,
		TempFilepath: tempFilepath,
		Offset:       offset,
		ChunkSize:    len(chunk),
	})
	if err != nil {
		return 0, err
	}
	if _, err := msg.WriteTo(c.conn.conn); err != nil {
		return 0, ferrors.Wrap(ferrors.KindConnection, err, "failed to send chunk header")
	}
	if _, err := c.conn.conn.Write(chunk); err != nil {
		return 0, ferrors.Wrap(ferrors.KindConnection, err, "failed to send chunk data")
	}

	reply, err := protocol.ReadMessage(c.conn.conn)
	if err != nil {
		return 0, err
	}
	if reply.Header.StatusCode != 200 {
		var errBody protocol.ErrorBody
		_ = reply.Unmarshal(&errBody)
		return 0, ferrors.New(kindForStatus(reply.Header.StatusCode), errBody.Error)
	}

	var resp protocol.PutChunkResponse
	if err := reply.Unmarshal(&resp); err != nil {
		return 0, err
	}
	return resp.BytesWritten, nil
}

// Download fetches remote into localPath, resuming from the local file's
// current size when resume is true, and verifies the completed file's
// SHA-256 against the server-advertised digest. Mirrors
// transfer_manager.py's download_file.
func (c *Client) Download(remotePath, localPath string, resume bool, cb Callback) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	var resumeOffset int64
	if resume {
		if info, err := os.Stat(localPath); err == nil {
			resumeOffset = info.Size()
		}
	}

	var startResp protocol.GetStartResponse
	if _, err := c.conn.call(protocol.CmdGetStart, protocol.GetStartRequest{
		Filepath: remotePath,
		Offset:   resumeOffset,
	}, &startResp); err != nil {
		return err
	}

	track := newTracker(remotePath, startResp.FileSize, "download", cb)
	if resumeOffset > 0 {
		track.update(resumeOffset)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "creating local parent directory")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "opening local file for download")
	}
	defer f.Close()

	chunkSize := c.profile.Transfer.ChunkSize
	offset := resumeOffset
	for offset < startResp.FileSize {
		want := chunkSize
		if remaining := startResp.FileSize - offset; int64(want) > remaining {
			want = int(remaining)
		}

		data, err := c.getChunk(remotePath, offset, want)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return ferrors.Wrap(ferrors.KindInternal, err, "writing downloaded chunk")
		}
		offset += int64(len(data))
		track.update(int64(len(data)))
	}
	if err := f.Close(); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "closing downloaded file")
	}

	actual, err := checksum.File(localPath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "computing downloaded file checksum")
	}
	if !checksum.Equal(actual, startResp.Checksum) {
		os.Remove(localPath)
		return ferrors.New(ferrors.KindChecksumMismatch,
			"downloaded file checksum mismatch: expected "+startResp.Checksum+", got "+actual)
	}

	track.complete()
	return nil
}

// getChunk sends one GET_CHUNK request and reads its raw binary tail.
func (c *Client) getChunk(remotePath string, offset int64, want int) ([]byte, error) {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	if !c.conn.connected {
		return nil, ferrors.New(ferrors.KindConnection, "not connected")
	}

	msg, err := protocol.NewMessage(protocol.KindRequest, protocol.CmdGetChunk, 0, protocol.GetChunkRequest{
		Filepath:  remotePath,
		Offset:    offset,
		ChunkSize: want,
	})
	if err != nil {
		return nil, err
	}
	if _, err := msg.WriteTo(c.conn.conn); err != nil {
		return nil, ferrors.Wrap(ferrors.KindConnection, err, "failed to send chunk request")
	}

	reply, err := protocol.ReadMessage(c.conn.conn)
	if err != nil {
		return nil, err
	}
	if reply.Header.StatusCode != 200 {
		var errBody protocol.ErrorBody
		_ = reply.Unmarshal(&errBody)
		return nil, ferrors.New(kindForStatus(reply.Header.StatusCode), errBody.Error)
	}

	var resp protocol.GetChunkResponse
	if err := reply.Unmarshal(&resp); err != nil {
		return nil, err
	}
	return protocol.ReadTail(c.conn.conn, int64(resp.ChunkSize))
}

func (c *Client) checksumWithProgress(localPath string, track *tracker) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindFileNotFound, err, "opening local file for checksum")
	}
	defer f.Close()

	sum := checksum.New()
	buf := make([]byte, checksumBufferSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			sum.Update(buf[:n])
			track.update(int64(n))
		}
		if err != nil {
			break
		}
	}
	return sum.Digest(), nil
}

// UploadWithRetry retries Upload up to maxRetries times with resume=true,
// except on ChecksumMismatch, which never retries because the source is
// corrupt. Mirrors transfer_manager.py's upload_with_retry.
func (c *Client) UploadWithRetry(localPath, remotePath string, maxRetries int, backoff time.Duration, cb Callback) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := c.Upload(localPath, remotePath, true, cb)
		if err == nil {
			return nil
		}
		if ferrors.KindOf(err) == ferrors.KindChecksumMismatch {
			return err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			time.Sleep(backoff)
		}
	}
	return ferrors.Wrap(ferrors.KindConnection, lastErr, "upload failed after retries")
}

// DownloadWithRetry retries Download up to maxRetries times with
// resume=true, except on ChecksumMismatch. Mirrors
// transfer_manager.py's download_with_retry.
func (c *Client) DownloadWithRetry(remotePath, localPath string, maxRetries int, backoff time.Duration, cb Callback) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := c.Download(remotePath, localPath, true, cb)
		if err == nil {
			return nil
		}
		if ferrors.KindOf(err) == ferrors.KindChecksumMismatch {
			return err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			time.Sleep(backoff)
		}
	}
	return ferrors.Wrap(ferrors.KindConnection, lastErr, "download failed after retries")
}

// Delete removes a remote file.
func (c *Client) Delete(remotePath string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	_, err := c.conn.call(protocol.CmdDelete, protocol.DeleteRequest{Filepath: remotePath}, nil)
	return err
}

// Rename moves a remote file within the library.
func (c *Client) Rename(oldPath, newPath string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	_, err := c.conn.call(protocol.CmdRename, protocol.RenameRequest{Src: oldPath, Dst: newPath}, nil)
	return err
}

// List lists a remote directory's entries.
func (c *Client) List(remotePath string, recursive bool) ([]protocol.FileInfo, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	var resp protocol.ListResponse
	if _, err := c.conn.call(protocol.CmdList, protocol.ListRequest{Filepath: remotePath, Recursive: recursive}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Mkdir creates a remote directory.
func (c *Client) Mkdir(remotePath string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	_, err := c.conn.call(protocol.CmdMkdir, protocol.MkdirRequest{Filepath: remotePath}, nil)
	return err
}

// Rmdir removes a remote directory.
func (c *Client) Rmdir(remotePath string, recursive bool) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	_, err := c.conn.call(protocol.CmdRmdir, protocol.RmdirRequest{Filepath: remotePath, Recursive: recursive}, nil)
	return err
}

// Manifest returns the full recursive listing with checksums.
func (c *Client) Manifest(remotePath string) ([]protocol.FileInfo, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	var resp protocol.ManifestResponse
	if _, err := c.conn.call(protocol.CmdManifest, protocol.ManifestRequest{Filepath: remotePath}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Checksum returns a remote file's SHA-256 digest.
func (c *Client) Checksum(remotePath string) (string, error) {
	if err := c.ensureConnected(); err != nil {
		return "", err
	}
	var resp protocol.ChecksumResponse
	if _, err := c.conn.call(protocol.CmdChecksum, protocol.ChecksumRequest{Filepath: remotePath}, &resp); err != nil {
		return "", err
	}
	return resp.Checksum, nil
}

// Stat returns a remote file's metadata.
func (c *Client) Stat(remotePath string) (protocol.FileInfo, error) {
	if err := c.ensureConnected(); err != nil {
		return protocol.FileInfo{}, err
	}
	var resp protocol.StatResponse
	if _, err := c.conn.call(protocol.CmdStat, protocol.StatRequest{Filepath: remotePath}, &resp); err != nil {
		return protocol.FileInfo{}, err
	}
	return resp.Info, nil
}

// Exists reports whether a remote file exists.
func (c *Client) Exists(remotePath string) (bool, error) {
	if err := c.ensureConnected(); err != nil {
		return false, err
	}
	var resp protocol.ExistsResponse
	if _, err := c.conn.call(protocol.CmdExists, protocol.ExistsRequest{Filepath: remotePath}, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}
