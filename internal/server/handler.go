// Package server implements the per-connection protocol state machine
// (C8) and the TLS accept loop (C9) described in spec.md §4.8-4.9.
package server

import (
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/jeffvan302/fileharbor/internal/auth"
	"github.com/jeffvan302/fileharbor/internal/checksum"
	"github.com/jeffvan302/fileharbor/internal/config"
	"github.com/jeffvan302/fileharbor/internal/ferrors"
	"github.com/jeffvan302/fileharbor/internal/fileops"
	"github.com/jeffvan302/fileharbor/internal/metrics"
	"github.com/jeffvan302/fileharbor/internal/pathsafe"
	"github.com/jeffvan302/fileharbor/internal/protocol"
	"github.com/jeffvan302/fileharbor/internal/ratelimit"
	"github.com/jeffvan302/fileharbor/internal/registry"
)

// handler processes one client connection end to end: authentication,
// then command dispatch until disconnect or a fatal protocol error.
type handler struct {
	conn    net.Conn
	authn   *auth.Authenticator
	cfg     *config.ServerConfig
	reg     *registry.Registry
	backend *fileops.Backend
	log     logr.Logger

	authenticated bool
	clientID      string
	libraryID     string
	libraryRoot   string
	sessionID     string
	rateLimiter   *ratelimit.Limiter
}

func newHandler(conn net.Conn, authn *auth.Authenticator, cfg *config.ServerConfig, reg *registry.Registry, backend *fileops.Backend, log logr.Logger) *handler {
	return &handler{
		conn:    conn,
		authn:   authn,
		cfg:     cfg,
		reg:     reg,
		backend: backend,
		log:     log,
	}
}

// serve is the connection's main loop: read a message, update activity,
// dispatch, repeat until disconnect or fatal error.
func (h *handler) serve() {
	defer h.cleanup()

	for {
		msg, err := protocol.ReadMessage(h.conn)
		if err != nil {
			if err != io.EOF {
				h.log.V(1).Info("connection read error", "error", err)
			}
			return
		}

		if h.sessionID != "" {
			h.reg.Touch(h.sessionID)
		}

		if !h.authenticated && msg.Header.Command != protocol.CmdHandshake {
			h.sendError(msg.Header.Command, "authentication required", ferrors.KindAuthentication)
			continue
		}

		if !h.dispatch(msg) {
			return
		}
	}
}

// dispatch routes one message to its handler. It returns false when the
// connection should close (DISCONNECT or a fatal handshake failure).
func (h *handler) dispatch(msg *protocol.Message) bool {
	cmd := msg.Header.Command
	var err error

	switch cmd {
	case protocol.CmdHandshake:
		if hErr := h.handleHandshake(msg); hErr != nil {
			h.sendError(cmd, hErr.Error(), ferrors.KindOf(hErr))
			metrics.HandshakesTotal.WithLabelValues("error").Inc()
			return false
		}
		metrics.HandshakesTotal.WithLabelValues("ok").Inc()
		return true
	case protocol.CmdPutStart:
		err = h.handlePutStart(msg)
	case protocol.CmdPutChunk:
		err = h.handlePutChunk(msg)
	case protocol.CmdPutComplete:
		err = h.handlePutComplete(msg)
	case protocol.CmdGetStart:
		err = h.handleGetStart(msg)
	case protocol.CmdGetChunk:
		err = h.handleGetChunk(msg)
	case protocol.CmdDelete:
		err = h.handleDelete(msg)
	case protocol.CmdRename:
		err = h.handleRename(msg)
	case protocol.CmdList:
		err = h.handleList(msg)
	case protocol.CmdMkdir:
		err = h.handleMkdir(msg)
	case protocol.CmdRmdir:
		err = h.handleRmdir(msg)
	case protocol.CmdManifest:
		err = h.handleManifest(msg)
	case protocol.CmdChecksum:
		err = h.handleChecksum(msg)
	case protocol.CmdStat:
		err = h.handleStat(msg)
	case protocol.CmdExists:
		err = h.handleExists(msg)
	case protocol.CmdPing:
		h.sendOK(protocol.CmdPing, struct{}{})
		return true
	case protocol.CmdDisconnect:
		h.sendOK(protocol.CmdDisconnect, struct{}{})
		return false
	default:
		h.sendError(cmd, "unknown command", ferrors.KindInvalidMessage)
		return true
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		h.sendError(cmd, err.Error(), ferrors.KindOf(err))
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd), outcome).Inc()
	return true
}

func (h *handler) handleHandshake(msg *protocol.Message) error {
	var req protocol.HandshakeRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}

	tlsConn, ok := h.conn.(*tls.Conn)
	if !ok {
		return ferrors.New(ferrors.KindAuthentication, "connection is not TLS")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ferrors.New(ferrors.KindAuthentication, "no client certificate presented")
	}
	peerCert := state.PeerCertificates[0]

	clientID, err := h.authn.Authenticate(peerCert)
	if err != nil {
		return err
	}

	if err := h.authn.CheckLibraryAccess(clientID, req.LibraryID); err != nil {
		return err
	}

	lib, ok := h.cfg.Libraries[req.LibraryID]
	if !ok {
		return ferrors.New(ferrors.KindLibraryAccessDenied, "library not found: "+req.LibraryID)
	}

	session, err := h.reg.CreateSession(clientID, req.LibraryID)
	if err != nil {
		return err
	}
	session.Close = func() { h.conn.Close() }

	h.authenticated = true
	h.clientID = clientID
	h.libraryID = req.LibraryID
	h.libraryRoot = lib.RootPath
	h.sessionID = session.ID
	rateBps := h.authn.RateLimitFor(clientID)
	if rateBps == 0 {
		rateBps = lib.RateLimitBps
	}
	h.rateLimiter = ratelimit.New(rateBps)

	metrics.SessionsActive.Inc()
	h.log.Info("handshake complete", "client_id", clientID, "library_id", req.LibraryID, "session_id", session.ID)

	return h.sendOK(protocol.CmdHandshake, protocol.HandshakeResponse{
		SessionID:    session.ID,
		Capabilities: []string{"resume", "manifest", "rename"},
		ChunkSize:    protocol.DefaultChunkSize,
	})
}

func (h *handler) resolve(clientPath string) (string, error) {
	return pathsafe.Resolve(clientPath, h.libraryRoot)
}

// resolveDir is resolve's counterpart for LIST/MANIFEST, which accept the
// library root itself as a target. pathsafe.Resolve has no spelling for
// "the root" — "" is InvalidPath and "." is PathTraversal, by design for
// file-targeting commands — so an empty or "/" dirpath is special-cased to
// the library root directly, bypassing Resolve, rather than weakening
// Resolve's traversal rejection for everyone else.
func (h *handler) resolveDir(clientPath string) (string, error) {
	if clientPath == "" || clientPath == "/" {
		return h.libraryRoot, nil
	}
	return pathsafe.Resolve(clientPath, h.libraryRoot)
}

func (h *handler) handlePutStart(msg *protocol.Message) error {
	var req protocol.PutStartRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}

	if err := h.reg.LockFile(h.sessionID, absPath); err != nil {
		return err
	}

	tempPath, offset, err := h.backend.StartUpload(absPath, req.FileSize, req.Resume)
	if err != nil {
		h.reg.UnlockFile(h.sessionID, absPath)
		return err
	}

	if _, err := h.reg.StartTransfer(h.sessionID, absPath, tempPath, req.FileSize, req.Checksum, req.ChunkSize, offset); err != nil {
		h.reg.UnlockFile(h.sessionID, absPath)
		return err
	}

	return h.sendOK(protocol.CmdPutStart, protocol.PutStartResponse{
		TempFilepath: tempPath,
		ResumeOffset: offset,
	})
}

func (h *handler) handlePutChunk(msg *protocol.Message) error {
	var req protocol.PutChunkRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}

	if _, ok := h.reg.GetTransfer(h.sessionID, absPath); !ok {
		return ferrors.New(ferrors.KindInvalidMessage, "no active transfer for "+req.Filepath)
	}

	data, err := protocol.ReadTail(h.conn, int64(req.ChunkSize))
	if err != nil {
		return err
	}

	if h.rateLimiter != nil {
		waited := h.rateLimiter.Acquire(int64(len(data)))
		metrics.RateLimitWaitSeconds.Observe(waited.Seconds())
	}

	n, err := h.backend.WriteChunk(req.TempFilepath, req.Offset, data)
	if err != nil {
		return err
	}
	h.reg.UpdateTransfer(h.sessionID, absPath, int64(n))
	metrics.BytesTransferred.WithLabelValues("upload").Add(float64(n))

	return h.sendOK(protocol.CmdPutChunk, protocol.PutChunkResponse{BytesWritten: n})
}

func (h *handler) handlePutComplete(msg *protocol.Message) error {
	var req protocol.PutCompleteRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}

	var mtime *time.Time
	if req.ModifiedTime != nil {
		t := time.Unix(*req.ModifiedTime, 0).UTC()
		mtime = &t
	}

	if err := h.backend.CompleteUpload(req.TempFilepath, absPath, req.Checksum, mtime); err != nil {
		return err
	}

	h.reg.CompleteTransfer(h.sessionID, absPath)
	h.reg.UnlockFile(h.sessionID, absPath)

	return h.sendOK(protocol.CmdPutComplete, protocol.PutCompleteResponse{})
}

func (h *handler) handleGetStart(msg *protocol.Message) error {
	var req protocol.GetStartRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}

	size, sum, err := h.backend.StartDownload(absPath)
	if err != nil {
		return err
	}

	return h.sendOK(protocol.CmdGetStart, protocol.GetStartResponse{
		FileSize:  size,
		Checksum:  sum,
		ChunkSize: protocol.DefaultChunkSize,
	})
}

func (h *handler) handleGetChunk(msg *protocol.Message) error {
	var req protocol.GetChunkRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}

	data, err := h.backend.ReadChunk(absPath, req.Offset, req.ChunkSize)
	if err != nil {
		return err
	}

	if h.rateLimiter != nil {
		waited := h.rateLimiter.Acquire(int64(len(data)))
		metrics.RateLimitWaitSeconds.Observe(waited.Seconds())
	}

	resp, err := protocol.NewMessage(protocol.KindResponse, protocol.CmdGetChunk, 200, protocol.GetChunkResponse{
		ChunkSize: len(data),
	})
	if err != nil {
		return err
	}
	if _, err := resp.WriteTo(h.conn); err != nil {
		return err
	}
	if _, err := h.conn.Write(data); err != nil {
		return err
	}
	metrics.BytesTransferred.WithLabelValues("download").Add(float64(len(data)))
	return nil
}

func (h *handler) handleDelete(msg *protocol.Message) error {
	var req protocol.DeleteRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}
	if err := h.backend.Delete(absPath); err != nil {
		return err
	}
	return h.sendOK(protocol.CmdDelete, struct{}{})
}

func (h *handler) handleRename(msg *protocol.Message) error {
	var req protocol.RenameRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	srcAbs, err := h.resolve(req.Src)
	if err != nil {
		return err
	}
	dstAbs, err := h.resolve(req.Dst)
	if err != nil {
		return err
	}
	if err := h.backend.Rename(srcAbs, dstAbs); err != nil {
		return err
	}
	return h.sendOK(protocol.CmdRename, struct{}{})
}

func (h *handler) handleList(msg *protocol.Message) error {
	var req protocol.ListRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolveDir(req.Filepath)
	if err != nil {
		return err
	}

	entries, err := h.backend.List(absPath, h.libraryRoot, req.Recursive, false)
	if err != nil {
		return err
	}

	return h.sendOK(protocol.CmdList, protocol.ListResponse{Entries: toFileInfos(entries)})
}

func (h *handler) handleMkdir(msg *protocol.Message) error {
	var req protocol.MkdirRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}
	if err := h.backend.Mkdir(absPath); err != nil {
		return err
	}
	return h.sendOK(protocol.CmdMkdir, struct{}{})
}

func (h *handler) handleRmdir(msg *protocol.Message) error {
	var req protocol.RmdirRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}
	if err := h.backend.Rmdir(absPath, req.Recursive); err != nil {
		return err
	}
	return h.sendOK(protocol.CmdRmdir, struct{}{})
}

func (h *handler) handleManifest(msg *protocol.Message) error {
	var req protocol.ManifestRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolveDir(req.Filepath)
	if err != nil {
		return err
	}

	entries, err := h.backend.Manifest(absPath, h.libraryRoot)
	if err != nil {
		return err
	}

	return h.sendOK(protocol.CmdManifest, protocol.ManifestResponse{Entries: toFileInfos(entries)})
}

func (h *handler) handleChecksum(msg *protocol.Message) error {
	var req protocol.ChecksumRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}
	sum, err := checksum.File(absPath)
	if err != nil {
		return err
	}
	return h.sendOK(protocol.CmdChecksum, protocol.ChecksumResponse{Checksum: sum})
}

func (h *handler) handleStat(msg *protocol.Message) error {
	var req protocol.StatRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}
	info, err := h.backend.Stat(absPath, h.libraryRoot)
	if err != nil {
		return err
	}
	fi := toFileInfo(info)
	return h.sendOK(protocol.CmdStat, protocol.StatResponse{Info: fi})
}

func (h *handler) handleExists(msg *protocol.Message) error {
	var req protocol.ExistsRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	absPath, err := h.resolve(req.Filepath)
	if err != nil {
		return err
	}
	return h.sendOK(protocol.CmdExists, protocol.ExistsResponse{Exists: h.backend.Exists(absPath)})
}

func (h *handler) sendOK(cmd protocol.Command, body any) error {
	msg, err := protocol.NewMessage(protocol.KindResponse, cmd, 200, body)
	if err != nil {
		return err
	}
	_, err = msg.WriteTo(h.conn)
	return err
}

func (h *handler) sendError(cmd protocol.Command, message string, kind ferrors.Kind) {
	msg, err := protocol.NewMessage(protocol.KindResponse, cmd, int32(kind.StatusCode()), protocol.ErrorBody{Error: message})
	if err != nil {
		return
	}
	_, _ = msg.WriteTo(h.conn)
}

func (h *handler) cleanup() {
	if h.sessionID != "" {
		h.reg.CloseSession(h.sessionID)
		metrics.SessionsActive.Dec()
	}
	h.conn.Close()
}

func toFileInfos(entries []fileops.Info) []protocol.FileInfo {
	out := make([]protocol.FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, toFileInfo(e))
	}
	return out
}

func toFileInfo(e fileops.Info) protocol.FileInfo {
	return protocol.FileInfo{
		RelativePath: e.RelativePath,
		Size:         e.Size,
		ChecksumHex:  e.ChecksumHex,
		IsDirectory:  e.IsDirectory,
		ModifiedTime: e.ModifiedTime.Unix(),
		CreatedTime:  e.CreatedTime.Unix(),
	}
}
