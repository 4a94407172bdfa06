package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avaropoint/rmi/internal/rmierr"
	"github.com/avaropoint/rmi/internal/rmiproto"
	"github.com/avaropoint/rmi/internal/transport"
)

// State is the client session worker's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

// Config names the device to connect to and the credentials to
// present in the AUTH handshake.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	DialTimeout time.Duration
}

// Client owns a single RMI connection across its lifetime, draining a
// command mailbox on a dedicated goroutine and publishing results for
// callers to poll.
type Client struct {
	mu    sync.Mutex
	state State

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	outbox  mailbox
	results *publishedState
}

// New creates an idle Client in the Disconnected state.
func New() *Client {
	return &Client{
		outbox:  newMailbox(),
		results: newPublishedState(),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// LastError returns the most recent transport/protocol/timeout/auth
// error recorded by the worker.
func (c *Client) LastError() string { return c.results.LastError() }

// Version returns the most recently published VERSION reply.
func (c *Client) Version() (uint32, bool) { return c.results.Version() }

// Screencap returns the most recently published SCREENCAP result.
func (c *Client) Screencap() (ScreencapResult, bool) { return c.results.Screencap() }

// FileList returns the most recently published LIST result for path.
func (c *Client) FileList(path string) (FileListResult, bool) { return c.results.FileList(path) }

// Download returns the most recently published DOWNLOAD result for
// path, including in-progress partial state.
func (c *Client) Download(path string) (DownloadResult, bool) { return c.results.Download(path) }

// Connect refuses if the worker is already Connecting or Connected,
// otherwise resets the stop flag and starts a new worker goroutine.
func (c *Client) Connect(cfg Config) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return fmt.Errorf("worker: already connecting or connected")
	}
	c.state = Connecting
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.stopped.Store(false)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.workerLoop(cfg)
	}()
	return nil
}

// Disconnect sets the stop flag, closes the socket, and joins the
// worker goroutine. The resulting state is Disconnected unless the
// worker already transitioned to Error.
func (c *Client) Disconnect() {
	if c.stopCh != nil && c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
	c.wg.Wait()
}

// send is the common path for every public Send* method: it refuses
// when not Connected and reports a full mailbox as an error.
func (c *Client) send(msg OutboundMessage) error {
	if c.State() != Connected {
		return fmt.Errorf("worker: not connected")
	}
	if !c.outbox.send(msg) {
		return fmt.Errorf("worker: mailbox full")
	}
	return nil
}

// SendCommand enqueues a raw OK-expecting command, e.g. PRESS, OPEN,
// DELETE, or QUIT (disconnectAfterOK should be set for QUIT).
func (c *Client) SendCommand(command string, disconnectAfterOK bool) error {
	return c.send(OutboundMessage{Command: command, Reply: ReplyOk, DisconnectAfterOK: disconnectAfterOK})
}

// SendVersion enqueues a VERSION query.
func (c *Client) SendVersion() error {
	return c.send(OutboundMessage{Command: rmiproto.CmdVersion, Reply: ReplyVersion})
}

// SendScreencap enqueues a SCREENCAP request.
func (c *Client) SendScreencap() error {
	return c.send(OutboundMessage{Command: rmiproto.CmdScreencap, Reply: ReplyScreencap})
}

// SendList enqueues a LIST request for path.
func (c *Client) SendList(path string) error {
	return c.send(OutboundMessage{
		Command:  rmiproto.CmdList + " " + path,
		Reply:    ReplyList,
		ListPath: path,
	})
}

// SendDownload enqueues a DOWNLOAD request for path.
func (c *Client) SendDownload(path string) error {
	return c.send(OutboundMessage{
		Command:      rmiproto.CmdDownload + " " + path,
		Reply:        ReplyDownload,
		DownloadPath: path,
	})
}

// SendUpload enqueues a local file for upload to remotePath, optionally
// requesting a RESTART once the server acknowledges the write.
func (c *Client) SendUpload(localPath, remotePath string, restartAfter bool) error {
	if containsWhitespace(remotePath) {
		return fmt.Errorf("worker: upload remote path must not contain whitespace")
	}
	return c.send(OutboundMessage{
		IsUpload:           true,
		UploadLocalPath:    localPath,
		UploadRemotePath:   remotePath,
		RestartAfterUpload: restartAfter,
	})
}

func containsWhitespace(s string) bool {
	return strings.ContainsAny(s, " \t\n\r")
}

func (c *Client) workerLoop(cfg Config) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	conn, err := transport.Dial(cfg.Host, cfg.Port, dialTimeout)
	if err != nil {
		c.results.setLastError(err.Error())
		c.setState(Error)
		return
	}
	defer conn.Close() //nolint:errcheck

	if err := c.authenticate(conn, cfg); err != nil {
		c.results.setLastError(err.Error())
		c.setState(Error)
		return
	}

	c.setState(Connected)
	lastHeartbeat := time.Now()

	for {
		select {
		case <-c.stopCh:
			c.finishLoop()
			return
		default:
		}

		var msg OutboundMessage
		hasMessage := false
		select {
		case msg = <-c.outbox:
			hasMessage = true
		case <-c.stopCh:
			c.finishLoop()
			return
		case <-time.After(100 * time.Millisecond):
		}

		if hasMessage {
			disconnectRequested, err := c.handleMessage(conn, msg)
			if err != nil {
				c.results.setLastError(err.Error())
				c.setState(Error)
				return
			}
			if disconnectRequested {
				c.finishLoop()
				return
			}
			lastHeartbeat = time.Now()
			continue
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			if err := c.sendHeartbeat(conn); err != nil {
				c.results.setLastError(err.Error())
				c.setState(Error)
				return
			}
			lastHeartbeat = time.Now()
		}
	}
}

func (c *Client) finishLoop() {
	if c.State() != Error {
		c.setState(Disconnected)
	}
}

func (c *Client) authenticate(conn *transport.Conn, cfg Config) error {
	login := rmiproto.CmdAuth + " " + cfg.Username + " " + cfg.Password
	if err := rmiproto.Encode(conn.Raw(), []byte(login)); err != nil {
		return rmierr.Transport("auth", err)
	}

	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(authTimeout), 256, c.stopCh)
	if err != nil {
		return err
	}
	if rmiproto.PayloadEquals(reply, rmiproto.ReplyOK) {
		return nil
	}
	if rmiproto.PayloadStartsWith(reply, rmiproto.ReplyErrPrefix) {
		return rmierr.Auth("auth", fmt.Errorf("%s", string(reply)))
	}
	return rmierr.Auth("auth", fmt.Errorf("unexpected auth response: %s", string(reply)))
}

func (c *Client) sendHeartbeat(conn *transport.Conn) error {
	if err := rmiproto.Encode(conn.Raw(), []byte(rmiproto.CmdHeartbeat)); err != nil {
		return rmierr.Transport("heartbeat", err)
	}
	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(heartbeatTimeout), 256, c.stopCh)
	if err != nil {
		return err
	}
	if rmiproto.PayloadEquals(reply, rmiproto.ReplyOK) {
		return nil
	}
	if rmiproto.PayloadStartsWith(reply, rmiproto.ReplyErrPrefix) {
		return fmt.Errorf("worker: %s", string(reply))
	}
	return fmt.Errorf("worker: unexpected heartbeat response: %s", string(reply))
}

// handleMessage sends msg and processes its expected reply, returning
// true if the caller should transition to Disconnected and stop.
func (c *Client) handleMessage(conn *transport.Conn, msg OutboundMessage) (bool, error) {
	if msg.IsUpload {
		return c.handleUpload(conn, msg)
	}
	if msg.Command == "" {
		return false, nil
	}

	if err := rmiproto.Encode(conn.Raw(), []byte(msg.Command)); err != nil {
		return false, rmierr.Transport("send", err)
	}

	switch msg.Reply {
	case ReplyOk:
		return c.handleOkReply(conn, msg)
	case ReplyVersion:
		return false, c.handleVersionReply(conn)
	case ReplyScreencap:
		return false, c.handleScreencapReply(conn)
	case ReplyList:
		return false, c.handleListReply(conn, msg.ListPath)
	case ReplyDownload:
		return false, c.handleDownloadReply(conn, msg.DownloadPath)
	default:
		return false, nil
	}
}

func (c *Client) handleOkReply(conn *transport.Conn, msg OutboundMessage) (bool, error) {
	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(authTimeout), 256, c.stopCh)
	if err != nil {
		return false, err
	}
	if rmiproto.PayloadEquals(reply, rmiproto.ReplyOK) {
		return msg.DisconnectAfterOK, nil
	}
	if rmiproto.PayloadStartsWith(reply, rmiproto.ReplyErrPrefix) {
		c.results.setLastError(string(reply))
		return false, nil
	}
	c.results.setLastError("unexpected response: " + string(reply))
	return false, nil
}

func (c *Client) handleVersionReply(conn *transport.Conn) error {
	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(versionTimeout), 256, c.stopCh)
	if err != nil {
		return err
	}
	v, err := parseVersionPayload(reply)
	if err != nil {
		c.results.setLastError(err.Error())
		return nil
	}
	c.results.setVersion(v)
	return nil
}

func (c *Client) handleScreencapReply(conn *transport.Conn) error {
	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(screencapTimeout), 0, c.stopCh)
	if err != nil {
		return err
	}
	if rmiproto.PayloadStartsWith(reply, rmiproto.ReplyErrPrefix) {
		c.results.setLastError(string(reply))
		return nil
	}
	result, err := decodeScreencap(reply)
	if err != nil {
		c.results.setLastError(err.Error())
		return nil
	}
	c.results.setScreencap(result)
	return nil
}

func (c *Client) handleListReply(conn *transport.Conn, path string) error {
	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(authTimeout), 0, c.stopCh)
	if err != nil {
		return err
	}
	entries, err := parseFileListPayload(reply)
	if err != nil {
		c.results.setFileList(path, nil, err.Error())
		return nil
	}
	c.results.setFileList(path, entries, "")
	return nil
}

func (c *Client) handleDownloadReply(conn *transport.Conn, path string) error {
	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(authTimeout), 256, c.stopCh)
	if err != nil {
		return err
	}
	if rmiproto.PayloadEquals(reply, rmiproto.ReplyOK) {
		deadline := time.Now().Add(screencapTimeout)
		data, err := receiveDownloadFrame(conn, deadline, c.stopCh, func(received, total uint64) {
			c.results.updateDownloadProgress(path, received, total, received < total)
		})
		if err != nil {
			c.results.setDownload(path, DownloadResult{Error: err.Error()})
			return err
		}
		c.results.setDownload(path, DownloadResult{
			Data:     data,
			Total:    uint64(len(data)),
			Received: uint64(len(data)),
		})
		return nil
	}
	if rmiproto.PayloadStartsWith(reply, rmiproto.ReplyErrPrefix) {
		c.results.setDownload(path, DownloadResult{Error: string(reply)})
		return nil
	}
	c.results.setDownload(path, DownloadResult{Error: "unexpected response: " + string(reply)})
	return nil
}

func (c *Client) handleUpload(conn *transport.Conn, msg OutboundMessage) (bool, error) {
	if msg.UploadLocalPath == "" || msg.UploadRemotePath == "" {
		c.results.setLastError("worker: upload requires local and remote paths")
		return false, nil
	}

	data, err := os.ReadFile(msg.UploadLocalPath)
	if err != nil {
		c.results.setLastError(err.Error())
		return false, nil
	}
	if uint64(len(data)) > uint64(^uint32(0)) {
		c.results.setLastError("worker: upload file too large")
		return false, nil
	}

	command := rmiproto.CmdUpload + " " + msg.UploadRemotePath + " " + strconv.Itoa(len(data))
	if err := rmiproto.Encode(conn.Raw(), []byte(command)); err != nil {
		return false, rmierr.Transport("upload", err)
	}
	if err := rmiproto.Encode(conn.Raw(), data); err != nil {
		return false, rmierr.Transport("upload", err)
	}

	reply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(authTimeout), 256, c.stopCh)
	if err != nil {
		return false, err
	}
	if !rmiproto.PayloadEquals(reply, rmiproto.ReplyOK) {
		if rmiproto.PayloadStartsWith(reply, rmiproto.ReplyErrPrefix) {
			c.results.setLastError(string(reply))
		} else {
			c.results.setLastError("unexpected response: " + string(reply))
		}
		return false, nil
	}

	if !msg.RestartAfterUpload {
		return false, nil
	}

	if err := rmiproto.Encode(conn.Raw(), []byte(rmiproto.CmdRestart)); err != nil {
		return false, rmierr.Transport("restart", err)
	}
	restartReply, err := receiveFrameSkippingHeartbeats(conn, time.Now().Add(authTimeout), 256, c.stopCh)
	if err != nil {
		return false, err
	}
	if rmiproto.PayloadEquals(restartReply, rmiproto.ReplyOK) {
		return true, nil
	}
	if rmiproto.PayloadStartsWith(restartReply, rmiproto.ReplyErrPrefix) {
		c.results.setLastError(string(restartReply))
	} else {
		c.results.setLastError("unexpected response: " + string(restartReply))
	}
	return false, nil
}
