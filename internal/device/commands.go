package device

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avaropoint/rmi/internal/audit"
	"github.com/avaropoint/rmi/internal/rmiproto"
	"github.com/avaropoint/rmi/internal/transport"
)

const rmiHeartbeat = rmiproto.CmdHeartbeat

const maxListFrame = 1 << 20 // ~1 MiB cap on a LIST reply

// uploadFrameTimeout bounds how long the server waits for the data
// frame that follows an UPLOAD command line.
const uploadFrameTimeout = 30 * time.Second

// readCommandFrame reads one frame from conn, bounding it generously
// since command lines are always short text; a frame that exceeds the
// bound is treated like any other protocol violation.
func readCommandFrame(conn *transport.Conn) ([]byte, error) {
	return rmiproto.Decode(conn.Raw(), maxCommandFrame)
}

func sendText(conn *transport.Conn, text string) error {
	return rmiproto.Encode(conn.Raw(), []byte(text))
}

func sendBytes(conn *transport.Conn, data []byte) error {
	return rmiproto.Encode(conn.Raw(), data)
}

func errReply(name string) string { return rmiproto.ReplyErrPrefix + " " + name }

// dispatch routes one decoded command frame to its handler and returns
// the accept-loop outcome for the connection.
func (srv *Server) dispatch(conn *transport.Conn, sess *session, sessionID string, payload []byte) (outcome, error) {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return srv.rejectAuthAttempt(conn, sess, "")
	}
	keyword := fields[0]
	args := fields[1:]

	sess.setLastCommand(keyword)

	if sess.getState() != Authenticated && keyword != rmiproto.CmdAuth {
		return srv.rejectAuthAttempt(conn, sess, keyword)
	}

	switch keyword {
	case rmiproto.CmdAuth:
		return srv.cmdAuth(conn, sess, args)
	case rmiproto.CmdHeartbeat:
		return outcomeContinue, sendText(conn, rmiproto.ReplyOK)
	case rmiproto.CmdVersion:
		return outcomeContinue, sendText(conn, fmt.Sprintf("VERSION %d", ProtocolVersion))
	case rmiproto.CmdQuit:
		if err := sendText(conn, rmiproto.ReplyOK); err != nil {
			return outcomeContinue, err
		}
		return outcomeShutdown, nil
	case rmiproto.CmdRestart:
		return srv.cmdRestart(conn, sess)
	case rmiproto.CmdPress:
		return srv.cmdPress(conn, args)
	case rmiproto.CmdPressInput:
		return srv.cmdPressInput(conn, args)
	case rmiproto.CmdOpen:
		return srv.cmdOpen(conn, args)
	case rmiproto.CmdUpload:
		return srv.cmdUpload(conn, args, sessionID, sess)
	case rmiproto.CmdList:
		return srv.cmdList(conn, args)
	case rmiproto.CmdDownload:
		return srv.cmdDownload(conn, args)
	case rmiproto.CmdDelete:
		return srv.cmdDelete(conn, args)
	case rmiproto.CmdScreencap:
		return srv.cmdScreencap(conn)
	default:
		return outcomeContinue, sendText(conn, errReply("unknown command"))
	}
}

// rejectAuthAttempt handles any command seen while not yet
// authenticated, including a malformed AUTH — every such command
// counts against the 3-strike limit, with no exception for HEARTBEAT.
func (srv *Server) rejectAuthAttempt(conn *transport.Conn, sess *session, keyword string) (outcome, error) {
	sess.mu.Lock()
	sess.authAttempts++
	attempts := sess.authAttempts
	sess.mu.Unlock()

	if attempts >= maxAuthAttempts {
		sess.setState(Terminated)
		_ = sendText(conn, "ERR auth failed")
		return outcomeContinue, nil
	}
	return outcomeContinue, sendText(conn, "ERR auth required")
}

func (srv *Server) cmdAuth(conn *transport.Conn, sess *session, args []string) (outcome, error) {
	if len(args) != 2 || srv.cfg == nil || args[0] != srv.cfg.Username || args[1] != srv.cfg.Password {
		return srv.rejectAuthAttempt(conn, sess, rmiproto.CmdAuth)
	}
	sess.setState(Authenticated)
	return outcomeContinue, sendText(conn, rmiproto.ReplyOK)
}

func (srv *Server) cmdRestart(conn *transport.Conn, sess *session) (outcome, error) {
	path := srv.binaryPathForRestartCheck()
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm() != 0777 {
		return outcomeContinue, sendText(conn, errReply("restart"))
	}
	if err := sendText(conn, rmiproto.ReplyOK); err != nil {
		return outcomeContinue, err
	}
	sess.setState(Restarting)
	return outcomeRestart, nil
}

// binaryPathForRestartCheck returns the configured binary_path whose
// permission bits gate RESTART and which UPLOAD treats as the server's
// own binary. When no binary_path is configured it falls back to the
// server's self-resolved executable path.
func (srv *Server) binaryPathForRestartCheck() string {
	if srv.cfg != nil && srv.cfg.BinaryPath != "" {
		return srv.cfg.BinaryPath
	}
	return srv.selfPath
}

func (srv *Server) cmdPress(conn *transport.Conn, args []string) (outcome, error) {
	if len(args) != 1 {
		return outcomeContinue, sendText(conn, errReply("press"))
	}
	code, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return outcomeContinue, sendText(conn, errReply("press"))
	}
	if err := sendKeyEvent(uint16(code)); err != nil {
		srv.logger.Printf("device: press: %v", err)
		return outcomeContinue, sendText(conn, errReply("press"))
	}
	return outcomeContinue, sendText(conn, rmiproto.ReplyOK)
}

func (srv *Server) cmdPressInput(conn *transport.Conn, args []string) (outcome, error) {
	if len(args) != 1 {
		return outcomeContinue, sendText(conn, errReply("press"))
	}
	exe := srv.selfPath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return outcomeContinue, sendText(conn, errReply("press"))
		}
	}
	if err := runPressInputChain(exe, args[0], srv.pressUID, srv.pressGID); err != nil {
		srv.logger.Printf("device: press_input: %v", err)
		return outcomeContinue, sendText(conn, errReply("press"))
	}
	return outcomeContinue, sendText(conn, rmiproto.ReplyOK)
}

func (srv *Server) cmdOpen(conn *transport.Conn, args []string) (outcome, error) {
	if len(args) != 1 || srv.launcherCmd == "" {
		return outcomeContinue, sendText(conn, errReply("open"))
	}
	if err := launchPackage(srv.launcherCmd, args[0]); err != nil {
		srv.logger.Printf("device: open: %v", err)
		return outcomeContinue, sendText(conn, errReply("open"))
	}
	return outcomeContinue, sendText(conn, rmiproto.ReplyOK)
}

func (srv *Server) cmdUpload(conn *transport.Conn, args []string, sessionID string, sess *session) (outcome, error) {
	if len(args) != 2 {
		return outcomeContinue, sendText(conn, errReply("upload"))
	}
	remotePath := args[0]
	size, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return outcomeContinue, sendText(conn, errReply("upload"))
	}

	if err := conn.SetReadDeadline(time.Now().Add(uploadFrameTimeout)); err != nil {
		return outcomeContinue, err
	}
	length, err := rmiproto.DecodeHeader(conn.Raw())
	if err != nil {
		return outcomeContinue, err
	}
	if uint64(length) != size {
		if derr := rmiproto.Drain(conn.Raw(), length); derr != nil {
			return outcomeContinue, derr
		}
		return outcomeContinue, sendText(conn, errReply("upload"))
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn.Raw(), data); err != nil {
		return outcomeContinue, sendText(conn, errReply("upload"))
	}

	if err := writeUploadedFile(remotePath, srv.binaryPathForRestartCheck(), data); err != nil {
		srv.logger.Printf("device: upload: %v", err)
		return outcomeContinue, sendText(conn, errReply("upload"))
	}

	srv.recordAudit(sessionID, sess.remoteAddr, audit.KindCommand, "UPLOAD "+remotePath)
	return outcomeContinue, sendText(conn, rmiproto.ReplyOK)
}

// writeUploadedFile writes data to remotePath. If remotePath names the
// server's own running binary, the new bytes are staged at
// "<remotePath>.new", given mode 0777, then renamed atomically into
// place so the currently executing image is never disturbed.
func writeUploadedFile(remotePath, selfBinaryPath string, data []byte) error {
	if selfBinaryPath != "" && samePath(remotePath, selfBinaryPath) {
		staged := remotePath + ".new"
		if err := os.WriteFile(staged, data, 0777); err != nil {
			return fmt.Errorf("write staged binary: %w", err)
		}
		if err := os.Chmod(staged, 0777); err != nil {
			return fmt.Errorf("chmod staged binary: %w", err)
		}
		if err := os.Rename(staged, remotePath); err != nil {
			return fmt.Errorf("rename staged binary: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(remotePath, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// samePath compares remotePath against selfBinaryPath, also matching
// the " (deleted)" suffix a self-resolved /proc/self/exe path carries
// once the running binary has been unlinked.
func samePath(remotePath, selfBinaryPath string) bool {
	trimmed := strings.TrimSuffix(selfBinaryPath, " (deleted)")
	return remotePath == trimmed
}

func (srv *Server) cmdList(conn *transport.Conn, args []string) (outcome, error) {
	if len(args) != 1 {
		return outcomeContinue, sendText(conn, errReply("list"))
	}
	entries, err := os.ReadDir(args[0])
	if err != nil {
		return outcomeContinue, sendText(conn, errReply("list"))
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "D\t%s\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		fmt.Fprintf(&b, "F\t%s\t%d\n", entry.Name(), info.Size())
		if b.Len() > maxListFrame {
			break
		}
	}

	if b.Len() > maxListFrame {
		return outcomeContinue, sendText(conn, errReply("list"))
	}
	return outcomeContinue, sendText(conn, b.String())
}

func (srv *Server) cmdDownload(conn *transport.Conn, args []string) (outcome, error) {
	if len(args) != 1 {
		return outcomeContinue, sendText(conn, errReply("download"))
	}
	info, err := os.Stat(args[0])
	if err != nil || !info.Mode().IsRegular() || info.Size() > int64(^uint32(0)) {
		return outcomeContinue, sendText(conn, errReply("download"))
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return outcomeContinue, sendText(conn, errReply("download"))
	}
	if err := sendText(conn, rmiproto.ReplyOK); err != nil {
		return outcomeContinue, err
	}
	return outcomeContinue, sendBytes(conn, data)
}

func (srv *Server) cmdDelete(conn *transport.Conn, args []string) (outcome, error) {
	if len(args) != 1 {
		return outcomeContinue, sendText(conn, errReply("delete"))
	}
	clean := filepath.Clean(args[0])
	if clean == "/" || clean == "." {
		return outcomeContinue, sendText(conn, errReply("delete"))
	}
	if err := os.RemoveAll(clean); err != nil {
		return outcomeContinue, sendText(conn, errReply("delete"))
	}
	return outcomeContinue, sendText(conn, rmiproto.ReplyOK)
}

func (srv *Server) cmdScreencap(conn *transport.Conn) (outcome, error) {
	data, err := captureScreen(srv.screencapBin)
	if err != nil {
		srv.logger.Printf("device: screencap: %v", err)
		return outcomeContinue, sendText(conn, errReply("screencap"))
	}
	return outcomeContinue, sendBytes(conn, data)
}
