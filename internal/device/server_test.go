package device

import (
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/avaropoint/rmi/internal/rmiproto"
	"github.com/avaropoint/rmi/internal/transport"
)

func pipeServerAndClient(t *testing.T) (*Server, *session, net.Conn, *transport.Conn) {
	t.Helper()
	return pipeServerAndClientWithOptions(t, Options{
		Config: &Config{Username: "alice", Password: "s3cret"},
	})
}

func pipeServerAndClientWithOptions(t *testing.T, opts Options) (*Server, *session, net.Conn, *transport.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	srv := New(opts)
	sess := newSession("pipe")
	return srv, sess, clientSide, transport.WrapConn(serverSide)
}

// runDispatch sends cmd from client, runs dispatch once on the server
// side, and returns the reply. It is shared by every test below that
// only needs a single authenticated round trip.
func runDispatch(t *testing.T, srv *Server, sess *session, client net.Conn, serverConn *transport.Conn, cmd string) string {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, err := readCommandFrame(serverConn)
		if err != nil {
			return
		}
		srv.dispatch(serverConn, sess, "s1", payload) //nolint:errcheck
	}()
	sendFrame(t, client, cmd)
	reply := readReply(t, client)
	<-done
	return reply
}

func sendFrame(t *testing.T, conn net.Conn, text string) {
	t.Helper()
	if err := rmiproto.Encode(conn, []byte(text)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func readReply(t *testing.T, conn net.Conn) string {
	t.Helper()
	payload, err := rmiproto.Decode(conn, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return string(payload)
}

func TestDispatchRequiresAuthFirst(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, err := readCommandFrame(serverConn)
		if err != nil {
			t.Errorf("readCommandFrame: %v", err)
			return
		}
		if _, err := srv.dispatch(serverConn, sess, "s1", payload); err != nil {
			t.Errorf("dispatch: %v", err)
		}
	}()

	sendFrame(t, client, "VERSION")
	got := readReply(t, client)
	<-done

	if got != "ERR auth required" {
		t.Fatalf("expected auth required, got %q", got)
	}
	if sess.getState() != AwaitAuth {
		t.Fatalf("expected state to remain AwaitAuth")
	}
}

func TestDispatchAuthSuccessThenVersion(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()

	runOne := func(cmd string) string {
		done := make(chan string, 1)
		go func() {
			payload, err := readCommandFrame(serverConn)
			if err != nil {
				done <- "ERR " + err.Error()
				return
			}
			srv.dispatch(serverConn, sess, "s1", payload)
			done <- ""
		}()
		sendFrame(t, client, cmd)
		reply := readReply(t, client)
		<-done
		return reply
	}

	if got := runOne("AUTH alice s3cret"); got != "OK" {
		t.Fatalf("expected OK for auth, got %q", got)
	}
	if sess.getState() != Authenticated {
		t.Fatalf("expected Authenticated state")
	}

	if got := runOne("VERSION"); got != "VERSION 1" {
		t.Fatalf("expected VERSION 1, got %q", got)
	}
}

func TestDispatchThreeFailedAuthAttemptsTerminates(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()

	runOne := func(cmd string) string {
		done := make(chan struct{})
		var reply string
		go func() {
			defer close(done)
			payload, err := readCommandFrame(serverConn)
			if err != nil {
				return
			}
			srv.dispatch(serverConn, sess, "s1", payload)
		}()
		sendFrame(t, client, cmd)
		reply = readReply(t, client)
		<-done
		return reply
	}

	runOne("HEARTBEAT")
	runOne("VERSION")
	got := runOne("LIST /tmp")

	if got != "ERR auth failed" {
		t.Fatalf("expected terminal auth failure, got %q", got)
	}
	if sess.getState() != Terminated {
		t.Fatalf("expected Terminated state after 3 failed attempts")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, _ := readCommandFrame(serverConn)
		srv.dispatch(serverConn, sess, "s1", payload)
	}()
	sendFrame(t, client, "BOGUS")
	got := readReply(t, client)
	<-done

	if got != "ERR unknown command" {
		t.Fatalf("expected unknown command error, got %q", got)
	}
}

func TestDownloadRefusesDirectories(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, _ := readCommandFrame(serverConn)
		srv.dispatch(serverConn, sess, "s1", payload)
	}()
	sendFrame(t, client, "DOWNLOAD /tmp")
	got := readReply(t, client)
	<-done

	if got != "ERR download" {
		t.Fatalf("expected download error for a directory, got %q", got)
	}
}

func TestUploadWritesFileAndAcknowledges(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	dir := t.TempDir()
	target := dir + "/uploaded.bin"
	body := []byte("hello upload")

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, err := readCommandFrame(serverConn)
		if err != nil {
			return
		}
		srv.dispatch(serverConn, sess, "s1", payload)
	}()

	sendFrame(t, client, "UPLOAD "+target+" "+strconv.Itoa(len(body)))
	if err := rmiproto.Encode(client, body); err != nil {
		t.Fatalf("Encode data frame: %v", err)
	}
	got := readReply(t, client)
	<-done

	if got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}

	written, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(written) != string(body) {
		t.Fatalf("uploaded content mismatch: got %q", written)
	}
}

func TestListSkipsNonRegularEntries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs elevated privileges on windows")
	}

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/regular.txt", []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(dir+"/subdir", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.Symlink(dir+"/regular.txt", dir+"/link.txt"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	got := runDispatch(t, srv, sess, client, serverConn, "LIST "+dir)

	if !strings.Contains(got, "F\tregular.txt\t5\n") {
		t.Fatalf("expected regular.txt to be listed as a file, got %q", got)
	}
	if !strings.Contains(got, "D\tsubdir\n") {
		t.Fatalf("expected subdir to be listed as a directory, got %q", got)
	}
	if strings.Contains(got, "link.txt") {
		t.Fatalf("expected symlink to be skipped, got %q", got)
	}
}

func TestListThenDeleteThenListShrinks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/a.txt", []byte("a"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(dir+"/b.txt", []byte("b"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	before := runDispatch(t, srv, sess, client, serverConn, "LIST "+dir)
	beforeCount := strings.Count(before, "\n")
	if beforeCount != 2 {
		t.Fatalf("expected 2 entries before delete, got %d (%q)", beforeCount, before)
	}

	if got := runDispatch(t, srv, sess, client, serverConn, "DELETE "+dir+"/a.txt"); got != "OK" {
		t.Fatalf("expected OK for delete, got %q", got)
	}

	after := runDispatch(t, srv, sess, client, serverConn, "LIST "+dir)
	afterCount := strings.Count(after, "\n")
	if afterCount >= beforeCount {
		t.Fatalf("expected listing to strictly shrink after delete: before=%d after=%d", beforeCount, afterCount)
	}
	if strings.Contains(after, "a.txt") {
		t.Fatalf("expected a.txt to be gone from the listing, got %q", after)
	}
	if !strings.Contains(after, "b.txt") {
		t.Fatalf("expected b.txt to remain in the listing, got %q", after)
	}
}

func TestDeleteRejectsRootAndDot(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "DELETE /"); got != "ERR delete" {
		t.Fatalf("expected ERR delete for /, got %q", got)
	}
	if got := runDispatch(t, srv, sess, client, serverConn, "DELETE ."); got != "ERR delete" {
		t.Fatalf("expected ERR delete for ., got %q", got)
	}
}

func TestRestartRejectsWrongMode(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/device-bin"
	if err := os.WriteFile(path, []byte("bin"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv, sess, client, serverConn := pipeServerAndClientWithOptions(t, Options{
		Config: &Config{Username: "alice", Password: "s3cret", BinaryPath: path},
	})
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "RESTART"); got != "ERR restart" {
		t.Fatalf("expected ERR restart for mode 0644, got %q", got)
	}
}

func TestRestartAcceptsMode0777(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/device-bin"
	if err := os.WriteFile(path, []byte("bin"), 0777); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chmod(path, 0777); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	srv, sess, client, serverConn := pipeServerAndClientWithOptions(t, Options{
		Config: &Config{Username: "alice", Password: "s3cret", BinaryPath: path},
	})
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "RESTART"); got != "OK" {
		t.Fatalf("expected OK for mode 0777, got %q", got)
	}
	if sess.getState() != Restarting {
		t.Fatalf("expected session state Restarting after an accepted RESTART, got %v", sess.getState())
	}
}

func TestRestartFollowsSymlinkToMode0777(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs elevated privileges on windows")
	}

	dir := t.TempDir()
	real := dir + "/device-bin"
	if err := os.WriteFile(real, []byte("bin"), 0777); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chmod(real, 0777); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	link := dir + "/device-bin-link"
	if err := os.Symlink(real, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	srv, sess, client, serverConn := pipeServerAndClientWithOptions(t, Options{
		Config: &Config{Username: "alice", Password: "s3cret", BinaryPath: link},
	})
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "RESTART"); got != "OK" {
		t.Fatalf("expected RESTART to follow the symlink and see mode 0777, got %q", got)
	}
}

func TestPressRejectsBadArgs(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "PRESS"); got != "ERR press" {
		t.Fatalf("expected ERR press with no keycode, got %q", got)
	}
	if got := runDispatch(t, srv, sess, client, serverConn, "PRESS notanumber"); got != "ERR press" {
		t.Fatalf("expected ERR press with a non-numeric keycode, got %q", got)
	}
}

func TestPressInputRejectsBadArgs(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "PRESS_INPUT"); got != "ERR press" {
		t.Fatalf("expected ERR press with no keycode, got %q", got)
	}
	if got := runDispatch(t, srv, sess, client, serverConn, "PRESS_INPUT 3 extra"); got != "ERR press" {
		t.Fatalf("expected ERR press with too many args, got %q", got)
	}
}

func TestOpenLaunchesConfiguredCommand(t *testing.T) {
	launcher := "true"
	if runtime.GOOS == "windows" {
		t.Skip("no universally present no-op launcher on windows")
	}

	srv, sess, client, serverConn := pipeServerAndClientWithOptions(t, Options{
		Config:      &Config{Username: "alice", Password: "s3cret"},
		LauncherCmd: launcher,
	})
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "OPEN com.example.app"); got != "OK" {
		t.Fatalf("expected OK from a launcher command that exits zero, got %q", got)
	}
}

func TestOpenFailsWhenLauncherUnconfigured(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClient(t)
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "OPEN com.example.app"); got != "ERR open" {
		t.Fatalf("expected ERR open with no launcher configured, got %q", got)
	}
}

func TestScreencapFailsWhenBinaryMissing(t *testing.T) {
	srv, sess, client, serverConn := pipeServerAndClientWithOptions(t, Options{
		Config:       &Config{Username: "alice", Password: "s3cret"},
		ScreencapBin: "/definitely/not/a/real/screencap/binary",
	})
	defer client.Close()
	defer serverConn.Close()
	sess.setState(Authenticated)

	if got := runDispatch(t, srv, sess, client, serverConn, "SCREENCAP"); got != "ERR screencap" {
		t.Fatalf("expected ERR screencap when the binary can't be found, got %q", got)
	}
}
