// Command rmi-client is a scriptable command-line client for the RMI
// protocol: connect once, issue one command, print the published
// result, and exit.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/avaropoint/rmi/internal/version"
	"github.com/avaropoint/rmi/internal/worker"
)

// colorStdout reports whether ANSI color codes are safe to write to
// stdout, i.e. it is an interactive terminal rather than a pipe or
// redirected file.
var colorStdout = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func statusLine(ok bool, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !colorStdout {
		fmt.Println(msg)
		return
	}
	if ok {
		fmt.Printf("\033[32m%s\033[0m\n", msg)
	} else {
		fmt.Printf("\033[31m%s\033[0m\n", msg)
	}
}

func main() {
	host := flag.String("host", "127.0.0.1", "device host")
	port := flag.Int("port", 7777, "device port")
	user := flag.String("user", "admin", "AUTH username")
	pass := flag.String("pass", "admin", "AUTH password")
	timeout := flag.Duration("timeout", 10*time.Second, "overall command timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		log.Printf("rmi-client v%s (built %s)", version.Version, version.BuildTime)
		log.Fatal("usage: rmi-client [-host H] [-port P] [-user U] [-pass P] <command> [args...]")
	}

	c := worker.New()
	if err := c.Connect(worker.Config{Host: *host, Port: *port, Username: *user, Password: *pass}); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if !waitForConnected(c, *timeout) {
		log.Fatalf("connect: %s", c.LastError())
	}

	if err := runCommand(c, args, *timeout); err != nil {
		log.Fatalf("%v", err)
	}
}

func waitForConnected(c *worker.Client, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch c.State() {
		case worker.Connected:
			return true
		case worker.Error:
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}

func runCommand(c *worker.Client, args []string, timeout time.Duration) error {
	command := strings.ToUpper(args[0])
	rest := args[1:]

	switch command {
	case "VERSION":
		if err := c.SendVersion(); err != nil {
			return err
		}
		v, ok := waitVersion(c, timeout)
		if !ok {
			return fmt.Errorf("version: %s", c.LastError())
		}
		fmt.Printf("VERSION %d\n", v)

	case "LIST":
		path := argOr(rest, 0, "/")
		if err := c.SendList(path); err != nil {
			return err
		}
		res, ok := waitList(c, path, timeout)
		if !ok {
			return fmt.Errorf("list: timed out")
		}
		if res.Error != "" {
			return fmt.Errorf("list: %s", res.Error)
		}
		printFileList(res.Entries)

	case "DOWNLOAD":
		if len(rest) < 1 {
			return fmt.Errorf("download requires a remote path")
		}
		path := rest[0]
		if err := c.SendDownload(path); err != nil {
			return err
		}
		res, ok := waitDownload(c, path, timeout)
		if !ok {
			return fmt.Errorf("download: timed out")
		}
		if res.Error != "" {
			return fmt.Errorf("download: %s", res.Error)
		}
		statusLine(true, "downloaded %s (%s)", path, humanize.Bytes(res.Total))
		if len(rest) >= 2 {
			return os.WriteFile(rest[1], res.Data, 0644)
		}
		os.Stdout.Write(res.Data) //nolint:errcheck

	case "UPLOAD":
		if len(rest) < 2 {
			return fmt.Errorf("upload requires a local path and a remote path")
		}
		restart := len(rest) >= 3 && rest[2] == "restart"
		info, statErr := os.Stat(rest[0])
		if err := c.SendUpload(rest[0], rest[1], restart); err != nil {
			return err
		}
		if !waitMailboxDrained(c, timeout) {
			statusLine(false, "upload failed: %s", c.LastError())
			return fmt.Errorf("upload: %s", c.LastError())
		}
		if statErr == nil {
			statusLine(true, "uploaded %s (%s) to %s", rest[0], humanize.Bytes(uint64(info.Size())), rest[1])
		}

	case "SCREENCAP":
		if err := c.SendScreencap(); err != nil {
			return err
		}
		res, ok := waitScreencap(c, timeout)
		if !ok {
			return fmt.Errorf("screencap: timed out")
		}
		out := argOr(rest, 0, "screencap.png")
		statusLine(true, "captured %dx%d screencap (%s)", res.Width, res.Height, humanize.Bytes(uint64(len(res.PNG))))
		return os.WriteFile(out, res.PNG, 0644)

	case "PRESS", "OPEN", "DELETE":
		full := command
		if len(rest) > 0 {
			full = command + " " + strings.Join(rest, " ")
		}
		if err := c.SendCommand(full, false); err != nil {
			return err
		}
		if !waitMailboxDrained(c, timeout) {
			return fmt.Errorf("%s: %s", command, c.LastError())
		}

	case "RESTART", "QUIT":
		if err := c.SendCommand(command, command == "QUIT"); err != nil {
			return err
		}
		if !waitMailboxDrained(c, timeout) {
			return fmt.Errorf("%s: %s", command, c.LastError())
		}

	default:
		return fmt.Errorf("unknown command %q", command)
	}

	return nil
}

func argOr(args []string, i int, fallback string) string {
	if i < len(args) {
		return args[i]
	}
	return fallback
}

func waitVersion(c *worker.Client, timeout time.Duration) (uint32, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v, ok := c.Version(); ok {
			return v, true
		}
		if c.State() == worker.Error {
			return 0, false
		}
		time.Sleep(25 * time.Millisecond)
	}
	return 0, false
}

func waitList(c *worker.Client, path string, timeout time.Duration) (worker.FileListResult, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r, ok := c.FileList(path); ok {
			return r, true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return worker.FileListResult{}, false
}

func waitDownload(c *worker.Client, path string, timeout time.Duration) (worker.DownloadResult, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r, ok := c.Download(path); ok && !r.InProgress {
			return r, true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return worker.DownloadResult{}, false
}

func waitScreencap(c *worker.Client, timeout time.Duration) (worker.ScreencapResult, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r, ok := c.Screencap(); ok {
			return r, true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return worker.ScreencapResult{}, false
}

// waitMailboxDrained is a best-effort wait for fire-and-forget commands
// that publish no structured result: it waits out the whole timeout
// and reports failure only if the worker enters Error before then.
func waitMailboxDrained(c *worker.Client, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == worker.Error {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

func printFileList(entries []worker.FileEntry) {
	for _, e := range entries {
		if e.IsDir {
			fmt.Printf("D\t%s\n", e.Name)
			continue
		}
		fmt.Printf("F\t%s\t%s\n", e.Name, humanize.Bytes(e.Size))
	}
}

