// Command rmi-device runs the device-resident RMI server: a
// single-client accept loop plus a loopback-only status endpoint for
// local diagnostics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/avaropoint/rmi/internal/audit"
	"github.com/avaropoint/rmi/internal/device"
	"github.com/avaropoint/rmi/internal/identity"
	"github.com/avaropoint/rmi/internal/statusapi"
	"github.com/avaropoint/rmi/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-press-input-child" {
		runPressInputChild(os.Args[2:])
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "issue-status-key" {
		issueStatusKey(os.Args[2:])
		return
	}

	addr := flag.String("addr", ":7777", "RMI server listen address")
	statusAddr := flag.String("status-addr", "127.0.0.1:7778", "loopback status API listen address")
	configPath := flag.String("config", "/etc/rmi-device.conf", "path to the credentials config file")
	dataDir := flag.String("data-dir", "/var/lib/rmi-device", "directory for the device identity key and audit database")
	logPath := flag.String("log", "/var/log/rmi-device.log", "append-only log file path")
	screencapBin := flag.String("screencap-bin", "screencap", "screenshot capture binary")
	launcherCmd := flag.String("launcher-cmd", "monkey", "package launcher command for OPEN")
	pressUID := flag.Int("press-uid", -1, "UID to drop to before PRESS_INPUT exec, or -1 to inherit")
	pressGID := flag.Int("press-gid", -1, "GID to drop to before PRESS_INPUT exec, or -1 to inherit")
	flag.Parse()

	logger := log.New(device.NewLogWriter(openLogDestination(*logPath)), "rmi-device: ", 0)
	logger.Printf("rmi-device v%s (built %s)", version.Version, version.BuildTime)

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		logger.Fatalf("create data dir: %v", err)
	}

	cfg, err := device.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	dev, err := identity.LoadOrCreate(*dataDir)
	if err != nil {
		logger.Fatalf("load device identity: %v", err)
	}
	logger.Printf("device identity fingerprint %s", dev.Fingerprint())

	store, err := audit.Open(*dataDir + "/audit.db")
	if err != nil {
		logger.Fatalf("open audit store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	selfPath, err := os.Executable()
	if err != nil {
		logger.Fatalf("resolve self path: %v", err)
	}

	srv := device.New(device.Options{
		Addr:         *addr,
		Config:       cfg,
		Logger:       logger,
		Audit:        store,
		Identity:     dev,
		Argv:         os.Args,
		SelfPath:     selfPath,
		ScreencapBin: *screencapBin,
		LauncherCmd:  *launcherCmd,
		PressUID:     *pressUID,
		PressGID:     *pressGID,
	})

	statusSrv := statusapi.New(store, srv, dev)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := statusSrv.ListenAndServe(ctx, *statusAddr); err != nil {
			logger.Printf("status API stopped: %v", err)
		}
	}()

	if err := srv.ListenAndServe(*addr); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

// runPressInputChild is entered only in a freshly spawned process that
// exists to drop privileges and exec one PRESS_INPUT candidate; it is
// never reached by the long-lived accept-loop process above.
func runPressInputChild(args []string) {
	if len(args) < 4 {
		log.Fatalf("rmi-device: press-input helper requires uid, gid, classpath flag, argv...")
	}
	uid, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("rmi-device: invalid uid: %v", err)
	}
	gid, err := strconv.Atoi(args[1])
	if err != nil {
		log.Fatalf("rmi-device: invalid gid: %v", err)
	}
	needsClasspath := args[2] == "1"
	argv := args[3:]

	if err := device.RunPressInputHelper(argv, uid, gid, needsClasspath); err != nil {
		log.Fatalf("rmi-device: press-input helper failed: %v", err)
	}
}

// openLogDestination opens path for append, falling back to stderr if
// the file cannot be created (permissions, missing directory), so a
// misconfigured log path never prevents the server from starting.
func openLogDestination(path string) *os.File {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("rmi-device: open log file %s: %v (falling back to stderr)", path, err)
		return os.Stderr
	}
	return f
}

// issueStatusKey mints a new status API key and prints it once; only
// its hash is ever persisted, so this is the one opportunity to record
// the raw value.
func issueStatusKey(args []string) {
	fs := flag.NewFlagSet("issue-status-key", flag.ExitOnError)
	dataDir := fs.String("data-dir", "/var/lib/rmi-device", "directory containing the audit database")
	name := fs.String("name", "default", "label for the new key")
	fs.Parse(args) //nolint:errcheck

	store, err := audit.Open(*dataDir + "/audit.db")
	if err != nil {
		log.Fatalf("rmi-device: open audit store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	apiKey, raw, err := statusapi.GenerateKey(*name)
	if err != nil {
		log.Fatalf("rmi-device: generate key: %v", err)
	}
	if err := store.CreateAPIKey(context.Background(), apiKey); err != nil {
		log.Fatalf("rmi-device: persist key: %v", err)
	}

	fmt.Printf("issued status API key %q: %s\n", *name, raw)
	fmt.Println("this value is shown once; only its hash is stored")
}
