// Command pdsbackup-client runs the client agent: it watches a
// directory tree and mirrors changes to a backup server, or (in
// retrieve mode) pulls a prior backup down to a local directory.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/pdsbackup/pdsbackup/backupconfig"
	"github.com/pdsbackup/pdsbackup/backuplog"
	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/queue"
	"github.com/pdsbackup/pdsbackup/retrieve"
	"github.com/pdsbackup/pdsbackup/session/client"
	"github.com/pdsbackup/pdsbackup/transport"
	"github.com/pdsbackup/pdsbackup/watch"
	"github.com/pdsbackup/pdsbackup/wire"
)

var (
	configOverride = flag.String("config-file-override", "/etc/pdsbackup/client.conf", "Path to the client configuration file")
	start          = flag.Bool("start", false, "Start the client daemon")

	retrieveMode = flag.Bool("retrieve", false, "Retrieve a prior backup instead of running the watcher daemon")
	retrieveDir  = flag.String("dir", "", "Destination directory for --retrieve")
	device       = flag.String("device", "", "Device MAC to retrieve (mutually exclusive with --all)")
	all          = flag.Bool("all", false, "Retrieve every device for the user")
	user         = flag.String("user", "", "Username")
	password     = flag.String("password", "", "Password")
	serverAddr   = flag.String("server", "", "Server address, host:port")
	caFile       = flag.String("ca-file", "", "CA certificate bundle to verify the server against")
)

func main() {
	flag.Parse()
	lg := backuplog.New(os.Stderr)

	switch {
	case *retrieveMode:
		runRetrieve(lg)
	case *start:
		runDaemon(lg)
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass --start or --retrieve")
		os.Exit(1)
	}
}

func runRetrieve(lg *backuplog.Logger) {
	if *retrieveDir == `` || *user == `` || *password == `` || *serverAddr == `` || *caFile == `` {
		fmt.Fprintln(os.Stderr, "--retrieve requires --dir, --user, --password, --server and --ca-file")
		os.Exit(1)
	}
	if *device == `` && !*all {
		fmt.Fprintln(os.Stderr, "--retrieve requires --device M or --all")
		os.Exit(1)
	}
	if err := os.MkdirAll(*retrieveDir, 0o700); err != nil {
		lg.Fatalf(`retrieve`, "cannot create destination directory: %v", err)
	}

	tlsCfg, err := transport.LoadClientTLSConfig(*caFile, hostOnly(*serverAddr))
	if err != nil {
		lg.Fatalf(`retrieve`, "failed to load TLS material: %v", err)
	}
	conn, err := transport.Dial(*serverAddr, tlsCfg)
	if err != nil {
		lg.Fatalf(`retrieve`, "failed to connect to %s: %v", *serverAddr, err)
	}
	defer conn.Close()

	if err := authenticate(conn, *user, *password); err != nil {
		lg.Fatalf(`retrieve`, "authentication failed: %v", err)
	}

	b, err := wire.EncodeClient(wire.ClientMessage{Version: wire.Version, Type: wire.MsgRetr, Device: *device, All: *all})
	if err != nil {
		lg.Fatalf(`retrieve`, "failed to encode RETR: %v", err)
	}
	if err := conn.SendFrame(b); err != nil {
		lg.Fatalf(`retrieve`, "failed to send RETR: %v", err)
	}
	if err := retrieve.ReceiveRetrieval(conn, *retrieveDir); err != nil {
		lg.Fatalf(`retrieve`, "retrieval failed: %v", err)
	}
	lg.Infof(`retrieve`, "retrieval complete into %s", *retrieveDir)
}

func authenticate(conn *transport.Conn, user, password string) error {
	mac, err := conn.PeerMAC()
	if err != nil {
		return err
	}
	b, err := wire.EncodeClient(wire.ClientMessage{
		Version: wire.Version, Type: wire.MsgAuth, Username: user, Device: mac, Password: password,
	})
	if err != nil {
		return err
	}
	if err := conn.SendFrame(b); err != nil {
		return err
	}
	frame, err := conn.RecvFrame()
	if err != nil {
		return err
	}
	m, err := wire.DecodeServer(frame)
	if err != nil {
		return err
	}
	if m.Type != wire.MsgOK || m.Code != wire.CodeAuthenticated {
		return fmt.Errorf("server rejected authentication (%s/%s)", m.Type, m.Code)
	}
	return nil
}

func hostOnly(addr string) string {
	if i := lastColon(addr); i >= 0 {
		return addr[:i]
	}
	return addr
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func runDaemon(lg *backuplog.Logger) {
	cfg, err := backupconfig.LoadClientConfig(*configOverride)
	if err != nil {
		lg.Fatalf(`client`, "failed to load configuration: %v", err)
	}
	if cfg.Log_File != `` {
		fout, err := os.OpenFile(cfg.Log_File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			lg.Fatalf(`client`, "failed to open log file %s: %v", cfg.Log_File, err)
		}
		lg.AddWriter(fout)
	}

	lockPath := filepath.Join(filepath.Dir(cfg.CatalogPath), ".pdsbackup.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		lg.Fatalf(`client`, "failed to acquire instance lock: %v", err)
	}
	if !locked {
		lg.Fatalf(`client`, "another pdsbackup-client instance already owns %s", cfg.WatchRoot)
	}
	defer fl.Unlock()

	local, err := catalog.OpenLocal(cfg.CatalogPath)
	if err != nil {
		lg.Fatalf(`client`, "failed to open local catalog: %v", err)
	}
	defer local.Close()

	tlsCfg, err := transport.LoadClientTLSConfig(cfg.Ca_File, hostOnly(cfg.Server))
	if err != nil {
		lg.Fatalf(`client`, "failed to load TLS material: %v", err)
	}

	events := queue.New[watch.Event](cfg.Window_Size * 2)
	eng := client.New(client.Config{
		Endpoint:       cfg.Server,
		User:           cfg.User,
		Password:       cfg.Password,
		WatchRoot:      cfg.WatchRoot,
		TLS:            tlsCfg,
		Window:         cfg.Window_Size,
		ChunkSize:      cfg.Chunk_Size,
		TIdle:          time.Duration(cfg.TIdleS) * time.Second,
		TReconnectBase: time.Duration(cfg.T_Reconnect_S) * time.Second,
		TReconnectCap:  time.Duration(cfg.T_Reconnect_Cap_S) * time.Second,
		RConn:          cfg.R_Conn,
		RErr:           cfg.R_Err,
	}, local, events, lg)

	w := watch.New(cfg.WatchRoot, time.Duration(cfg.TWatchMs)*time.Millisecond)
	defer w.Close()
	if err := w.Seed(local); err != nil {
		lg.Fatalf(`client`, "failed to seed watcher from catalog: %v", err)
	}

	stop := make(chan struct{})
	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sch
		lg.Infof(`client`, "shutting down")
		close(stop)
	}()

	sessionID := uuid.NewString()
	lg.Infof(`client`, "starting session %s against %s", sessionID, cfg.Server)

	go w.Run(stop, events.TryPush)

	if err := eng.Run(stop); err != nil {
		lg.Fatalf(`client`, "session terminated: %v", err)
	}
	lg.Infof(`client`, "stopped")
}
