// Command pdsbackup-server runs the backup server daemon: it accepts
// mutually-trusted TLS connections from client agents and mirrors their
// watched trees into ServerRoot, one subtree per (user, device).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pdsbackup/pdsbackup/backupconfig"
	"github.com/pdsbackup/pdsbackup/backuplog"
	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/creds"
	"github.com/pdsbackup/pdsbackup/session/server"
	"github.com/pdsbackup/pdsbackup/transport"
)

var (
	configOverride = flag.String("config-file-override", "/etc/pdsbackup/server.conf", "Path to the server configuration file")
	start          = flag.Bool("start", false, "Start the server daemon")
)

func main() {
	flag.Parse()
	if !*start {
		fmt.Fprintln(os.Stderr, "nothing to do: pass --start to run the server daemon")
		os.Exit(1)
	}

	lg := backuplog.New(os.Stderr)

	cfg, err := backupconfig.LoadServerConfig(*configOverride)
	if err != nil {
		lg.Fatalf(`server`, "failed to load configuration: %v", err)
	}
	if cfg.Log_File != `` {
		fout, err := os.OpenFile(cfg.Log_File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			lg.Fatalf(`server`, "failed to open log file %s: %v", cfg.Log_File, err)
		}
		lg.AddWriter(fout)
	}

	cat, err := catalog.OpenServer(cfg.CatalogPath)
	if err != nil {
		lg.Fatalf(`server`, "failed to open catalog: %v", err)
	}
	defer cat.Close()

	credStore, err := creds.Open(cfg.CredsPath)
	if err != nil {
		lg.Fatalf(`server`, "failed to open credential store: %v", err)
	}
	defer credStore.Close()

	tlsCfg, err := transport.LoadServerTLSConfig(cfg.Cert_File, cfg.Key_File)
	if err != nil {
		lg.Fatalf(`server`, "failed to load TLS material: %v", err)
	}

	ln, err := transport.Listen(fmt.Sprintf(":%d", cfg.ListenPort), tlsCfg)
	if err != nil {
		lg.Fatalf(`server`, "failed to listen on port %d: %v", cfg.ListenPort, err)
	}
	lg.Infof(`server`, "listening on port %d, server_root=%s", cfg.ListenPort, cfg.ServerRoot)

	h := &server.Handler{
		ServerRoot: cfg.ServerRoot,
		TempRoot:   cfg.TempRoot,
		Catalog:    cat,
		Creds:      credStore,
		Log:        lg,
	}

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sch
		lg.Infof(`server`, "shutting down")
		ln.Close()
	}()

	accept := make(chan net.Conn, cfg.AcceptQueue)
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerThreads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for nc := range accept {
				conn := transport.Wrap(nc)
				if err := h.Serve(conn); err != nil {
					lg.Warnf(`server`, "worker %d: session ended: %v", id, err)
				}
			}
		}(i)
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			close(accept)
			break
		}
		accept <- nc
	}
	wg.Wait()
	lg.Infof(`server`, "stopped")
}
