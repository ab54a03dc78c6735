// Package backupconfig defines the gcfg-tagged configuration structures
// for the client agent, the server daemon, and the admin utility, and
// the shared size-capped file loader they all use (spec.md §6.4).
package backupconfig

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/gravwell/gcfg"

	"github.com/pdsbackup/pdsbackup/session"
)

const maxConfigSize int64 = 2 * 1024 * 1024 // 2MB, a config file has no business being bigger

var (
	ErrConfigFileTooLarge = errors.New("backupconfig: config file is too large")
	ErrFailedFileRead     = errors.New("backupconfig: failed to read entire config file")
)

// LoadConfigFile opens path, enforces the size cap, and parses it into v.
func LoadConfigFile(v any, path string) error {
	fin, err := os.Open(path)
	if err != nil {
		return err
	}
	fi, err := fin.Stat()
	if err != nil {
		fin.Close()
		return err
	}
	if fi.Size() > maxConfigSize {
		fin.Close()
		return ErrConfigFileTooLarge
	}
	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	fin.Close()
	if err != nil {
		return err
	}
	if n != fi.Size() {
		return ErrFailedFileRead
	}
	return LoadConfigBytes(v, bb.Bytes())
}

// LoadConfigBytes parses b (gcfg/INI syntax) into v.
func LoadConfigBytes(v any, b []byte) error {
	if int64(len(b)) > maxConfigSize {
		return ErrConfigFileTooLarge
	}
	return gcfg.ReadStringInto(v, string(b))
}

// Global holds the settings common to every mode of operation: TLS
// material, tunables, and the defaults applied when a key is absent.
type Global struct {
	Ca_File           string
	Cert_File         string
	Key_File          string
	T_Reconnect_S     int
	T_Reconnect_Cap_S int
	R_Conn            int
	R_Err             int
	Window_Size       int
	Chunk_Size        int
	Temp_Name_Len     int
	Log_Level         string
	Log_File          string
}

func (g *Global) applyDefaults() {
	if g.T_Reconnect_S <= 0 {
		g.T_Reconnect_S = 1
	}
	if g.T_Reconnect_Cap_S <= 0 {
		g.T_Reconnect_Cap_S = 60
	}
	if g.R_Conn <= 0 {
		g.R_Conn = 10
	}
	if g.R_Err <= 0 {
		g.R_Err = 3
	}
	if g.Window_Size <= 0 {
		g.Window_Size = 8
	}
	if g.Chunk_Size <= 0 {
		g.Chunk_Size = 20 * 1024
	}
	if g.Temp_Name_Len <= 0 {
		g.Temp_Name_Len = 12
	}
	if g.Log_Level == `` {
		g.Log_Level = `INFO`
	}
}

// ClientReadType is the gcfg-facing structure for the client agent's
// config file: a single [Global] section plus the client-only keys.
type ClientReadType struct {
	Global Global
	Client struct {
		Watch_Root    string
		Server        string
		Catalog_Path  string
		User          string
		Password      string
		T_Watch_Ms    int
		T_Select_S    int
		T_Idle_S      int
	}
}

// ClientConfig is the validated, defaulted configuration handed to the
// client agent's entry point.
type ClientConfig struct {
	Global
	WatchRoot   string
	Server      string
	CatalogPath string
	User        string
	Password    string
	TWatchMs    int
	TSelectS    int
	TIdleS      int
}

// LoadClientConfig reads, defaults, and validates a client config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var cr ClientReadType
	if err := LoadConfigFile(&cr, path); err != nil {
		return nil, session.Fatal(session.FatalConfig, "reading client config: %v", err)
	}
	cr.Global.applyDefaults()
	if cr.Client.T_Watch_Ms <= 0 {
		cr.Client.T_Watch_Ms = 2000
	}
	if cr.Client.T_Select_S <= 0 {
		cr.Client.T_Select_S = 30
	}
	if cr.Client.T_Idle_S <= 0 {
		cr.Client.T_Idle_S = 300
	}
	c := &ClientConfig{
		Global:      cr.Global,
		WatchRoot:   cr.Client.Watch_Root,
		Server:      cr.Client.Server,
		CatalogPath: cr.Client.Catalog_Path,
		User:        cr.Client.User,
		Password:    cr.Client.Password,
		TWatchMs:    cr.Client.T_Watch_Ms,
		TSelectS:    cr.Client.T_Select_S,
		TIdleS:      cr.Client.T_Idle_S,
	}
	if err := c.verify(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ClientConfig) verify() error {
	if c.WatchRoot == `` {
		return session.Fatal(session.FatalConfig, "watch_root is required")
	}
	fi, err := os.Stat(c.WatchRoot)
	if err != nil {
		return session.Fatal(session.FatalConfig, "watch_root %q is not usable: %v", c.WatchRoot, err)
	}
	if !fi.IsDir() {
		return session.Fatal(session.FatalConfig, "watch_root %q is not a directory", c.WatchRoot)
	}
	probe, err := os.CreateTemp(c.WatchRoot, `.pdsbackup-writetest-*`)
	if err != nil {
		return session.Fatal(session.FatalConfig, "watch_root %q is not writable: %v", c.WatchRoot, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	if c.Server == `` {
		return session.Fatal(session.FatalConfig, "server is required")
	}
	if c.CatalogPath == `` {
		return session.Fatal(session.FatalConfig, "catalog_path is required")
	}
	if c.Ca_File == `` {
		return session.Fatal(session.FatalConfig, "ca_file is required")
	}
	return nil
}

// ServerReadType is the gcfg-facing structure for the server daemon.
type ServerReadType struct {
	Global Global
	Server struct {
		Server_Root    string
		Temp_Root      string
		Catalog_Path   string
		Creds_Path     string
		Listen_Port    int
		Listen_Backlog int
		Worker_Threads int
		Accept_Queue   int
	}
}

// ServerConfig is the validated, defaulted configuration handed to the
// server daemon's entry point.
type ServerConfig struct {
	Global
	ServerRoot    string
	TempRoot      string
	CatalogPath   string
	CredsPath     string
	ListenPort    int
	ListenBacklog int
	WorkerThreads int
	AcceptQueue   int
}

// LoadServerConfig reads, defaults, and validates a server config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var sr ServerReadType
	if err := LoadConfigFile(&sr, path); err != nil {
		return nil, session.Fatal(session.FatalConfig, "reading server config: %v", err)
	}
	sr.Global.applyDefaults()
	if sr.Server.Listen_Port <= 0 {
		sr.Server.Listen_Port = 9443
	}
	if sr.Server.Listen_Backlog <= 0 {
		sr.Server.Listen_Backlog = 128
	}
	if sr.Server.Worker_Threads <= 0 {
		sr.Server.Worker_Threads = 8
	}
	if sr.Server.Accept_Queue <= 0 {
		sr.Server.Accept_Queue = 64
	}
	c := &ServerConfig{
		Global:        sr.Global,
		ServerRoot:    sr.Server.Server_Root,
		TempRoot:      sr.Server.Temp_Root,
		CatalogPath:   sr.Server.Catalog_Path,
		CredsPath:     sr.Server.Creds_Path,
		ListenPort:    sr.Server.Listen_Port,
		ListenBacklog: sr.Server.Listen_Backlog,
		WorkerThreads: sr.Server.Worker_Threads,
		AcceptQueue:   sr.Server.Accept_Queue,
	}
	if err := c.verify(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ServerConfig) verify() error {
	if c.ServerRoot == `` {
		return session.Fatal(session.FatalConfig, "server_root is required")
	}
	fi, err := os.Stat(c.ServerRoot)
	if err != nil {
		return session.Fatal(session.FatalConfig, "server_root %q is not usable: %v", c.ServerRoot, err)
	}
	if !fi.IsDir() {
		return session.Fatal(session.FatalConfig, "server_root %q is not a directory", c.ServerRoot)
	}
	probe, err := os.CreateTemp(c.ServerRoot, `.pdsbackup-writetest-*`)
	if err != nil {
		return session.Fatal(session.FatalConfig, "server_root %q is not writable: %v", c.ServerRoot, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	if c.TempRoot == `` {
		return session.Fatal(session.FatalConfig, "temp_root is required")
	}
	if err := os.MkdirAll(c.TempRoot, 0o700); err != nil {
		return session.Fatal(session.FatalConfig, "temp_root %q is not usable: %v", c.TempRoot, err)
	}
	if c.CatalogPath == `` {
		return session.Fatal(session.FatalConfig, "catalog_path is required")
	}
	if c.CredsPath == `` {
		return session.Fatal(session.FatalConfig, "creds_path is required")
	}
	if c.Cert_File == `` || c.Key_File == `` {
		return session.Fatal(session.FatalConfig, "cert_file and key_file are required")
	}
	return nil
}

// AdminReadType is the gcfg-facing structure for the admin CLI, which
// only ever needs to reach the server's credential store and catalog.
type AdminReadType struct {
	Admin struct {
		Creds_Path   string
		Catalog_Path string
	}
}

// AdminConfig is the validated configuration for the admin utility.
type AdminConfig struct {
	CredsPath   string
	CatalogPath string
}

// LoadAdminConfig reads and validates an admin config file.
func LoadAdminConfig(path string) (*AdminConfig, error) {
	var ar AdminReadType
	if err := LoadConfigFile(&ar, path); err != nil {
		return nil, session.Fatal(session.FatalConfig, "reading admin config: %v", err)
	}
	if ar.Admin.Creds_Path == `` {
		return nil, session.Fatal(session.FatalConfig, "creds_path is required")
	}
	if ar.Admin.Catalog_Path == `` {
		return nil, session.Fatal(session.FatalConfig, "catalog_path is required")
	}
	return &AdminConfig{CredsPath: ar.Admin.Creds_Path, CatalogPath: ar.Admin.Catalog_Path}, nil
}
