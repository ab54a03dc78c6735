// Command pdsbackup-admin manages the server's credential store and
// inspects its catalog: user lifecycle and per-device visibility.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/pdsbackup/pdsbackup/backupconfig"
	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/creds"
)

var (
	configOverride = flag.String("config-file-override", "/etc/pdsbackup/admin.conf", "Path to the admin configuration file")

	addUser    = flag.String("add-user", "", "Add a user (requires --password)")
	updateUser = flag.String("update-user", "", "Update a user's password (requires --password)")
	removeUser = flag.String("remove-user", "", "Remove a user's credential")
	deleteUser = flag.String("delete-user", "", "Delete a user's backed-up data (optionally scoped to --device)")
	viewUsers  = flag.Bool("view-users", false, "List every user and their devices")

	password = flag.String("password", "", "Password for --add-user/--update-user")
	device   = flag.String("device", "", "Device MAC, scopes --delete-user")
)

func main() {
	flag.Parse()
	cfg, err := backupconfig.LoadAdminConfig(*configOverride)
	if err != nil {
		fail("failed to load configuration: %v", err)
	}

	switch {
	case *addUser != ``:
		withCreds(cfg, func(s *creds.Store) error { return s.Add(*addUser, *password) })
	case *updateUser != ``:
		withCreds(cfg, func(s *creds.Store) error { return s.Update(*updateUser, *password) })
	case *removeUser != ``:
		withCreds(cfg, func(s *creds.Store) error { return s.Remove(*removeUser) })
	case *viewUsers:
		runViewUsers(cfg)
	case *deleteUser != ``:
		withCatalog(cfg, func(c *catalog.Server) error { return c.RemoveAll(*deleteUser, *device) })
	default:
		fmt.Fprintln(os.Stderr, "usage: pdsbackup-admin [--add-user U --password P | --update-user U --password P | --remove-user U | --view-users | --delete-user U [--device M]]")
		os.Exit(1)
	}
}

func withCreds(cfg *backupconfig.AdminConfig, fn func(*creds.Store) error) {
	s, err := creds.Open(cfg.CredsPath)
	if err != nil {
		fail("failed to open credential store: %v", err)
	}
	defer s.Close()
	if err := fn(s); err != nil {
		fail("%v", err)
	}
}

func withCatalog(cfg *backupconfig.AdminConfig, fn func(*catalog.Server) error) {
	c, err := catalog.OpenServer(cfg.CatalogPath)
	if err != nil {
		fail("failed to open catalog: %v", err)
	}
	defer c.Close()
	if err := fn(c); err != nil {
		fail("%v", err)
	}
}

func runViewUsers(cfg *backupconfig.AdminConfig) {
	credStore, err := creds.Open(cfg.CredsPath)
	if err != nil {
		fail("failed to open credential store: %v", err)
	}
	defer credStore.Close()

	cat, err := catalog.OpenServer(cfg.CatalogPath)
	if err != nil {
		fail("failed to open catalog: %v", err)
	}
	defer cat.Close()

	var users []string
	if err := credStore.Enumerate(func(user string) error {
		users = append(users, user)
		return nil
	}); err != nil {
		fail("failed to enumerate users: %v", err)
	}
	sort.Strings(users)

	for _, u := range users {
		devices, err := cat.ListDevices(u)
		if err != nil {
			fail("failed to list devices for %s: %v", u, err)
		}
		sort.Strings(devices)
		fmt.Printf("%s: %d device(s)\n", u, len(devices))
		for _, d := range devices {
			fmt.Printf("  %s\n", d)
		}
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
