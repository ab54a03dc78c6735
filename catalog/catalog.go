// Package catalog implements the client's LocalCatalog and the server's
// ServerCatalog (spec §3, §4.4): durable, mutex-serialized key/value
// stores of Entry records backed by an embedded bbolt database, the same
// embedded-KV approach the teacher's ingest cache uses for its own
// durable local state.
package catalog

import (
	"bytes"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/pdsbackup/pdsbackup/fsentry"
)

// Error wraps a catalog failure; per the design notes these bubble all
// the way to the process since they represent a data-integrity risk,
// never silently swallowed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

var localBucket = []byte(`savedFiles`)

// Local is the client's LocalCatalog: relative_path -> Entry, the
// client's belief about what the server has confirmed.
type Local struct {
	db *bbolt.DB
}

// OpenLocal opens (creating if necessary) the local catalog at path.
func OpenLocal(path string) (*Local, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, wrap(`open`, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(localBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrap(`init`, err)
	}
	return &Local{db: db}, nil
}

func (l *Local) Close() error { return wrap(`close`, l.db.Close()) }

// Insert adds or replaces the entry for e.RelativePath.
func (l *Local) Insert(e fsentry.Entry) error { return l.put(e) }

// Update replaces the entry for e.RelativePath; semantically identical to
// Insert since the key is unique — kept distinct per spec §4.4's naming,
// and because callers use Insert/Update to signal create vs. modify.
func (l *Local) Update(e fsentry.Entry) error { return l.put(e) }

func (l *Local) put(e fsentry.Entry) error {
	b, err := e.MarshalBinary()
	if err != nil {
		return wrap(`encode`, err)
	}
	err = l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(localBucket).Put([]byte(e.RelativePath), b)
	})
	return wrap(`put`, err)
}

// Remove deletes the entry for relPath, if any.
func (l *Local) Remove(relPath string) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(localBucket).Delete([]byte(relPath))
	})
	return wrap(`remove`, err)
}

// Get looks up the entry for relPath.
func (l *Local) Get(relPath string) (e fsentry.Entry, ok bool, err error) {
	txErr := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(localBucket).Get([]byte(relPath))
		if v == nil {
			return nil
		}
		ok = true
		return e.UnmarshalBinary(v)
	})
	if txErr != nil {
		return fsentry.Entry{}, false, wrap(`get`, txErr)
	}
	return e, ok, nil
}

// ForEach calls fn for every entry, in key order. Returning an error from
// fn stops iteration and propagates.
func (l *Local) ForEach(fn func(fsentry.Entry) error) error {
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(localBucket).ForEach(func(_, v []byte) error {
			var e fsentry.Entry
			if err := e.UnmarshalBinary(v); err != nil {
				return err
			}
			return fn(e)
		})
	})
	return wrap(`foreach`, err)
}

// RemoveAll empties the catalog, e.g. for an admin "forget this user"
// operation.
func (l *Local) RemoveAll() error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(localBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(localBucket)
		return err
	})
	return wrap(`removeall`, err)
}

var serverBucket = []byte(`savedFiles`)

const keySep = byte(0)

// Server is the server's ServerCatalog: (user, device, relative_path) ->
// Entry. The (user, device, path) triple is the bbolt key itself, which
// structurally enforces the uniqueness constraint the original schema
// was missing (spec §9 Open Questions).
type Server struct {
	db *bbolt.DB
}

func OpenServer(path string) (*Server, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, wrap(`open`, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(serverBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrap(`init`, err)
	}
	return &Server{db: db}, nil
}

func (s *Server) Close() error { return wrap(`close`, s.db.Close()) }

func serverKey(user, device, path string) []byte {
	k := make([]byte, 0, len(user)+len(device)+len(path)+2)
	k = append(k, user...)
	k = append(k, keySep)
	k = append(k, device...)
	k = append(k, keySep)
	k = append(k, path...)
	return k
}

func devicePrefix(user, device string) []byte {
	k := make([]byte, 0, len(user)+len(device)+2)
	k = append(k, user...)
	k = append(k, keySep)
	k = append(k, device...)
	k = append(k, keySep)
	return k
}

func userPrefix(user string) []byte {
	k := make([]byte, 0, len(user)+1)
	k = append(k, user...)
	k = append(k, keySep)
	return k
}

func (s *Server) Insert(user, device string, e fsentry.Entry) error { return s.put(user, device, e) }
func (s *Server) Update(user, device string, e fsentry.Entry) error { return s.put(user, device, e) }

func (s *Server) put(user, device string, e fsentry.Entry) error {
	b, err := e.MarshalBinary()
	if err != nil {
		return wrap(`encode`, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(serverBucket).Put(serverKey(user, device, e.RelativePath), b)
	})
	return wrap(`put`, err)
}

func (s *Server) Remove(user, device, path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(serverBucket).Delete(serverKey(user, device, path))
	})
	return wrap(`remove`, err)
}

// RemovePrefix deletes the row for pathPrefix itself plus every row
// nested beneath it, used when a watched directory is removed
// recursively. The match is path-boundary-aware: a sibling like
// "docsarchive" or "docs2" does not fall under prefix "docs".
func (s *Server) RemovePrefix(user, device, pathPrefix string) error {
	prefix := serverKey(user, device, pathPrefix)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(serverBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) > len(prefix) && k[len(prefix)] != '/' {
				continue
			}
			kk := append([]byte(nil), k...)
			toDelete = append(toDelete, kk)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(`removeprefix`, err)
}

func (s *Server) Get(user, device, path string) (e fsentry.Entry, ok bool, err error) {
	txErr := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(serverBucket).Get(serverKey(user, device, path))
		if v == nil {
			return nil
		}
		ok = true
		return e.UnmarshalBinary(v)
	})
	if txErr != nil {
		return fsentry.Entry{}, false, wrap(`get`, txErr)
	}
	return e, ok, nil
}

// ForEachDevice calls fn for every entry belonging to (user, device).
func (s *Server) ForEachDevice(user, device string, fn func(fsentry.Entry) error) error {
	prefix := devicePrefix(user, device)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(serverBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e fsentry.Entry
			if err := e.UnmarshalBinary(v); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(`foreachdevice`, err)
}

// ForEachUser calls fn for every entry belonging to user, across all of
// their devices, along with the owning device string.
func (s *Server) ForEachUser(user string, fn func(device string, e fsentry.Entry) error) error {
	prefix := userPrefix(user)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(serverBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			device, ok := deviceFromKey(k, prefix)
			if !ok {
				continue
			}
			var e fsentry.Entry
			if err := e.UnmarshalBinary(v); err != nil {
				return err
			}
			if err := fn(device, e); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(`foreachuser`, err)
}

func deviceFromKey(k, userPrefix []byte) (string, bool) {
	rest := k[len(userPrefix):]
	i := bytes.IndexByte(rest, keySep)
	if i < 0 {
		return ``, false
	}
	return string(rest[:i]), true
}

// ListDevices returns the distinct devices with at least one row for user.
func (s *Server) ListDevices(user string) ([]string, error) {
	prefix := userPrefix(user)
	seen := map[string]struct{}{}
	var devices []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(serverBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			device, ok := deviceFromKey(k, prefix)
			if !ok {
				continue
			}
			if _, dup := seen[device]; dup {
				continue
			}
			seen[device] = struct{}{}
			devices = append(devices, device)
		}
		return nil
	})
	if err != nil {
		return nil, wrap(`listdevices`, err)
	}
	return devices, nil
}

// RemoveAll deletes every row for user; if device is non-empty, only that
// device's rows are removed.
func (s *Server) RemoveAll(user, device string) error {
	var prefix []byte
	if device == `` {
		prefix = userPrefix(user)
	} else {
		prefix = devicePrefix(user, device)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(serverBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(`removeall`, err)
}

var ErrNotFound = errors.New("catalog: entry not found")
