// Package creds implements the server's credential store (spec §4.5):
// salted password hashes in a bbolt bucket, with constant-time
// verification.
package creds

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"go.etcd.io/bbolt"
)

type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("creds: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

const saltSize = 32

var bucket = []byte(`credentials`)

// record is the on-disk shape of a CredentialRecord, both fields stored
// hex per spec §4.2's storage encoding.
type record struct {
	salt string
	hash string
}

func encodeRecord(r record) []byte {
	return []byte(r.salt + `:` + r.hash)
}

func decodeRecord(b []byte) (record, error) {
	s := string(b)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return record{salt: s[:i], hash: s[i+1:]}, nil
		}
	}
	return record{}, fmt.Errorf("creds: malformed record %q", s)
}

// Store is the credential store (C6). Every public method is fully
// synchronous; bbolt itself serializes writers, matching the "same mutex
// discipline" the design notes call for.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the credential store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, wrap(`open`, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrap(`init`, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return wrap(`close`, s.db.Close()) }

// Lookup returns the stored (salt, hash) hex pair for user.
func (s *Store) Lookup(user string) (salt, hash string, ok bool, err error) {
	txErr := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(user))
		if v == nil {
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		salt, hash, ok = r.salt, r.hash, true
		return nil
	})
	if txErr != nil {
		return ``, ``, false, wrap(`lookup`, txErr)
	}
	return salt, hash, ok, nil
}

// Add creates a credential record for user, generating a fresh salt. It
// fails if user already exists.
func (s *Store) Add(user, password string) error {
	return s.set(user, password, true)
}

// Update replaces user's password, generating a fresh salt. It fails if
// user does not already exist.
func (s *Store) Update(user, password string) error {
	return s.set(user, password, false)
}

func (s *Store) set(user, password string, mustNotExist bool) error {
	salt, err := newSalt()
	if err != nil {
		return wrap(`salt`, err)
	}
	hash := hashPassword(password, salt)
	r := record{salt: hex.EncodeToString(salt), hash: hex.EncodeToString(hash[:])}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		existing := b.Get([]byte(user)) != nil
		if mustNotExist && existing {
			return fmt.Errorf("creds: user %q already exists", user)
		}
		if !mustNotExist && !existing {
			return fmt.Errorf("creds: user %q does not exist", user)
		}
		return b.Put([]byte(user), encodeRecord(r))
	})
	return wrap(`set`, err)
}

// Remove deletes user's credential record.
func (s *Store) Remove(user string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(user))
	})
	return wrap(`remove`, err)
}

// Enumerate calls fn for every username in the store, in key order.
func (s *Store) Enumerate(fn func(user string) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			return fn(string(k))
		})
	})
	return wrap(`enumerate`, err)
}

// Verify reports whether password is correct for user, in constant time
// once the stored record is located.
func (s *Store) Verify(user, password string) (bool, error) {
	saltHex, hashHex, ok, err := s.Lookup(user)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, wrap(`verify`, err)
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false, wrap(`verify`, err)
	}
	got := hashPassword(password, salt)
	return subtle.ConstantTimeCompare(got[:], want) == 1, nil
}

func newSalt() ([]byte, error) {
	s := make([]byte, saltSize)
	if _, err := rand.Read(s); err != nil {
		return nil, err
	}
	return s, nil
}

func hashPassword(password string, salt []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(password))
	h.Write(salt)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
