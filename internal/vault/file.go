package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var bucketSecrets = []byte("secrets")

// FileVault keeps sealed entries in a BoltDB file. Values are encrypted
// with XChaCha20-Poly1305 under a per-entry key derived from a master
// key stored next to the database with 0600 permissions. A stolen
// database file without the key file is unreadable.
type FileVault struct {
	db     *bolt.DB
	master []byte
}

// Open creates or opens the vault at path and loads (or generates) its
// master key.
func Open(path string) (*FileVault, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create vault dir: %w", err)
		}
	}

	master, err := loadOrCreateKey(path + ".key")
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vault db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create vault bucket: %w", err)
	}

	return &FileVault{db: db, master: master}, nil
}

// Close closes the underlying database.
func (v *FileVault) Close() error {
	return v.db.Close()
}

// Get returns the plaintext value of the named entry, or ErrNotFound.
func (v *FileVault) Get(name string) (string, error) {
	var sealed []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSecrets).Get([]byte(name))
		if raw == nil {
			return nil
		}
		sealed = make([]byte, len(raw))
		copy(sealed, raw)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read vault entry %s: %w", name, err)
	}
	if sealed == nil {
		return "", ErrNotFound
	}
	plain, err := v.unseal(name, sealed)
	if err != nil {
		return "", fmt.Errorf("unseal vault entry %s: %w", name, err)
	}
	return string(plain), nil
}

// Put seals value and stores it under name, replacing any previous value.
func (v *FileVault) Put(name, value string) error {
	sealed, err := v.seal(name, []byte(value))
	if err != nil {
		return fmt.Errorf("seal vault entry %s: %w", name, err)
	}
	err = v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(name), sealed)
	})
	if err != nil {
		return fmt.Errorf("write vault entry %s: %w", name, err)
	}
	return nil
}

// Names returns the names of all stored entries, sorted. Values stay
// sealed.
func (v *FileVault) Names() ([]string, error) {
	var names []string
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list vault entries: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named entry. Deleting an absent entry is not an
// error.
func (v *FileVault) Delete(name string) error {
	err := v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete vault entry %s: %w", name, err)
	}
	return nil
}

func (v *FileVault) seal(name string, plain []byte) ([]byte, error) {
	aead, err := v.aeadFor(name)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (v *FileVault) unseal(name string, sealed []byte) ([]byte, error) {
	aead, err := v.aeadFor(name)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed value too short (%d bytes)", len(sealed))
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}

// aeadFor derives the per-entry cipher. Binding the entry name into the
// key derivation stops a sealed value from being replayed under a
// different name.
func (v *FileVault) aeadFor(name string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, v.master, nil, []byte("docflow-bridge:"+name))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive entry key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("vault key file %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault key file: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write vault key file: %w", err)
	}
	return key, nil
}
