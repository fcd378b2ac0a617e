package core

import (
	"crypto/rsa"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// KeyStore persists per-peer public keys under (username, identity-digest).
// Writes are serialized; reads may run concurrently
// and are additionally fronted by a bounded LRU cache, sized for a
// long-lived daemon that accumulates many distinct peers.
type KeyStore struct {
	dir        string
	trustList  []TrustEntry
	writeMu    sync.Mutex
	cache      *lru.Cache[string, *rsa.PublicKey]
}

// keyCacheSize bounds the in-memory public-key cache.
const keyCacheSize = 4096

// NewKeyStore opens (creating if absent) the key store rooted at dir, the
// config's PPKeysDir.
func NewKeyStore(dir string, trustList []TrustEntry) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, Wrap(err, "create ppkeys dir")
	}
	cache, err := lru.New[string, *rsa.PublicKey](keyCacheSize)
	if err != nil {
		return nil, Wrap(err, "init key cache")
	}
	return &KeyStore{dir: dir, trustList: trustList, cache: cache}, nil
}

func keyFileName(username, digest string) string {
	return fmt.Sprintf("%s-%s.pub", username, digest)
}

func cacheKey(username, digest string) string { return username + "\x00" + digest }

// HavePublicKey returns the stored public key for (username, digest), or nil
// if none is on file. ip is not used to locate the record; identity is the
// digest, ip is a hint.
func (ks *KeyStore) HavePublicKey(username string, ip net.IP, digest string) (*rsa.PublicKey, error) {
	if pub, ok := ks.cache.Get(cacheKey(username, digest)); ok {
		return pub, nil
	}
	path := filepath.Join(ks.dir, keyFileName(username, digest))
	pub, err := LoadPublicKey(path)
	if err != nil {
		if os.IsNotExist(err) || isNotExistWrapped(err) {
			return nil, nil
		}
		return nil, NewProtoError(KindReadError, "keystore.have", err)
	}
	ks.cache.Add(cacheKey(username, digest), pub)
	return pub, nil
}

// SavePublicKey writes pub for (username, digest). At most one file exists
// per digest per username scope, and the record is immutable once written:
// a second save of the same (username, digest) is a no-op success, not an
// overwrite.
func (ks *KeyStore) SavePublicKey(username, digest string, pub *rsa.PublicKey) error {
	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	path := filepath.Join(ks.dir, keyFileName(username, digest))
	if _, err := os.Stat(path); err == nil {
		return nil // immutable once written
	}

	tmp := path + ".tmp"
	if err := func() error {
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(EncodePublicKeyPEM(pub))
		return err
	}(); err != nil {
		return NewProtoError(KindFatal, "keystore.save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return NewProtoError(KindFatal, "keystore.save", err)
	}
	ks.cache.Add(cacheKey(username, digest), pub)
	return nil
}

// RemovePublicKey removes every key file whose name contains id, such as a
// digest or a username. It returns the number of files removed. Key file
// names are "<username>-<digest>.pub" and carry no address, so an id that
// is a peer IP matches no file.
func (ks *KeyStore) RemovePublicKey(id string) (int, error) {
	ks.writeMu.Lock()
	defer ks.writeMu.Unlock()

	entries, err := os.ReadDir(ks.dir)
	if err != nil {
		return 0, NewProtoError(KindReadError, "keystore.remove", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".pub") {
			continue
		}
		if !strings.Contains(name, id) {
			continue
		}
		if err := os.Remove(filepath.Join(ks.dir, name)); err != nil {
			return removed, NewProtoError(KindReadError, "keystore.remove", err)
		}
		ks.invalidate(name)
		removed++
	}
	return removed, nil
}

func (ks *KeyStore) invalidate(filename string) {
	base := strings.TrimSuffix(filename, ".pub")
	// filename is "<username>-<digest>.pub"; username may itself contain
	// hyphens so split on the last one.
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return
	}
	ks.cache.Remove(cacheKey(base[:idx], base[idx+1:]))
}

// IsTrusted reports whether an unknown peer at ip should be trusted on
// first use: the peer IP must match the configured trust-keys-from
// allowlist.
func (ks *KeyStore) IsTrusted(ip net.IP) bool {
	for _, t := range ks.trustList {
		if t.Matches(ip) {
			return true
		}
	}
	return false
}

func isNotExistWrapped(err error) bool {
	for err != nil {
		if os.IsNotExist(err) {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
