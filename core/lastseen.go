package core

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Role identifies which side of a connection this host played when an
// observation was recorded.
type Role int

const (
	// RoleConnect marks an observation made while this host connected out
	// to a peer (the peer was the server).
	RoleConnect Role = iota
	// RoleAccept marks an observation made while this host accepted an
	// incoming connection from a peer (this host was the server).
	RoleAccept
)

func (r Role) marker() byte {
	if r == RoleAccept {
		return '+'
	}
	return '-'
}

// Quality is the three-element rolling statistic kept per peer: the last
// observed interval, and its exponentially-weighted expectation and
// variance.
type Quality struct {
	LastInterval float64 `json:"q"`
	Expectation  float64 `json:"e"`
	Variance     float64 `json:"v"`
}

// Entry is the value stored for a lastseen record.
type Entry struct {
	LastSeen time.Time `json:"last_seen"`
	Address  string    `json:"address"`
	Quality  Quality   `json:"quality"`
}

var lastseenBucket = []byte("lastseen")

// Lastseen is the bidirectional peer-observation store. It is backed by
// bbolt, which provides single-writer/multiple-reader semantics without a
// separate database process.
type Lastseen struct {
	db         *bolt.DB
	forgetRate float64
	gcHorizon  time.Duration
}

// OpenLastseen opens (creating if absent) the lastseen database at path.
func OpenLastseen(path string, forgetRate float64, gcHorizon time.Duration) (*Lastseen, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, NewProtoError(KindFatal, "lastseen.open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lastseenBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, NewProtoError(KindFatal, "lastseen.open", err)
	}
	if forgetRate <= 0 || forgetRate >= 1 {
		forgetRate = 0.6
	}
	return &Lastseen{db: db, forgetRate: forgetRate, gcHorizon: gcHorizon}, nil
}

// Close closes the underlying database.
func (l *Lastseen) Close() error { return l.db.Close() }

func entryKey(role Role, digest string) []byte {
	return append([]byte{role.marker()}, []byte(digest)...)
}

func addrIndexKey(address string) []byte { return append([]byte("a"), []byte(address)...) }
func digestIndexKey(digest string) []byte { return append([]byte("k"), []byte(digest)...) }

// LastSaw updates the entry and its indices atomically for one observation
// of digest at address in the given role. Coherence is maintained only for
// RoleAccept observations: for every accept-direction record with digest D
// and address A there must exist an address index A->D and a digest index
// D->A.
func (l *Lastseen) LastSaw(address, digest string, role Role) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastseenBucket)
		key := entryKey(role, digest)

		var prev Entry
		if raw := b.Get(key); raw != nil {
			_ = json.Unmarshal(raw, &prev)
		}

		now := time.Now()
		interval := now.Sub(prev.LastSeen).Seconds()
		if prev.LastSeen.IsZero() {
			interval = 0
		}
		q := rollQuality(prev.Quality, interval, l.forgetRate)

		entry := Entry{LastSeen: now, Address: address, Quality: q}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(key, raw); err != nil {
			return err
		}

		if role == RoleAccept {
			if err := b.Put(addrIndexKey(address), []byte(digest)); err != nil {
				return err
			}
			if err := b.Put(digestIndexKey(digest), []byte(address)); err != nil {
				return err
			}
		}
		return nil
	})
}

// rollQuality applies the exponentially-weighted update: new expectation =
// α·previous + (1-α)·current, variance analogously.
func rollQuality(prev Quality, currentInterval, alpha float64) Quality {
	expectation := alpha*prev.Expectation + (1-alpha)*currentInterval
	diff := currentInterval - expectation
	variance := alpha*prev.Variance + (1-alpha)*diff*diff
	return Quality{LastInterval: currentInterval, Expectation: expectation, Variance: variance}
}

// AddressToDigest resolves an address to the digest last accepted from it.
func (l *Lastseen) AddressToDigest(address string) (string, error) {
	var digest string
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastseenBucket)
		v := b.Get(addrIndexKey(address))
		if v != nil {
			digest = string(v)
		}
		return nil
	})
	return digest, err
}

// DigestToAddress resolves a digest to the address it was last accepted
// from.
func (l *Lastseen) DigestToAddress(digest string) (string, error) {
	var address string
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastseenBucket)
		v := b.Get(digestIndexKey(digest))
		if v != nil {
			address = string(v)
		}
		return nil
	})
	return address, err
}

// ScanResult is the record a Scan callback receives.
type ScanResult struct {
	Role   Role
	Digest string
	Entry  Entry
}

// ScanFunc is called once per accepted/incoming entry. Returning false stops
// the scan early.
type ScanFunc func(ScanResult) bool

// Scan iterates all accepted/incoming entries, garbage-collecting any entry
// older than the configured horizon as it goes.
func (l *Lastseen) Scan(fn ScanFunc) error {
	var expired [][]byte
	now := time.Now()
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastseenBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) == 0 || (k[0] != '+' && k[0] != '-') {
				continue
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			role := RoleConnect
			if k[0] == '+' {
				role = RoleAccept
			}
			if l.gcHorizon > 0 && now.Sub(e.LastSeen) > l.gcHorizon {
				expired = append(expired, append([]byte(nil), k...))
				continue
			}
			if !fn(ScanResult{Role: role, Digest: string(k[1:]), Entry: e}) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		_ = l.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(lastseenBucket)
			for _, k := range expired {
				_ = b.Delete(k)
			}
			return nil
		})
	}
	return nil
}

// RemoveHost removes all three coherent records for key, which may be
// either an IP address or a digest.
func (l *Lastseen) RemoveHost(key string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastseenBucket)

		digest := key
		address := ""
		if v := b.Get(addrIndexKey(key)); v != nil {
			// key was an address.
			digest = string(v)
			address = key
		} else if v := b.Get(digestIndexKey(key)); v != nil {
			address = string(v)
		}

		_ = b.Delete(entryKey(RoleAccept, digest))
		_ = b.Delete(entryKey(RoleConnect, digest))
		if address != "" {
			_ = b.Delete(addrIndexKey(address))
		}
		_ = b.Delete(digestIndexKey(digest))
		return nil
	})
}

// IsCoherent verifies, without repairing, that every accept-direction
// record has matching address/digest indices.
func (l *Lastseen) IsCoherent() (bool, error) {
	coherent := true
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastseenBucket)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) == 0 || k[0] != '+' {
				continue
			}
			digest := string(k[1:])
			addr := b.Get(digestIndexKey(digest))
			if addr == nil {
				coherent = false
				continue
			}
			if d := b.Get(addrIndexKey(string(addr))); d == nil || string(d) != digest {
				coherent = false
			}
		}
		return nil
	})
	return coherent, err
}
