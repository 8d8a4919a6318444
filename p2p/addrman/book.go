// Package addrman persists the known-address pool the outbound dialer samples
// from.
package addrman

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"peerlink/p2p"
)

const (
	keyPrefix = "addr:"

	DefaultMaxEntries = 16384

	recentTry       = 10 * time.Minute
	horizon         = 30 * 24 * time.Hour
	futureTolerance = 10 * time.Minute
	maxRetries      = 3
	maxFailures     = 10
	minFailDays     = 7 * 24 * time.Hour
)

var errClosed = errors.New("addrman: book closed")

var _ p2p.AddressManager = (*Book)(nil)

// Entry is one persisted address with its dial history.
type Entry struct {
	Addr        netip.AddrPort `json:"addr"`
	Services    uint64         `json:"services"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      netip.Addr     `json:"source"`
	LastTry     time.Time      `json:"lastTry"`
	LastSuccess time.Time      `json:"lastSuccess"`
	Attempts    int            `json:"attempts"`
}

// terrible reports whether the entry is not worth keeping.
func (e *Entry) terrible(now time.Time) bool {
	if !e.LastTry.IsZero() && now.Sub(e.LastTry) < time.Minute {
		return false
	}
	if e.Timestamp.After(now.Add(futureTolerance)) {
		return true
	}
	if e.Timestamp.IsZero() || now.Sub(e.Timestamp) > horizon {
		return true
	}
	if e.LastSuccess.IsZero() && e.Attempts >= maxRetries {
		return true
	}
	if now.Sub(e.LastSuccess) > minFailDays && e.Attempts >= maxFailures {
		return true
	}
	return false
}

// chance is the relative selection weight. Recently tried and repeatedly
// failing addresses are deprioritised.
func (e *Entry) chance(now time.Time) float64 {
	c := 1.0
	if !e.LastTry.IsZero() && now.Sub(e.LastTry) < recentTry {
		c *= 0.01
	}
	return c * math.Pow(0.66, float64(min(e.Attempts, 8)))
}

// Book is a concurrency-safe address pool backed by LevelDB. Changes are
// kept in memory and written out by Flush.
type Book struct {
	mu sync.Mutex

	db *leveldb.DB

	entries map[netip.AddrPort]*Entry
	order   []netip.AddrPort
	index   map[netip.AddrPort]int
	dirty   map[netip.AddrPort]struct{}
	removed map[netip.AddrPort]struct{}

	maxEntries int
	rng        *rand.Rand
	now        func() time.Time
	logger     *slog.Logger
}

// Open opens (or creates) the address book at path.
func Open(path string, maxEntries int) (*Book, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("addrman path required")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open addrman: %w", err)
	}
	b := &Book{
		db:         db,
		entries:    make(map[netip.AddrPort]*Entry),
		index:      make(map[netip.AddrPort]int),
		dirty:      make(map[netip.AddrPort]struct{}),
		removed:    make(map[netip.AddrPort]struct{}),
		maxEntries: maxEntries,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:        time.Now,
		logger:     slog.Default().With(slog.String("component", "addrman")),
	}
	if err := b.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Close flushes pending changes and closes the database.
func (b *Book) Close() error {
	flushErr := b.Flush()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return flushErr
	}
	err := b.db.Close()
	b.db = nil
	return errors.Join(flushErr, err)
}

// Add inserts new addresses and refreshes the timestamp and services of known
// ones. It returns how many were new.
func (b *Book) Add(addrs []p2p.NetAddress, source netip.Addr) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	added := 0
	for _, a := range addrs {
		key := netip.AddrPortFrom(a.Addr.Addr().Unmap(), a.Addr.Port())
		if !key.IsValid() || key.Port() == 0 || !p2p.IsRoutable(key.Addr()) {
			continue
		}
		if e, ok := b.entries[key]; ok {
			changed := false
			if a.Timestamp.After(e.Timestamp) {
				e.Timestamp = a.Timestamp
				changed = true
			}
			if e.Services|a.Services != e.Services {
				e.Services |= a.Services
				changed = true
			}
			if changed {
				b.dirty[key] = struct{}{}
			}
			continue
		}
		if len(b.entries) >= b.maxEntries && !b.evictLocked(now) {
			continue
		}
		ts := a.Timestamp
		if ts.IsZero() || ts.After(now.Add(futureTolerance)) {
			ts = now.Add(-5 * 24 * time.Hour)
		}
		b.insertLocked(&Entry{
			Addr:      key,
			Services:  a.Services,
			Timestamp: ts,
			Source:    source.Unmap(),
		})
		added++
	}
	return added
}

func (b *Book) insertLocked(e *Entry) {
	b.entries[e.Addr] = e
	b.index[e.Addr] = len(b.order)
	b.order = append(b.order, e.Addr)
	b.dirty[e.Addr] = struct{}{}
	delete(b.removed, e.Addr)
}

func (b *Book) removeLocked(key netip.AddrPort) {
	idx, ok := b.index[key]
	if !ok {
		return
	}
	last := len(b.order) - 1
	b.order[idx] = b.order[last]
	b.index[b.order[idx]] = idx
	b.order = b.order[:last]
	delete(b.index, key)
	delete(b.entries, key)
	delete(b.dirty, key)
	b.removed[key] = struct{}{}
}

// evictLocked drops one terrible entry, or the oldest of a small random
// sample when none is terrible.
func (b *Book) evictLocked(now time.Time) bool {
	if len(b.order) == 0 {
		return false
	}
	var victim *Entry
	for i := 0; i < 8; i++ {
		e := b.entries[b.order[b.rng.IntN(len(b.order))]]
		if e.terrible(now) {
			victim = e
			break
		}
		if victim == nil || e.Timestamp.Before(victim.Timestamp) {
			victim = e
		}
	}
	b.removeLocked(victim.Addr)
	return true
}

// Attempt records a connection attempt to addr.
func (b *Book) Attempt(addr netip.AddrPort, now time.Time) {
	key := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.LastTry = now
	e.Attempts++
	b.dirty[key] = struct{}{}
}

// Good records a completed handshake with addr and resets its failures.
func (b *Book) Good(addr netip.AddrPort, now time.Time) {
	key := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.LastSuccess = now
	e.LastTry = now
	e.Timestamp = now
	e.Attempts = 0
	b.dirty[key] = struct{}{}
}

// Select returns a random address, weighted against recently tried and
// repeatedly failing entries.
func (b *Book) Select() (p2p.KnownAddress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return p2p.KnownAddress{}, false
	}
	now := b.now()
	factor := 1.0
	for {
		e := b.entries[b.order[b.rng.IntN(len(b.order))]]
		if b.rng.Float64() < factor*e.chance(now) {
			return p2p.KnownAddress{
				NetAddress: p2p.NetAddress{Addr: e.Addr, Services: e.Services, Timestamp: e.Timestamp},
				LastTry:    e.LastTry,
				Attempts:   e.Attempts,
			}, true
		}
		factor *= 1.2
	}
}

// lookup returns the stored entry for addr.
func (b *Book) lookup(addr netip.AddrPort) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Size returns the number of known addresses.
func (b *Book) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Flush writes every changed entry in one batch.
func (b *Book) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return errClosed
	}
	if len(b.dirty) == 0 && len(b.removed) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for key := range b.removed {
		batch.Delete([]byte(keyPrefix + key.String()))
	}
	for key := range b.dirty {
		blob, err := json.Marshal(b.entries[key])
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		batch.Put([]byte(keyPrefix+key.String()), blob)
	}
	if err := b.db.Write(batch, nil); err != nil {
		return fmt.Errorf("flush addrman: %w", err)
	}
	clear(b.dirty)
	clear(b.removed)
	return nil
}

func (b *Book) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	iter := b.db.NewIterator(nil, nil)
	defer iter.Release()
	skipped := 0
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return fmt.Errorf("decode address %s: %w", key, err)
		}
		if !e.Addr.IsValid() || len(b.entries) >= b.maxEntries {
			skipped++
			continue
		}
		entry := e
		b.entries[entry.Addr] = &entry
		b.index[entry.Addr] = len(b.order)
		b.order = append(b.order, entry.Addr)
	}
	if skipped > 0 {
		b.logger.Warn("Skipped stored addresses", slog.Int("count", skipped))
	}
	return iter.Error()
}
