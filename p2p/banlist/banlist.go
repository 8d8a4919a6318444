// Package banlist stores banned subnets in a SQL database through gorm.
package banlist

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"peerlink/p2p"
)

// Lifetime is the expiry used for bans that never lift on their own.
var Lifetime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

var _ p2p.BanService = (*List)(nil)

// Record is the persisted form of a ban.
type Record struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Subnet      string    `gorm:"uniqueIndex;not null"`
	Reason      string
	CreatedAt   time.Time
	BannedUntil time.Time `gorm:"index"`
}

// TableName pins the table name.
func (Record) TableName() string { return "p2p_bans" }

// List is a cached view over the ban table. Reads never touch the database.
type List struct {
	mu    sync.RWMutex
	db    *gorm.DB
	cache map[netip.Prefix]p2p.BanEntry

	now    func() time.Time
	logger *slog.Logger
}

// Open connects to dsn. postgres:// URLs and key=value strings with a host
// use the Postgres driver, anything else is treated as a SQLite path or URI.
func Open(dsn string) (*List, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("banlist dsn required")
	}
	var dialector gorm.Dialector
	if isPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open banlist: %w", err)
	}
	return New(db)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// New migrates the schema on db and loads the current bans.
func New(db *gorm.DB) (*List, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate banlist: %w", err)
	}
	l := &List{
		db:     db,
		cache:  make(map[netip.Prefix]p2p.BanEntry),
		now:    time.Now,
		logger: slog.Default().With(slog.String("component", "banlist")),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *List) load() error {
	var records []Record
	if err := l.db.Find(&records).Error; err != nil {
		return fmt.Errorf("load bans: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		prefix, err := netip.ParsePrefix(rec.Subnet)
		if err != nil {
			l.logger.Warn("Skipping malformed ban", slog.String("subnet", rec.Subnet), slog.Any("error", err))
			continue
		}
		l.cache[prefix] = toEntry(prefix, rec)
	}
	return nil
}

func toEntry(prefix netip.Prefix, rec Record) p2p.BanEntry {
	return p2p.BanEntry{
		Subnet:      prefix,
		CreatedAt:   rec.CreatedAt,
		BannedUntil: rec.BannedUntil,
		Reason:      rec.Reason,
	}
}

// Close releases the database handle.
func (l *List) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsBanned reports whether addr falls inside an unexpired ban.
func (l *List) IsBanned(now time.Time, addr netip.Addr) bool {
	addr = addr.Unmap()
	l.mu.RLock()
	defer l.mu.RUnlock()
	for prefix, entry := range l.cache {
		if entry.BannedUntil.After(now) && prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Ban bans subnet until the given time. An existing longer ban is kept.
func (l *List) Ban(subnet netip.Prefix, until time.Time, reason string) error {
	if !subnet.IsValid() {
		return fmt.Errorf("ban: invalid subnet %q", subnet)
	}
	subnet = netip.PrefixFrom(subnet.Addr().Unmap(), unmappedBits(subnet)).Masked()

	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.cache[subnet]; ok && !cur.BannedUntil.Before(until) {
		return nil
	}
	rec := Record{
		ID:          uuid.New(),
		Subnet:      subnet.String(),
		Reason:      reason,
		CreatedAt:   l.now().UTC(),
		BannedUntil: until.UTC(),
	}
	err := l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subnet"}},
		DoUpdates: clause.AssignmentColumns([]string{"banned_until", "reason"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("ban %s: %w", subnet, err)
	}
	if cur, ok := l.cache[subnet]; ok {
		rec.CreatedAt = cur.CreatedAt
	}
	l.cache[subnet] = toEntry(subnet, rec)
	return nil
}

func unmappedBits(p netip.Prefix) int {
	if p.Addr().Is4In6() {
		return max(p.Bits()-96, 0)
	}
	return p.Bits()
}

// LifetimeBan bans a single address permanently.
func (l *List) LifetimeBan(addr netip.Addr) error {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return errors.New("ban: invalid address")
	}
	return l.Ban(netip.PrefixFrom(addr, addr.BitLen()), Lifetime, "lifetime")
}

// Unban lifts the ban on subnet.
func (l *List) Unban(subnet netip.Prefix) error {
	subnet = subnet.Masked()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Where("subnet = ?", subnet.String()).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("unban %s: %w", subnet, err)
	}
	delete(l.cache, subnet)
	return nil
}

// ClearAll lifts every ban.
func (l *List) ClearAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("clear bans: %w", err)
	}
	clear(l.cache)
	return nil
}

// SweepExpired deletes bans that lifted before now.
func (l *List) SweepExpired(now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := l.db.Where("banned_until < ?", now.UTC()).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep bans: %w", res.Error)
	}
	for prefix, entry := range l.cache {
		if entry.BannedUntil.Before(now) {
			delete(l.cache, prefix)
		}
	}
	return int(res.RowsAffected), nil
}

// List returns every ban ordered by subnet.
func (l *List) List() []p2p.BanEntry {
	l.mu.RLock()
	out := make([]p2p.BanEntry, 0, len(l.cache))
	for _, entry := range l.cache {
		out = append(out, entry)
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b p2p.BanEntry) int {
		return strings.Compare(a.Subnet.String(), b.Subnet.String())
	})
	return out
}
