package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const protectionEnabledEnv = "INSTALL_API_PROTECTION_ENABLED"
const protectionMaxRequestsEnv = "INSTALL_API_MAX_REQUESTS"
const protectionWindowSecondsEnv = "INSTALL_API_WINDOW_SECONDS"
const protectionBlockHoursEnv = "INSTALL_API_BLOCK_DURATION_HOURS"

const requestLogRetention = time.Hour
const manualBlockReason = "Manual block"

var errStorageUnavailable = errors.New("protection storage unavailable")

// ProtectionConfig is loaded once at startup and never mutated afterwards.
type ProtectionConfig struct {
	Enabled            bool
	MaxRequests        int
	WindowSeconds      int
	BlockDurationHours float64
}

func (c ProtectionConfig) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c ProtectionConfig) blockDuration() time.Duration {
	return time.Duration(c.BlockDurationHours * float64(time.Hour))
}

func loadProtectionConfigFromEnv() ProtectionConfig {
	cfg := ProtectionConfig{
		Enabled:            true,
		MaxRequests:        10,
		WindowSeconds:      60,
		BlockDurationHours: 1,
	}
	if raw := strings.TrimSpace(os.Getenv(protectionEnabledEnv)); raw != "" {
		cfg.Enabled = raw != "0" && !strings.EqualFold(raw, "false") && !strings.EqualFold(raw, "no")
	}
	maxRequests := parseIntEnvWithDefault(protectionMaxRequestsEnv, cfg.MaxRequests)
	if maxRequests < 1 {
		log.Printf("Invalid %s=%d, must be >= 1, using default %d", protectionMaxRequestsEnv, maxRequests, cfg.MaxRequests)
	} else {
		cfg.MaxRequests = maxRequests
	}
	windowSeconds := parseIntEnvWithDefault(protectionWindowSecondsEnv, cfg.WindowSeconds)
	if windowSeconds < 1 {
		log.Printf("Invalid %s=%d, must be >= 1, using default %d", protectionWindowSecondsEnv, windowSeconds, cfg.WindowSeconds)
	} else {
		cfg.WindowSeconds = windowSeconds
	}
	blockHours := parseFloatEnvWithDefault(protectionBlockHoursEnv, cfg.BlockDurationHours)
	if blockHours <= 0 {
		log.Printf("Invalid %s=%v, must be > 0, using default %v", protectionBlockHoursEnv, blockHours, cfg.BlockDurationHours)
	} else {
		cfg.BlockDurationHours = blockHours
	}
	return cfg
}

// RequestRecord is one immutable ledger entry for a protected endpoint hit.
type RequestRecord struct {
	Address   string    `json:"ip_address"`
	Endpoint  string    `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
}

// BlockEntry marks an address as denied. ExpiresAt == nil means permanent.
type BlockEntry struct {
	Address   string     `json:"ip_address"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"blocked_until,omitempty"`
	Permanent bool       `json:"is_permanent"`
}

func (e BlockEntry) activeAt(now time.Time) bool {
	if e.Permanent || e.ExpiresAt == nil {
		return true
	}
	return now.Before(*e.ExpiresAt)
}

// protectionStore is the storage boundary shared by the request ledger and
// the block registry. The sqlite implementation backs production; the
// in-memory one backs tests.
type protectionStore interface {
	RecordRequest(address, endpoint string, ts time.Time) error
	CountSince(address string, windowStart time.Time) (int, error)
	RecentRequests(address string, limit int) ([]RequestRecord, error)
	PruneRequests(olderThan time.Time) (int64, error)

	UpsertBlock(entry BlockEntry) error
	DeleteBlock(address string) error
	GetBlock(address string) (BlockEntry, bool, error)
	ListBlocks() ([]BlockEntry, error)
}

// --- sqlite store ---

type sqliteProtectionStore struct {
	db *sql.DB
}

func openProtectionDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := ensureProtectionSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize db schema: %w", err)
	}
	return db, nil
}

func ensureProtectionSchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip_address TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blocked_ips (
			ip_address TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			blocked_at INTEGER NOT NULL,
			blocked_until INTEGER,
			is_permanent INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_request_log_ip_timestamp ON request_log (ip_address, timestamp)"); err != nil {
		return err
	}
	return nil
}

func newSQLiteProtectionStore(db *sql.DB) *sqliteProtectionStore {
	return &sqliteProtectionStore{db: db}
}

func (s *sqliteProtectionStore) RecordRequest(address, endpoint string, ts time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO request_log (ip_address, endpoint, timestamp) VALUES (?, ?, ?)",
		address, endpoint, ts.UnixMilli(),
	)
	return err
}

func (s *sqliteProtectionStore) CountSince(address string, windowStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM request_log WHERE ip_address = ? AND timestamp >= ?",
		address, windowStart.UnixMilli(),
	).Scan(&count)
	return count, err
}

func (s *sqliteProtectionStore) RecentRequests(address string, limit int) ([]RequestRecord, error) {
	query := "SELECT ip_address, endpoint, timestamp FROM request_log"
	args := []any{}
	if address != "" {
		query += " WHERE ip_address = ?"
		args = append(args, address)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]RequestRecord, 0, limit)
	for rows.Next() {
		var rec RequestRecord
		var ts int64
		if err := rows.Scan(&rec.Address, &rec.Endpoint, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *sqliteProtectionStore) PruneRequests(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM request_log WHERE timestamp < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteProtectionStore) UpsertBlock(entry BlockEntry) error {
	var until any
	if entry.ExpiresAt != nil {
		until = entry.ExpiresAt.UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO blocked_ips (ip_address, reason, blocked_at, blocked_until, is_permanent)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET
			reason = excluded.reason,
			blocked_at = excluded.blocked_at,
			blocked_until = excluded.blocked_until,
			is_permanent = excluded.is_permanent`,
		entry.Address, entry.Reason, entry.CreatedAt.UnixMilli(), until, boolToInt(entry.Permanent),
	)
	return err
}

func (s *sqliteProtectionStore) DeleteBlock(address string) error {
	_, err := s.db.Exec("DELETE FROM blocked_ips WHERE ip_address = ?", address)
	return err
}

func (s *sqliteProtectionStore) GetBlock(address string) (BlockEntry, bool, error) {
	var entry BlockEntry
	var createdAt int64
	var until sql.NullInt64
	var permanent int
	err := s.db.QueryRow(
		"SELECT ip_address, reason, blocked_at, blocked_until, is_permanent FROM blocked_ips WHERE ip_address = ?",
		address,
	).Scan(&entry.Address, &entry.Reason, &createdAt, &until, &permanent)
	if err == sql.ErrNoRows {
		return BlockEntry{}, false, nil
	}
	if err != nil {
		return BlockEntry{}, false, err
	}
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.Permanent = permanent != 0
	if until.Valid {
		t := time.UnixMilli(until.Int64).UTC()
		entry.ExpiresAt = &t
	}
	return entry, true, nil
}

func (s *sqliteProtectionStore) ListBlocks() ([]BlockEntry, error) {
	rows, err := s.db.Query("SELECT ip_address, reason, blocked_at, blocked_until, is_permanent FROM blocked_ips ORDER BY blocked_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BlockEntry
	for rows.Next() {
		var entry BlockEntry
		var createdAt int64
		var until sql.NullInt64
		var permanent int
		if err := rows.Scan(&entry.Address, &entry.Reason, &createdAt, &until, &permanent); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entry.Permanent = permanent != 0
		if until.Valid {
			t := time.UnixMilli(until.Int64).UTC()
			entry.ExpiresAt = &t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- in-memory store ---

type memoryProtectionStore struct {
	mu       sync.Mutex
	requests []RequestRecord
	blocks   map[string]BlockEntry
}

func newMemoryProtectionStore() *memoryProtectionStore {
	return &memoryProtectionStore{blocks: make(map[string]BlockEntry)}
}

func (s *memoryProtectionStore) RecordRequest(address, endpoint string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RequestRecord{Address: address, Endpoint: endpoint, Timestamp: ts})
	return nil
}

func (s *memoryProtectionStore) CountSince(address string, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.requests {
		if rec.Address == address && !rec.Timestamp.Before(windowStart) {
			count++
		}
	}
	return count, nil
}

func (s *memoryProtectionStore) RecentRequests(address string, limit int) ([]RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]RequestRecord, 0, limit)
	for i := len(s.requests) - 1; i >= 0 && len(records) < limit; i-- {
		if address != "" && s.requests[i].Address != address {
			continue
		}
		records = append(records, s.requests[i])
	}
	return records, nil
}

func (s *memoryProtectionStore) PruneRequests(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.requests[:0]
	var pruned int64
	for _, rec := range s.requests {
		if rec.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.requests = kept
	return pruned, nil
}

func (s *memoryProtectionStore) UpsertBlock(entry BlockEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[entry.Address] = entry
	return nil
}

func (s *memoryProtectionStore) DeleteBlock(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, address)
	return nil
}

func (s *memoryProtectionStore) GetBlock(address string) (BlockEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blocks[address]
	return entry, ok, nil
}

func (s *memoryProtectionStore) ListBlocks() ([]BlockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]BlockEntry, 0, len(s.blocks))
	for _, entry := range s.blocks {
		entries = append(entries, entry)
	}
	return entries, nil
}

// --- request ledger ---

type requestLedger struct {
	store protectionStore
}

func (l *requestLedger) Record(address, endpoint string, ts time.Time) error {
	return l.store.RecordRequest(address, endpoint, ts)
}

func (l *requestLedger) CountSince(address string, windowStart time.Time) (int, error) {
	return l.store.CountSince(address, windowStart)
}

func (l *requestLedger) Stats(address string, limit int) ([]RequestRecord, error) {
	if limit < 1 {
		limit = 100
	}
	return l.store.RecentRequests(address, limit)
}

// CleanupOldRecords drops ledger entries older than maxAge. The window only
// ever looks back WindowSeconds, so anything past the retention horizon is
// dead weight.
func (l *requestLedger) CleanupOldRecords(maxAge time.Duration, now time.Time) (int64, error) {
	return l.store.PruneRequests(now.Add(-maxAge))
}

// --- block registry ---

type blockRegistry struct {
	store protectionStore
}

func (r *blockRegistry) Block(address, reason string, permanent bool, duration time.Duration, now time.Time) error {
	entry := BlockEntry{
		Address:   address,
		Reason:    reason,
		CreatedAt: now,
		Permanent: permanent,
	}
	if !permanent {
		until := now.Add(duration)
		entry.ExpiresAt = &until
	}
	return r.store.UpsertBlock(entry)
}

// Unblock succeeds silently for addresses that are not blocked.
func (r *blockRegistry) Unblock(address string) error {
	return r.store.DeleteBlock(address)
}

// IsBlocked reports whether the address is denied at the given instant.
// Expired temporary entries are treated as not-blocked and lazily removed;
// correctness does not depend on the removal succeeding.
func (r *blockRegistry) IsBlocked(address string, now time.Time) (bool, string, error) {
	entry, ok, err := r.store.GetBlock(address)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}
	if !entry.activeAt(now) {
		if delErr := r.store.DeleteBlock(address); delErr != nil {
			log.Printf("Failed to sweep expired block for %s: %v", address, delErr)
		}
		return false, "", nil
	}
	return true, entry.Reason, nil
}

func (r *blockRegistry) ListBlocked(now time.Time) ([]BlockEntry, error) {
	entries, err := r.store.ListBlocks()
	if err != nil {
		return nil, err
	}
	active := make([]BlockEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.activeAt(now) {
			active = append(active, entry)
		}
	}
	return active, nil
}

// --- rate limiter ---

type rateLimiter struct {
	cfg      ProtectionConfig
	ledger   *requestLedger
	registry *blockRegistry
}

// recordAndCheck appends the request to the ledger, counts the trailing
// window, and creates a block when the count strictly exceeds the limit.
// The Nth request inside the window is still allowed; the (N+1)th trips
// the block, and the reason echoes the literal count.
func (rl *rateLimiter) recordAndCheck(address, endpoint string, now time.Time) (int, bool, string, error) {
	if !rl.cfg.Enabled {
		return 0, false, "", nil
	}
	if err := rl.ledger.Record(address, endpoint, now); err != nil {
		return 0, false, "", err
	}
	count, err := rl.ledger.CountSince(address, now.Add(-rl.cfg.window()))
	if err != nil {
		return 0, false, "", err
	}
	retention := requestLogRetention
	if w := rl.cfg.window(); w > retention {
		// The window may be configured longer than the default retention;
		// records still inside it must stay queryable.
		retention = w
	}
	if pruned, err := rl.ledger.CleanupOldRecords(retention, now); err != nil {
		log.Printf("Failed to prune request log: %v", err)
	} else if pruned > 0 {
		log.Printf("Pruned %d old request log records", pruned)
	}
	if count > rl.cfg.MaxRequests {
		reason := fmt.Sprintf("Rate limit exceeded: %d requests in %d seconds", count, rl.cfg.WindowSeconds)
		if err := rl.registry.Block(address, reason, false, rl.cfg.blockDuration(), now); err != nil {
			return count, false, "", err
		}
		log.Printf("IP %s blocked: %s", address, reason)
		return count, true, reason, nil
	}
	return count, false, "", nil
}

// --- admission gate ---

type admissionDecision struct {
	Allowed       bool
	Reason        string
	Count         int
	StorageFailed bool
}

type admissionGate struct {
	cfg      ProtectionConfig
	limiter  *rateLimiter
	registry *blockRegistry
}

func newAdmissionGate(cfg ProtectionConfig, store protectionStore) *admissionGate {
	ledger := &requestLedger{store: store}
	registry := &blockRegistry{store: store}
	return &admissionGate{
		cfg:      cfg,
		limiter:  &rateLimiter{cfg: cfg, ledger: ledger, registry: registry},
		registry: registry,
	}
}

func (g *admissionGate) ledger() *requestLedger {
	return g.limiter.ledger
}

// Check runs the two-phase admission sequence: a blocked caller is denied
// before anything is written to the ledger, so its retries neither count
// toward the limit nor refresh its own block. When storage cannot be read
// the gate fails closed.
func (g *admissionGate) Check(address, endpoint string, now time.Time) admissionDecision {
	if !g.cfg.Enabled {
		return admissionDecision{Allowed: true}
	}
	blocked, reason, err := g.registry.IsBlocked(address, now)
	if err != nil {
		log.Printf("Admission check failed to read block registry for %s: %v", address, err)
		return admissionDecision{StorageFailed: true, Reason: errStorageUnavailable.Error()}
	}
	if blocked {
		return admissionDecision{Reason: reason}
	}
	count, limited, reason, err := g.limiter.recordAndCheck(address, endpoint, now)
	if err != nil {
		log.Printf("Admission check failed to update ledger for %s: %v", address, err)
		return admissionDecision{StorageFailed: true, Reason: errStorageUnavailable.Error()}
	}
	if limited {
		return admissionDecision{Reason: reason, Count: count}
	}
	return admissionDecision{Allowed: true, Count: count}
}
