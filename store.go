package scriptrt

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	// Pure-Go SQLite driver for database/sql, registered as "sqlite".
	_ "github.com/glebarez/go-sqlite"
)

// KvRecord is one row of the tenant key-value store. (tenant, key,
// sorted-scopes) is unique; ID is a server-generated opaque string.
type KvRecord struct {
	Tenant        TenantID
	ID            string
	Key           string
	Scopes        []string
	Value         any
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	ExpiresAt     *time.Time
	Resume        bool
}

// KeyExpiryRecord is the derived (tenant, kv_id, key, scopes, expires_at)
// row for every KvRecord with an expiry set.
type KeyExpiryRecord struct {
	Tenant    TenantID
	ID        string
	Key       string
	Scopes    []string
	ExpiresAt time.Time
}

// ShopEntry is a published, versioned bundle in the read-only shop.
type ShopEntry struct {
	Name       string
	Version    string
	OwnerGuild uint64
	Bundle     *Bundle
	CreatedAt  time.Time
	CreatedBy  string
	UpdatedAt  time.Time
	UpdatedBy  string
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS scripts (
	tenant_id       TEXT NOT NULL,
	name            TEXT NOT NULL,
	bundle          BLOB NOT NULL,
	events          TEXT NOT NULL,
	allowed_caps    TEXT NOT NULL,
	paused          INTEGER NOT NULL DEFAULT 0,
	error_channel   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	created_by      TEXT NOT NULL DEFAULT '',
	last_updated_at INTEGER NOT NULL,
	last_updated_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, name)
);
CREATE TABLE IF NOT EXISTS kv (
	tenant_id       TEXT NOT NULL,
	id              TEXT NOT NULL,
	key             TEXT NOT NULL,
	scopes          TEXT NOT NULL,
	value           TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	last_updated_at INTEGER NOT NULL,
	expires_at      INTEGER,
	resume          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, id),
	UNIQUE (tenant_id, key, scopes)
);
CREATE INDEX IF NOT EXISTS kv_expiry ON kv (tenant_id, expires_at) WHERE expires_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS scripts_shop (
	name            TEXT NOT NULL,
	version         TEXT NOT NULL,
	owner_guild     INTEGER NOT NULL,
	bundle          BLOB NOT NULL,
	created_at      INTEGER NOT NULL,
	created_by      TEXT NOT NULL DEFAULT '',
	last_updated_at INTEGER NOT NULL,
	last_updated_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (name, version)
);
`

// Store is the persistent datastore behind the core: script metadata and
// bundles, the tenant KV table and the script shop, all in one SQLite
// database. The connection pool is process-wide and internally
// thread-safe; workers use it concurrently.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", path, err)
	}
	// WAL for concurrent readers alongside the writer.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemoryStore creates an in-memory store for testing.
func OpenMemoryStore() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory store: %w", err)
	}
	// The in-memory database vanishes with its connection; pin one.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ---- bundle codec ----

// encodeBundle serializes a bundle as brotli-compressed JSON.
func encodeBundle(b *Bundle) ([]byte, error) {
	raw, err := json.Marshal(b.files)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBundle(blob []byte) (*Bundle, error) {
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, fmt.Errorf("decompressing bundle: %w", err)
	}
	files := make(map[string][]byte)
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	return &Bundle{files: files}, nil
}

// ---- scripts ----

// PutScript inserts or replaces a script row.
func (s *Store) PutScript(ctx context.Context, sc *Script) error {
	if err := ValidateScriptName(sc.Name); err != nil {
		return err
	}
	blob, err := encodeBundle(sc.Bundle)
	if err != nil {
		return err
	}
	events, err := json.Marshal(sc.Events)
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}
	caps, err := json.Marshal([]string(sc.AllowedCaps))
	if err != nil {
		return fmt.Errorf("encoding allowed_caps: %w", err)
	}
	now := time.Now()
	createdAt := sc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (tenant_id, name, bundle, events, allowed_caps, paused, error_channel, created_at, created_by, last_updated_at, last_updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			bundle = excluded.bundle,
			events = excluded.events,
			allowed_caps = excluded.allowed_caps,
			paused = excluded.paused,
			error_channel = excluded.error_channel,
			last_updated_at = excluded.last_updated_at,
			last_updated_by = excluded.last_updated_by`,
		sc.Tenant.String(), sc.Name, blob, string(events), string(caps),
		boolInt(sc.Paused), sc.ErrorChannel,
		createdAt.UnixMilli(), sc.CreatedBy, now.UnixMilli(), sc.UpdatedBy)
	if err != nil {
		return fmt.Errorf("storing script %s/%s: %w", sc.Tenant, sc.Name, err)
	}
	return nil
}

// DeleteScript removes a script row.
func (s *Store) DeleteScript(ctx context.Context, tenant TenantID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scripts WHERE tenant_id = ? AND name = ?`, tenant.String(), name)
	if err != nil {
		return fmt.Errorf("deleting script %s/%s: %w", tenant, name, err)
	}
	return nil
}

// ScriptsFor fetches all non-paused scripts for a tenant, resolving shop
// references ($shop/<name>@<version>) to their published bundles. Shop
// references that point at a missing entry are skipped.
func (s *Store) ScriptsFor(ctx context.Context, tenant TenantID) ([]*Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, bundle, events, allowed_caps, error_channel, created_at, created_by, last_updated_at, last_updated_by
		FROM scripts WHERE tenant_id = ? AND paused = 0 ORDER BY created_at, name`,
		tenant.String())
	if err != nil {
		return nil, fmt.Errorf("loading scripts for %s: %w", tenant, err)
	}
	defer rows.Close()

	var out []*Script
	for rows.Next() {
		var (
			sc                   = &Script{Tenant: tenant}
			blob                 []byte
			events, caps         string
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&sc.Name, &blob, &events, &caps, &sc.ErrorChannel,
			&createdMs, &sc.CreatedBy, &updatedMs, &sc.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scanning script row: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &sc.Events); err != nil {
			return nil, fmt.Errorf("decoding events for %s: %w", sc.Name, err)
		}
		var capList []string
		if err := json.Unmarshal([]byte(caps), &capList); err != nil {
			return nil, fmt.Errorf("decoding allowed_caps for %s: %w", sc.Name, err)
		}
		sc.AllowedCaps = NewCapabilitySet(capList)
		sc.CreatedAt = time.UnixMilli(createdMs)
		sc.UpdatedAt = time.UnixMilli(updatedMs)

		if strings.HasPrefix(sc.Name, shopPrefix) {
			entry, err := s.resolveShopRef(ctx, sc.Name)
			if err != nil {
				return nil, err
			}
			if entry == nil {
				continue
			}
			sc.Bundle = entry.Bundle
			sc.ShopName = entry.Name
			sc.ShopOwner = entry.OwnerGuild
		} else {
			b, err := decodeBundle(blob)
			if err != nil {
				return nil, fmt.Errorf("decoding bundle for %s: %w", sc.Name, err)
			}
			sc.Bundle = b
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// TenantsWithScripts enumerates every tenant owning at least one script.
func (s *Store) TenantsWithScripts(ctx context.Context) ([]TenantID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM scripts GROUP BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing script tenants: %w", err)
	}
	defer rows.Close()
	var out []TenantID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		t, err := ParseTenantID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- shop ----

const shopPrefix = "$shop/"

// ParseShopRef splits "$shop/<name>@<version>" into name and version.
// A missing version means "latest".
func ParseShopRef(ref string) (name, version string, err error) {
	if !strings.HasPrefix(ref, shopPrefix) {
		return "", "", errInvalidInput("shop_ref", "must start with "+shopPrefix)
	}
	rest := strings.TrimPrefix(ref, shopPrefix)
	name, version, ok := strings.Cut(rest, "@")
	if !ok {
		version = "latest"
	}
	if name == "" {
		return "", "", errInvalidInput("shop_ref", "missing package name")
	}
	return name, version, nil
}

// PutShopEntry publishes a versioned bundle to the shop.
func (s *Store) PutShopEntry(ctx context.Context, e *ShopEntry) error {
	blob, err := encodeBundle(e.Bundle)
	if err != nil {
		return err
	}
	now := time.Now()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts_shop (name, version, owner_guild, bundle, created_at, created_by, last_updated_at, last_updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, version) DO UPDATE SET
			owner_guild = excluded.owner_guild,
			bundle = excluded.bundle,
			last_updated_at = excluded.last_updated_at,
			last_updated_by = excluded.last_updated_by`,
		e.Name, e.Version, e.OwnerGuild, blob,
		createdAt.UnixMilli(), e.CreatedBy, now.UnixMilli(), e.UpdatedBy)
	if err != nil {
		return fmt.Errorf("storing shop entry %s@%s: %w", e.Name, e.Version, err)
	}
	return nil
}

// ShopEntryFor looks up a shop entry; version "latest" picks the highest
// version string. Returns nil when absent.
func (s *Store) ShopEntryFor(ctx context.Context, name, version string) (*ShopEntry, error) {
	query := `SELECT name, version, owner_guild, bundle, created_at, created_by, last_updated_at, last_updated_by
		FROM scripts_shop WHERE name = ?`
	args := []any{name}
	if version == "latest" {
		query += ` ORDER BY version DESC LIMIT 1`
	} else {
		query += ` AND version = ?`
		args = append(args, version)
	}
	var (
		e                    ShopEntry
		blob                 []byte
		createdMs, updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&e.Name, &e.Version, &e.OwnerGuild, &blob,
		&createdMs, &e.CreatedBy, &updatedMs, &e.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading shop entry %s@%s: %w", name, version, err)
	}
	b, err := decodeBundle(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding shop bundle %s@%s: %w", name, version, err)
	}
	e.Bundle = b
	e.CreatedAt = time.UnixMilli(createdMs)
	e.UpdatedAt = time.UnixMilli(updatedMs)
	return &e, nil
}

func (s *Store) resolveShopRef(ctx context.Context, ref string) (*ShopEntry, error) {
	name, version, err := ParseShopRef(ref)
	if err != nil {
		return nil, err
	}
	return s.ShopEntryFor(ctx, name, version)
}

// ---- kv ----

// normalizeScopes sorts and deduplicates a scope set; scope sets are
// unordered for equality but stored sorted.
func normalizeScopes(scopes []string) []string {
	out := slices.Clone(scopes)
	sort.Strings(out)
	return slices.Compact(out)
}

func scopesKey(scopes []string) (string, error) {
	raw, err := json.Marshal(normalizeScopes(scopes))
	if err != nil {
		return "", fmt.Errorf("encoding scopes: %w", err)
	}
	return string(raw), nil
}

// scopesMatch reports whether every requested scope is carried by the
// record's scope set (requested ⊆ record).
func scopesMatch(requested, record []string) bool {
	for _, want := range requested {
		if !slices.Contains(record, want) {
			return false
		}
	}
	return true
}

func (s *Store) scanKvRows(rows *sql.Rows, tenant TenantID) ([]*KvRecord, error) {
	var out []*KvRecord
	for rows.Next() {
		var (
			r                    = &KvRecord{Tenant: tenant}
			scopes, value        string
			createdMs, updatedMs int64
			expiresMs            sql.NullInt64
			resume               int
		)
		if err := rows.Scan(&r.ID, &r.Key, &scopes, &value, &createdMs, &updatedMs, &expiresMs, &resume); err != nil {
			return nil, fmt.Errorf("scanning kv row: %w", err)
		}
		if err := json.Unmarshal([]byte(scopes), &r.Scopes); err != nil {
			return nil, fmt.Errorf("decoding kv scopes: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &r.Value); err != nil {
			return nil, fmt.Errorf("decoding kv value: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdMs)
		r.LastUpdatedAt = time.UnixMilli(updatedMs)
		if expiresMs.Valid {
			t := time.UnixMilli(expiresMs.Int64)
			r.ExpiresAt = &t
		}
		r.Resume = resume != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

const kvColumns = `id, key, scopes, value, created_at, last_updated_at, expires_at, resume`

// KVGet returns the record for (tenant, key) whose scope set carries
// every requested scope, or nil when absent. An exact scope-set match
// wins over a superset match.
func (s *Store) KVGet(ctx context.Context, tenant TenantID, key string, scopes []string) (*KvRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+kvColumns+` FROM kv WHERE tenant_id = ? AND key = ? ORDER BY created_at`,
		tenant.String(), key)
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	defer rows.Close()
	records, err := s.scanKvRows(rows, tenant)
	if err != nil {
		return nil, err
	}
	requested := normalizeScopes(scopes)
	var match *KvRecord
	for _, r := range records {
		if !scopesMatch(requested, r.Scopes) {
			continue
		}
		if slices.Equal(requested, r.Scopes) {
			return r, nil
		}
		if match == nil {
			match = r
		}
	}
	return match, nil
}

// KVGetByID returns the record with the given opaque id, or nil.
func (s *Store) KVGetByID(ctx context.Context, tenant TenantID, id string) (*KvRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+kvColumns+` FROM kv WHERE tenant_id = ? AND id = ?`, tenant.String(), id)
	if err != nil {
		return nil, fmt.Errorf("kv get by id %s: %w", id, err)
	}
	defer rows.Close()
	records, err := s.scanKvRows(rows, tenant)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// KVSet upserts the record keyed by (tenant, key, sorted-scopes) and
// reports whether a record already existed, plus the record id. The
// write is durable before KVSet returns.
func (s *Store) KVSet(ctx context.Context, tenant TenantID, key string, scopes []string, value any, expiresAt *time.Time, resume bool) (existed bool, id string, err error) {
	sk, err := scopesKey(scopes)
	if err != nil {
		return false, "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, "", fmt.Errorf("encoding kv value: %w", err)
	}
	var existingID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM kv WHERE tenant_id = ? AND key = ? AND scopes = ?`,
		tenant.String(), key, sk).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, "", fmt.Errorf("kv set %s: %w", key, err)
	default:
		existed = true
	}

	now := time.Now().UnixMilli()
	var expiresMs any
	if expiresAt != nil {
		expiresMs = expiresAt.UnixMilli()
	}
	if existed {
		_, err = s.db.ExecContext(ctx, `
			UPDATE kv SET value = ?, last_updated_at = ?, expires_at = ?, resume = ?
			WHERE tenant_id = ? AND id = ?`,
			string(raw), now, expiresMs, boolInt(resume), tenant.String(), existingID)
		if err != nil {
			return false, "", fmt.Errorf("kv set %s: %w", key, err)
		}
		return true, existingID, nil
	}
	newID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (tenant_id, id, key, scopes, value, created_at, last_updated_at, expires_at, resume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant.String(), newID, key, sk, string(raw), now, now, expiresMs, boolInt(resume))
	if err != nil {
		return false, "", fmt.Errorf("kv set %s: %w", key, err)
	}
	return false, newID, nil
}

// KVSetByID replaces the value of an existing record.
func (s *Store) KVSetByID(ctx context.Context, tenant TenantID, id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding kv value: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, last_updated_at = ? WHERE tenant_id = ? AND id = ?`,
		string(raw), time.Now().UnixMilli(), tenant.String(), id)
	if err != nil {
		return fmt.Errorf("kv set by id %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound("kv record " + id)
	}
	return nil
}

// KVSetExpiry updates expires_at for the record matched like KVGet.
func (s *Store) KVSetExpiry(ctx context.Context, tenant TenantID, key string, scopes []string, expiresAt *time.Time) error {
	rec, err := s.KVGet(ctx, tenant, key, scopes)
	if err != nil {
		return err
	}
	if rec == nil {
		return errNotFound("kv key " + key)
	}
	return s.KVSetExpiryByID(ctx, tenant, rec.ID, expiresAt)
}

// KVSetExpiryByID updates expires_at for the record with the given id.
func (s *Store) KVSetExpiryByID(ctx context.Context, tenant TenantID, id string, expiresAt *time.Time) error {
	var expiresMs any
	if expiresAt != nil {
		expiresMs = expiresAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ?, last_updated_at = ? WHERE tenant_id = ? AND id = ?`,
		expiresMs, time.Now().UnixMilli(), tenant.String(), id)
	if err != nil {
		return fmt.Errorf("kv set expiry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound("kv record " + id)
	}
	return nil
}

// KVDelete removes the record matched like KVGet. Missing records are
// not an error.
func (s *Store) KVDelete(ctx context.Context, tenant TenantID, key string, scopes []string) error {
	rec, err := s.KVGet(ctx, tenant, key, scopes)
	if err != nil || rec == nil {
		return err
	}
	return s.KVDeleteByID(ctx, tenant, rec.ID)
}

// KVDeleteByID removes the record with the given id.
func (s *Store) KVDeleteByID(ctx context.Context, tenant TenantID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE tenant_id = ? AND id = ?`, tenant.String(), id)
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", id, err)
	}
	return nil
}

// KVFind returns records whose key matches the SQL-LIKE pattern and
// whose scope set carries every requested scope.
func (s *Store) KVFind(ctx context.Context, tenant TenantID, scopes []string, pattern string) ([]*KvRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+kvColumns+` FROM kv WHERE tenant_id = ? AND key LIKE ? ORDER BY created_at`,
		tenant.String(), pattern)
	if err != nil {
		return nil, fmt.Errorf("kv find %q: %w", pattern, err)
	}
	defer rows.Close()
	records, err := s.scanKvRows(rows, tenant)
	if err != nil {
		return nil, err
	}
	requested := normalizeScopes(scopes)
	out := records[:0]
	for _, r := range records {
		if scopesMatch(requested, r.Scopes) {
			out = append(out, r)
		}
	}
	return out, nil
}

// KVExists reports whether a record matched like KVGet exists.
func (s *Store) KVExists(ctx context.Context, tenant TenantID, key string, scopes []string) (bool, error) {
	rec, err := s.KVGet(ctx, tenant, key, scopes)
	return rec != nil, err
}

// KVKeys lists the keys of records whose scope set carries every
// requested scope.
func (s *Store) KVKeys(ctx context.Context, tenant TenantID, scopes []string) ([]string, error) {
	records, err := s.KVFind(ctx, tenant, scopes, "%")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	return keys, nil
}

// KVListScopes returns the distinct scopes appearing on any record of
// the tenant, sorted.
func (s *Store) KVListScopes(ctx context.Context, tenant TenantID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scopes FROM kv WHERE tenant_id = ?`, tenant.String())
	if err != nil {
		return nil, fmt.Errorf("kv list scopes: %w", err)
	}
	defer rows.Close()
	seen := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning scopes row: %w", err)
		}
		var scopes []string
		if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
			return nil, fmt.Errorf("decoding scopes: %w", err)
		}
		for _, sc := range scopes {
			seen[sc] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for sc := range seen {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out, nil
}

// KVExpiries returns the derived expiry rows for a tenant, soonest last
// (cheap pop-from-end of due items).
func (s *Store) KVExpiries(ctx context.Context, tenant TenantID) ([]KeyExpiryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, scopes, expires_at FROM kv
		WHERE tenant_id = ? AND expires_at IS NOT NULL
		ORDER BY expires_at DESC`, tenant.String())
	if err != nil {
		return nil, fmt.Errorf("kv expiries: %w", err)
	}
	defer rows.Close()
	var out []KeyExpiryRecord
	for rows.Next() {
		var (
			r         = KeyExpiryRecord{Tenant: tenant}
			scopes    string
			expiresMs int64
		)
		if err := rows.Scan(&r.ID, &r.Key, &scopes, &expiresMs); err != nil {
			return nil, fmt.Errorf("scanning expiry row: %w", err)
		}
		if err := json.Unmarshal([]byte(scopes), &r.Scopes); err != nil {
			return nil, fmt.Errorf("decoding expiry scopes: %w", err)
		}
		r.ExpiresAt = time.UnixMilli(expiresMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpiryTenants enumerates tenants with at least one expiring record.
func (s *Store) ExpiryTenants(ctx context.Context) ([]TenantID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM kv WHERE expires_at IS NOT NULL GROUP BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing expiry tenants: %w", err)
	}
	defer rows.Close()
	var out []TenantID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		t, err := ParseTenantID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// KVResumable returns the records flagged resume=true for a tenant,
// feeding KeyResume dispatch.
func (s *Store) KVResumable(ctx context.Context, tenant TenantID) ([]*KvRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+kvColumns+` FROM kv WHERE tenant_id = ? AND resume = 1 ORDER BY created_at`,
		tenant.String())
	if err != nil {
		return nil, fmt.Errorf("kv resumable: %w", err)
	}
	defer rows.Close()
	return s.scanKvRows(rows, tenant)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
