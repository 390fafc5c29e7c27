package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"wslicense/internal/config"
	apperrors "wslicense/internal/errors"
	"wslicense/pkg/contracts/domain"
)

// sqliteTimeLayout is fixed width so that stored timestamps sort as text
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// Dialect hides the differences between the supported SQL engines
type Dialect struct {
	Name          string
	numbered      bool
	autoIncrement string
	timeType      string
}

var (
	Postgres = Dialect{Name: config.StorePostgres, numbered: true, autoIncrement: "BIGSERIAL PRIMARY KEY", timeType: "TIMESTAMPTZ"}
	SQLite   = Dialect{Name: config.StoreSQLite, autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT", timeType: "TEXT"}
)

// rebind rewrites ? placeholders into $n for numbered dialects
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg converts t for binding; the zero time is stored as NULL
func (d Dialect) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if d.numbered {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func (d Dialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS licences (
			licence_key TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			licence_type TEXT NOT NULL,
			plan_type TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_days INTEGER NOT NULL DEFAULT 0,
			expiry_date ` + d.timeType + `,
			activation_date ` + d.timeType + `,
			max_devices INTEGER NOT NULL DEFAULT 1,
			activation_count INTEGER NOT NULL DEFAULT 0,
			features TEXT,
			customer_email TEXT,
			customer_name TEXT,
			created_at ` + d.timeType + ` NOT NULL,
			updated_at ` + d.timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			licence_key TEXT NOT NULL REFERENCES licences(licence_key),
			fingerprint TEXT NOT NULL,
			device_name TEXT,
			first_seen ` + d.timeType + ` NOT NULL,
			last_seen ` + d.timeType + ` NOT NULL,
			PRIMARY KEY (licence_key, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices (fingerprint)`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id ` + d.autoIncrement + `,
			licence_key TEXT NOT NULL,
			action TEXT NOT NULL,
			fingerprint TEXT,
			ip_address TEXT,
			details TEXT,
			created_at ` + d.timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			licence_key TEXT,
			fingerprint TEXT,
			app_id TEXT,
			details TEXT,
			occurred_at ` + d.timeType + ` NOT NULL,
			received_at ` + d.timeType + ` NOT NULL
		)`,
	}
}

// SQLStore is the Store backed by PostgreSQL or SQLite
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	logger  *slog.Logger
}

// NewSQLStore wraps an open database. It does not run migrations.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now, logger: logger}
}

// OpenSQLStore opens the configured database, waits for it to accept
// connections and applies the schema.
func OpenSQLStore(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (*SQLStore, error) {
	var (
		driver, dsn string
		dialect     Dialect
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		driver, dsn, dialect = "postgres", cfg.DatabaseURL, Postgres
	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		driver, dsn, dialect = "sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", SQLite
	default:
		return nil, fmt.Errorf("unsupported sql store driver %q", cfg.StoreDriver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect.Name, err)
	}
	if dialect.Name == config.StoreSQLite {
		// a single writer avoids SQLITE_BUSY under concurrent activations
		db.SetMaxOpenConns(1)
	}

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}
	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Registry database not ready",
				slog.Int("attempt", int(n)+1),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", dialect.Name, err)
	}

	s := NewSQLStore(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Registry database ready", slog.String("driver", dialect.Name))
	return s, nil
}

// Migrate creates the schema if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate registry schema: %w", err)
		}
	}
	return nil
}

const licenceColumns = `licence_key, app_id, licence_type, plan_type, status, duration_days,
	expiry_date, activation_date, max_devices, activation_count, features,
	customer_email, customer_name, created_at, updated_at`

func (s *SQLStore) CreateLicence(ctx context.Context, lic *domain.License) error {
	features, err := encodeJSON(lic.Features)
	if err != nil {
		return err
	}
	d := s.dialect
	_, err = s.db.ExecContext(ctx, d.rebind(`INSERT INTO licences (`+licenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		lic.LicenseKey, lic.AppID, string(lic.LicenseType), lic.PlanType, string(lic.Status), lic.DurationDays,
		d.timeArg(lic.ExpiryDate), d.timeArg(lic.ActivationDate), lic.MaxDevices, lic.ActivationCount, features,
		lic.CustomerEmail, lic.CustomerName, d.timeArg(lic.CreatedAt), d.timeArg(lic.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrLicenseExists
		}
		return fmt.Errorf("insert licence: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLicence(ctx context.Context, key string) (*domain.License, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+licenceColumns+` FROM licences WHERE licence_key = ?`), key)
	lic, err := scanLicence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("get licence: %w", err)
	}
	if lic.Devices, err = s.devices(ctx, key); err != nil {
		return nil, err
	}
	return lic, nil
}

func (s *SQLStore) FindByDevice(ctx context.Context, appID, fingerprint string) ([]*domain.License, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT l.licence_key
		FROM licences l JOIN devices d ON d.licence_key = l.licence_key
		WHERE l.app_id = ? AND d.fingerprint = ?
		ORDER BY d.last_seen DESC`), appID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find licences by device: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			_ = rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.License, 0, len(keys))
	for _, k := range keys {
		lic, err := s.GetLicence(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, nil
}

func (s *SQLStore) UpdateLicence(ctx context.Context, lic *domain.License) error {
	return updateLicence(ctx, s.db, s.dialect, lic)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateLicence(ctx context.Context, db execer, d Dialect, lic *domain.License) error {
	features, err := encodeJSON(lic.Features)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, d.rebind(`UPDATE licences SET
		status = ?, plan_type = ?, expiry_date = ?, activation_date = ?, max_devices = ?,
		activation_count = ?, features = ?, updated_at = ?
		WHERE licence_key = ?`),
		string(lic.Status), lic.PlanType, d.timeArg(lic.ExpiryDate), d.timeArg(lic.ActivationDate), lic.MaxDevices,
		lic.ActivationCount, features, d.timeArg(lic.UpdatedAt), lic.LicenseKey,
	)
	if err != nil {
		return fmt.Errorf("update licence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

func (s *SQLStore) BindDevice(ctx context.Context, lic *domain.License, dev domain.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bind transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d := s.dialect
	if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO devices
		(licence_key, fingerprint, device_name, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)`),
		lic.LicenseKey, dev.Fingerprint, dev.DeviceName, d.timeArg(dev.FirstSeen), d.timeArg(dev.LastSeen),
	); err != nil {
		return fmt.Errorf("bind device: %w", err)
	}
	if err := updateLicence(ctx, tx, d, lic); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) TouchDevice(ctx context.Context, key, fingerprint, deviceName string, at time.Time) error {
	d := s.dialect
	res, err := s.db.ExecContext(ctx, d.rebind(`UPDATE devices
		SET last_seen = ?, device_name = CASE WHEN ? = '' THEN device_name ELSE ? END
		WHERE licence_key = ? AND fingerprint = ?`),
		d.timeArg(at), deviceName, deviceName, key, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

func (s *SQLStore) UnbindAll(ctx context.Context, key string) (int, error) {
	if _, err := s.GetLicence(ctx, key); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM devices WHERE licence_key = ?`), key)
	if err != nil {
		return 0, fmt.Errorf("unbind devices: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) ListLicences(ctx context.Context, filter domain.LicenseFilter) ([]*domain.License, error) {
	query := `SELECT ` + licenceColumns + ` FROM licences WHERE 1 = 1`
	var args []any
	if filter.AppID != "" {
		query += ` AND app_id = ?`
		args = append(args, filter.AppID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, licence_key`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list licences: %w", err)
	}
	var out []*domain.License
	for rows.Next() {
		lic, err := scanLicence(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan licence: %w", err)
		}
		out = append(out, lic)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, lic := range out {
		if lic.Devices, err = s.devices(ctx, lic.LicenseKey); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	st := &domain.Stats{}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM licences GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count licences: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st.Total += n
		switch domain.LicenseStatus(status) {
		case domain.LicenseStatusPending:
			st.Pending = n
		case domain.LicenseStatusActive:
			st.Active = n
		case domain.LicenseStatusExpired:
			st.Expired = n
		case domain.LicenseStatusSuspended:
			st.Suspended = n
		case domain.LicenseStatusRevoked:
			st.Revoked = n
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	d := s.dialect
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&st.Devices); err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM licences
		WHERE status = ? AND expiry_date >= ? AND expiry_date <= ?`),
		string(domain.LicenseStatusActive), d.timeArg(now), d.timeArg(now.Add(expiringWindow)),
	).Scan(&st.ExpiringSoon); err != nil {
		return nil, fmt.Errorf("count expiring licences: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_events`).Scan(&st.UsageEvents); err != nil {
		return nil, fmt.Errorf("count usage events: %w", err)
	}
	return st, nil
}

func (s *SQLStore) AppendActivity(ctx context.Context, entry domain.ActivityLog) error {
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}
	d := s.dialect
	_, err = s.db.ExecContext(ctx, d.rebind(`INSERT INTO activity_logs
		(licence_key, action, fingerprint, ip_address, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		entry.LicenseKey, entry.Action, entry.Fingerprint, entry.IPAddress, details, d.timeArg(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// AppendUsage stores events in one transaction, ignoring ids already stored
func (s *SQLStore) AppendUsage(ctx context.Context, events []domain.UsageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d := s.dialect
	received := d.timeArg(s.now())
	stmt := d.rebind(`INSERT INTO usage_events
		(id, event_type, licence_key, fingerprint, app_id, details, occurred_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	for _, ev := range events {
		details, err := encodeJSON(ev.Details)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt,
			ev.ID, ev.EventType, ev.LicenseKey, ev.Fingerprint, ev.AppID, details, d.timeArg(ev.OccurredAt), received,
		); err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
	}
	return tx.Commit()
}

// Ping checks that the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) devices(ctx context.Context, key string) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT fingerprint, device_name, first_seen, last_seen
		FROM devices WHERE licence_key = ? ORDER BY first_seen`), key)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Device
	for rows.Next() {
		var (
			dev             domain.Device
			name            sql.NullString
			first, lastSeen nullTime
		)
		if err := rows.Scan(&dev.Fingerprint, &name, &first, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		dev.DeviceName = name.String
		dev.FirstSeen, dev.LastSeen = first.Time, lastSeen.Time
		out = append(out, dev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicence(row rowScanner) (*domain.License, error) {
	var (
		lic                           domain.License
		licenceType, status           string
		expiry, activation            nullTime
		created, updated              nullTime
		features, email, customerName sql.NullString
	)
	if err := row.Scan(
		&lic.LicenseKey, &lic.AppID, &licenceType, &lic.PlanType, &status, &lic.DurationDays,
		&expiry, &activation, &lic.MaxDevices, &lic.ActivationCount, &features,
		&email, &customerName, &created, &updated,
	); err != nil {
		return nil, err
	}
	lic.LicenseType = domain.LicenseType(licenceType)
	lic.Status = domain.LicenseStatus(status)
	lic.ExpiryDate, lic.ActivationDate = expiry.Time, activation.Time
	lic.CreatedAt, lic.UpdatedAt = created.Time, updated.Time
	lic.CustomerEmail, lic.CustomerName = email.String, customerName.String
	if features.Valid && features.String != "" {
		if err := json.Unmarshal([]byte(features.String), &lic.Features); err != nil {
			return nil, fmt.Errorf("decode licence features: %w", err)
		}
	}
	return &lic, nil
}

// nullTime scans timestamps stored natively (postgres) or as text (sqlite)
type nullTime struct {
	Time time.Time
}

func (n *nullTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		n.Time = time.Time{}
	case time.Time:
		n.Time = x.UTC()
	case string:
		return n.parse(x)
	case []byte:
		return n.parse(string(x))
	default:
		return fmt.Errorf("cannot scan %T into time", v)
	}
	return nil
}

func (n *nullTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func encodeJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]bool:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc reports constraint failures only through the message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
