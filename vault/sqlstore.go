package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/hlc"
	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// Options configures a SQLStore.
type Options struct {
	Driver        string
	DSN           string
	BusyTimeoutMS int
	WriteTimeout  time.Duration
	Clock         *hlc.Clock
}

// SQLStore implements Store over database/sql with goqu-built statements.
type SQLStore struct {
	driver       string
	writeDB      *sql.DB
	readDB       *sql.DB
	write        *goqu.Database
	read         *goqu.Database
	clock        *hlc.Clock
	writeTimeout time.Duration

	// Hubs are never deleted, so a hub seen once never needs another insert
	knownHubs *xsync.MapOf[string, struct{}]
}

var _ Store = (*SQLStore)(nil)

// Open connects to the vault database and creates the vault tables.
func Open(opts Options) (*SQLStore, error) {
	if opts.Clock == nil {
		opts.Clock = hlc.NewClock(0)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	ddl, err := schemasFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	var writeDB, readDB *sql.DB
	switch opts.Driver {
	case DriverSQLite:
		writeDB, readDB, err = openSQLite(opts.DSN, opts.BusyTimeoutMS)
	case DriverMySQL:
		writeDB, readDB, err = openMySQL(opts.DSN)
	}
	if err != nil {
		return nil, err
	}

	for _, stmt := range ddl {
		if _, err := writeDB.Exec(stmt); err != nil {
			writeDB.Close()
			readDB.Close()
			return nil, fmt.Errorf("failed to create vault schema: %w", err)
		}
	}

	s := &SQLStore{
		driver:       opts.Driver,
		writeDB:      writeDB,
		readDB:       readDB,
		write:        goqu.New(opts.Driver, writeDB),
		read:         goqu.New(opts.Driver, readDB),
		clock:        opts.Clock,
		writeTimeout: opts.WriteTimeout,
		knownHubs:    xsync.NewMapOf[string, struct{}](),
	}

	if err := s.observeLoadTimestamps(); err != nil {
		s.Close()
		return nil, err
	}

	log.Info().Str("driver", opts.Driver).Msg("Vault store opened")
	return s, nil
}

func openSQLite(path string, busyTimeoutMS int) (*sql.DB, *sql.DB, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := path
	readDSN := path
	if !isMemoryDB {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		writeDSN += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", sep, busyTimeoutMS)
		readDSN += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d", sep, busyTimeoutMS)
	}

	writeDB, err := sql.Open(DriverSQLite, writeDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open vault write database: %w", err)
	}
	// Single writer connection; SQLite serializes writers anyway
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	if isMemoryDB {
		// Separate :memory: connections would see separate databases
		return writeDB, writeDB, nil
	}

	readDB, err := sql.Open(DriverSQLite, readDSN)
	if err != nil {
		writeDB.Close()
		return nil, nil, fmt.Errorf("failed to open vault read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	if _, err := writeDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return writeDB, readDB, nil
}

func openMySQL(dsn string) (*sql.DB, *sql.DB, error) {
	db, err := sql.Open(DriverMySQL, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open vault database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to reach vault database: %w", err)
	}
	return db, db, nil
}

// observeLoadTimestamps moves the clock past every persisted load_ts.
func (s *SQLStore) observeLoadTimestamps() error {
	for _, table := range []string{tableHubs, tableLinks, tableSatellites} {
		var maxTS sql.NullInt64
		if _, err := s.read.From(table).Select(goqu.MAX("load_ts")).ScanVal(&maxTS); err != nil {
			return fmt.Errorf("failed to read max load_ts from %s: %w", table, err)
		}
		if maxTS.Valid {
			s.clock.Observe(uint64(maxTS.Int64))
		}
	}
	return nil
}

// Apply writes every mutation of the batch, plus the applied snapshot and parked
// list when present, in one transaction.
func (s *SQLStore) Apply(ctx context.Context, batch Batch) (Applied, error) {
	var applied Applied
	start := time.Now()
	defer func() { telemetry.VaultApplySeconds.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return applied, common.Apply("begin", err)
	}

	newHubs := make([]string, 0)
	counts := make(map[MutationKind]int)
	for _, m := range batch.Mutations {
		wrote, err := s.applyMutation(ctx, tx, batch.SourceID, m)
		if err != nil {
			tx.Rollback()
			return Applied{}, common.Apply(fmt.Sprintf("%s %s", m.Kind, m.Table), err)
		}
		if !wrote {
			applied.Skipped++
			continue
		}

		counts[m.Kind]++
		switch m.Kind {
		case CreateHub:
			applied.Hubs++
			newHubs = append(newHubs, m.Hub.ID())
		case CreateLink:
			applied.Links++
		default:
			applied.Satellites++
		}
	}

	if batch.Snapshot != nil {
		if err := s.recordSnapshot(ctx, tx, batch.SourceID, *batch.Snapshot, batch.Parked); err != nil {
			tx.Rollback()
			return Applied{}, common.Apply("record snapshot", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Applied{}, common.Apply("commit", err)
	}

	for _, id := range newHubs {
		s.knownHubs.Store(id, struct{}{})
	}
	for kind, n := range counts {
		telemetry.VaultMutationsTotal.With(string(kind)).Add(float64(n))
	}

	return applied, nil
}

func (s *SQLStore) applyMutation(ctx context.Context, tx *goqu.TxDatabase, sourceID string, m Mutation) (bool, error) {
	switch m.Kind {
	case CreateHub:
		return s.insertHub(ctx, tx, sourceID, m.Hub)
	case CreateLink:
		if m.Link == nil {
			return false, fmt.Errorf("link mutation without link")
		}
		return s.insertLink(ctx, tx, sourceID, *m.Link)
	case CreateSatellite, AppendSatellite, TableRetired:
		return s.appendSatellite(ctx, tx, sourceID, m)
	default:
		return false, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

func (s *SQLStore) insertHub(ctx context.Context, tx *goqu.TxDatabase, sourceID string, ref HubRef) (bool, error) {
	id := ref.ID()
	if _, ok := s.knownHubs.Load(id); ok {
		return false, nil
	}

	row := Hub{
		HubID:           id,
		HubClass:        string(ref.Class),
		EntityType:      ref.EntityType,
		BusinessKey:     strings.Join(ref.BusinessKey, ","),
		BusinessKeyHash: BusinessKeyHash(ref.BusinessKey),
		SourceID:        sourceID,
		LoadTS:          s.nextLoadTS(),
	}

	res, err := tx.Insert(tableHubs).Prepared(true).Rows(row).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *SQLStore) insertLink(ctx context.Context, tx *goqu.TxDatabase, sourceID string, link LinkSpec) (bool, error) {
	hubIDs, err := json.Marshal(link.HubIDs())
	if err != nil {
		return false, err
	}

	row := Link{
		LinkID:   link.ID(),
		LinkType: link.Type,
		HubIDs:   string(hubIDs),
		SourceID: sourceID,
		LoadTS:   s.nextLoadTS(),
	}

	res, err := tx.Insert(tableLinks).Prepared(true).Rows(row).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// appendSatellite inserts the satellite only if its change was not recorded yet
// and its hash differs from the parent's newest row.
func (s *SQLStore) appendSatellite(ctx context.Context, tx *goqu.TxDatabase, sourceID string, m Mutation) (bool, error) {
	parentID := m.ParentID()
	if m.Hash == "" {
		return false, fmt.Errorf("satellite for %s has no content hash", m.Table)
	}

	if s.driver == DriverMySQL {
		// Serialize satellite appends per parent across writers
		var locked string
		if _, err := tx.From(tableHubs).Prepared(true).
			Select("hub_id").
			Where(goqu.C("hub_id").Eq(parentID)).
			ForUpdate(exp.Wait).
			ScanValContext(ctx, &locked); err != nil {
			return false, err
		}
	}

	if m.ChangeID != "" {
		seen, err := tx.From(tableSatellites).Prepared(true).
			Where(goqu.C("parent_id").Eq(parentID), goqu.C("change_id").Eq(m.ChangeID)).
			CountContext(ctx)
		if err != nil {
			return false, err
		}
		if seen > 0 {
			return false, nil
		}
	}

	latest, err := latestHash(ctx, tx.From(tableSatellites), parentID)
	if err != nil {
		return false, err
	}
	if latest == m.Hash {
		return false, nil
	}

	payload, err := json.Marshal(m.SatellitePayload())
	if err != nil {
		return false, fmt.Errorf("encode satellite payload: %w", err)
	}

	row := Satellite{
		ParentID:    parentID,
		LoadTS:      s.nextLoadTS(),
		ContentHash: m.Hash,
		Kind:        m.SatelliteKind(),
		Payload:     string(payload),
		SourceID:    sourceID,
		ChangeID:    m.ChangeID,
	}
	if _, err := tx.Insert(tableSatellites).Prepared(true).Rows(row).Executor().ExecContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) recordSnapshot(ctx context.Context, tx *goqu.TxDatabase, sourceID string, snap schema.Snapshot, parked []ParkedTable) error {
	body, err := snap.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	if _, err := tx.Delete(tableAppliedSnapshots).Prepared(true).
		Where(goqu.C("source_id").Eq(sourceID)).
		Executor().ExecContext(ctx); err != nil {
		return err
	}
	if _, err := tx.Insert(tableAppliedSnapshots).Prepared(true).Rows(goqu.Record{
		"source_id":    sourceID,
		"snapshot":     string(body),
		"content_hash": snap.Hash(),
		"applied_at":   now,
	}).Executor().ExecContext(ctx); err != nil {
		return err
	}

	if _, err := tx.Delete(tableParked).Prepared(true).
		Where(goqu.C("source_id").Eq(sourceID)).
		Executor().ExecContext(ctx); err != nil {
		return err
	}
	for _, p := range parked {
		p.SourceID = sourceID
		if p.ParkedAt == 0 {
			p.ParkedAt = now
		}
		if _, err := tx.Insert(tableParked).Prepared(true).Rows(p).Executor().ExecContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AppliedSnapshot returns the last applied snapshot for a source, or nil.
func (s *SQLStore) AppliedSnapshot(ctx context.Context, sourceID string) (*schema.Snapshot, error) {
	var body string
	found, err := s.read.From(tableAppliedSnapshots).Prepared(true).
		Select("snapshot").
		Where(goqu.C("source_id").Eq(sourceID)).
		ScanValContext(ctx, &body)
	if err != nil {
		return nil, common.Apply("load applied snapshot", err)
	}
	if !found {
		return nil, nil
	}

	var snap schema.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, common.Apply("decode applied snapshot", err)
	}
	return &snap, nil
}

// LatestSatelliteHash returns the newest satellite hash of a parent, or "" when it has none.
func (s *SQLStore) LatestSatelliteHash(ctx context.Context, parentID string) (string, error) {
	hash, err := latestHash(ctx, s.read.From(tableSatellites), parentID)
	if err != nil {
		return "", common.Apply("latest satellite hash", err)
	}
	return hash, nil
}

func latestHash(ctx context.Context, from *goqu.SelectDataset, parentID string) (string, error) {
	var hash string
	_, err := from.Prepared(true).
		Select("content_hash").
		Where(goqu.C("parent_id").Eq(parentID)).
		Order(goqu.C("load_ts").Desc()).
		Limit(1).
		ScanValContext(ctx, &hash)
	return hash, err
}

// ParkedTables lists every parked table ordered by source and table.
func (s *SQLStore) ParkedTables(ctx context.Context) ([]ParkedTable, error) {
	var out []ParkedTable
	err := s.read.From(tableParked).Prepared(true).
		Order(goqu.C("source_id").Asc(), goqu.C("table_name").Asc()).
		ScanStructsContext(ctx, &out)
	return out, err
}

// CountParked returns the number of parked tables.
func (s *SQLStore) CountParked(ctx context.Context) (int, error) {
	n, err := s.read.From(tableParked).CountContext(ctx)
	return int(n), err
}

// HubExists reports whether a hub with hubID is stored.
func (s *SQLStore) HubExists(ctx context.Context, hubID string) (bool, error) {
	if _, ok := s.knownHubs.Load(hubID); ok {
		return true, nil
	}
	found, err := exists(ctx, s.read.From(tableHubs), "hub_id", hubID)
	if err != nil {
		return false, common.Apply("hub lookup", err)
	}
	if found {
		s.knownHubs.Store(hubID, struct{}{})
	}
	return found, nil
}

// LinkExists reports whether a link with linkID is stored.
func (s *SQLStore) LinkExists(ctx context.Context, linkID string) (bool, error) {
	found, err := exists(ctx, s.read.From(tableLinks), "link_id", linkID)
	if err != nil {
		return false, common.Apply("link lookup", err)
	}
	return found, nil
}

func exists(ctx context.Context, from *goqu.SelectDataset, column, id string) (bool, error) {
	var got string
	return from.Prepared(true).
		Select(column).
		Where(goqu.C(column).Eq(id)).
		Limit(1).
		ScanValContext(ctx, &got)
}

// Hubs lists hubs, optionally restricted to one entity type.
func (s *SQLStore) Hubs(ctx context.Context, entityType string) ([]Hub, error) {
	ds := s.read.From(tableHubs).Prepared(true)
	if entityType != "" {
		ds = ds.Where(goqu.C("entity_type").Eq(entityType))
	}

	var out []Hub
	err := ds.Order(goqu.C("load_ts").Asc()).ScanStructsContext(ctx, &out)
	return out, err
}

// Links lists links, optionally restricted to one link type.
func (s *SQLStore) Links(ctx context.Context, linkType string) ([]Link, error) {
	ds := s.read.From(tableLinks).Prepared(true)
	if linkType != "" {
		ds = ds.Where(goqu.C("link_type").Eq(linkType))
	}

	var out []Link
	err := ds.Order(goqu.C("load_ts").Asc()).ScanStructsContext(ctx, &out)
	return out, err
}

// Satellites returns a parent's satellites oldest first.
func (s *SQLStore) Satellites(ctx context.Context, parentID string) ([]Satellite, error) {
	var out []Satellite
	err := s.read.From(tableSatellites).Prepared(true).
		Where(goqu.C("parent_id").Eq(parentID)).
		Order(goqu.C("load_ts").Asc()).
		ScanStructsContext(ctx, &out)
	return out, err
}

// Close closes both database handles
func (s *SQLStore) Close() error {
	var writeErr, readErr error
	if s.readDB != nil && s.readDB != s.writeDB {
		readErr = s.readDB.Close()
	}
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

func (s *SQLStore) nextLoadTS() int64 {
	return int64(s.clock.Now().ToLoadID())
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
