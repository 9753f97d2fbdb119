package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	sqliteDbFile = "arkpay.sqlite.db"
	driverName   = "sqlite"
)

//go:embed migration/*
var migrations embed.FS

type store struct {
	db        *sql.DB
	wallets   types.WalletStore
	contracts types.ContractStore
	vtxos     types.VtxoStore
	intents   types.IntentStore
}

// NewStore opens the sqlite db in baseDir and brings its schema up to date.
func NewStore(baseDir string) (types.Store, error) {
	dbFile := filepath.Join(baseDir, sqliteDbFile)
	db, err := openDb(dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %s", err)
	}

	if err := migrateUp(db); err != nil {
		// nolint:errcheck
		db.Close()
		return nil, err
	}

	return &store{
		db:        db,
		wallets:   NewWalletStore(db),
		contracts: NewContractStore(db),
		vtxos:     NewVtxoStore(db),
		intents:   NewIntentStore(db),
	}, nil
}

func (s *store) WalletStore() types.WalletStore     { return s.wallets }
func (s *store) ContractStore() types.ContractStore { return s.contracts }
func (s *store) VtxoStore() types.VtxoStore         { return s.vtxos }
func (s *store) IntentStore() types.IntentStore     { return s.intents }

func (s *store) Clean(ctx context.Context) {
	if err := s.wallets.Clean(ctx); err != nil {
		log.Warn(err)
	}
	if err := s.contracts.Clean(ctx); err != nil {
		log.Warn(err)
	}
	if err := s.vtxos.Clean(ctx); err != nil {
		log.Warn(err)
	}
	if err := s.intents.Clean(ctx); err != nil {
		log.Warn(err)
	}
}

func (s *store) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnf("failed to close sql store: %v", err)
	}
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	source, err := iofs.New(migrations, "migration")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "arkpay.db", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %s", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %s", err)
	}
	return nil
}

func openDb(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %v", err)
		}
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	db.SetMaxOpenConns(1)

	return db, nil
}

func execTx(ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := txBody(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%s, rollback failed: %s", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func toUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, 0, 3*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, '?')
	}
	return string(buf)
}
