package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
)

type walletRepository struct {
	db *sql.DB
}

func NewWalletStore(db *sql.DB) types.WalletStore {
	return &walletRepository{db}
}

func (r *walletRepository) UpsertWallet(ctx context.Context, wallet types.Wallet) error {
	if wallet.ID == "" {
		return fmt.Errorf("missing wallet id")
	}
	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet (id, pubkey, destination, scheduling_policy, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pubkey = excluded.pubkey,
			destination = excluded.destination,
			scheduling_policy = excluded.scheduling_policy`,
		wallet.ID, wallet.PubKey, nullString(wallet.Destination),
		nullString(wallet.SchedulingPolicy), wallet.CreatedAt.Unix(),
	)
	return err
}

func (r *walletRepository) GetWallet(ctx context.Context, id string) (*types.Wallet, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, pubkey, destination, scheduling_policy, created_at
		FROM wallet WHERE id = ?`, id,
	)
	wallet, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("wallet %s %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return wallet, nil
}

func (r *walletRepository) ListWallets(ctx context.Context) ([]types.Wallet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, pubkey, destination, scheduling_policy, created_at
		FROM wallet ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	// nolint:errcheck
	defer rows.Close()

	wallets := make([]types.Wallet, 0)
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *wallet)
	}
	return wallets, rows.Err()
}

func (r *walletRepository) Clean(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM wallet")
	return err
}

func (r *walletRepository) Close() {}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (*types.Wallet, error) {
	var (
		wallet                        types.Wallet
		destination, schedulingPolicy sql.NullString
		createdAt                     int64
	)
	if err := row.Scan(
		&wallet.ID, &wallet.PubKey, &destination, &schedulingPolicy, &createdAt,
	); err != nil {
		return nil, err
	}
	wallet.Destination = destination.String
	wallet.SchedulingPolicy = schedulingPolicy.String
	wallet.CreatedAt = time.Unix(createdAt, 0)
	return &wallet, nil
}
