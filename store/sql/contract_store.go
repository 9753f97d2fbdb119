package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
)

type contractRepository struct {
	db *sql.DB
}

func NewContractStore(db *sql.DB) types.ContractStore {
	return &contractRepository{db}
}

func (r *contractRepository) AddContracts(
	ctx context.Context, contracts []types.WalletContract,
) (int, error) {
	count := 0
	txBody := func(tx *sql.Tx) error {
		for _, c := range contracts {
			data, err := json.Marshal(c.Data)
			if err != nil {
				return err
			}
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO contract (script, wallet_id, active, type, data, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(script) DO NOTHING`,
				c.Script, c.WalletID, c.Active, c.Type, string(data), createdAt.Unix(),
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				count++
			}
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return -1, err
	}
	return count, nil
}

func (r *contractRepository) SetActive(ctx context.Context, script string, active bool) error {
	res, err := r.db.ExecContext(ctx, "UPDATE contract SET active = ? WHERE script = ?", active, script)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("contract %s %w", script, types.ErrNotFound)
	}
	return nil
}

func (r *contractRepository) GetContract(
	ctx context.Context, script string,
) (*types.WalletContract, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT script, wallet_id, active, type, data, created_at
		FROM contract WHERE script = ?`, script,
	)
	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contract %s %w", script, types.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

func (r *contractRepository) ListContracts(
	ctx context.Context, walletID string, activeOnly bool,
) ([]types.WalletContract, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if walletID != "" {
		conditions = append(conditions, "wallet_id = ?")
		args = append(args, walletID)
	}
	if activeOnly {
		conditions = append(conditions, "active = TRUE")
	}
	query := "SELECT script, wallet_id, active, type, data, created_at FROM contract"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// nolint:errcheck
	defer rows.Close()

	contracts := make([]types.WalletContract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

func (r *contractRepository) Clean(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM contract")
	return err
}

func (r *contractRepository) Close() {}

func scanContract(row scanner) (*types.WalletContract, error) {
	var (
		c         types.WalletContract
		data      string
		createdAt int64
	)
	if err := row.Scan(&c.Script, &c.WalletID, &c.Active, &c.Type, &data, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &c.Data); err != nil {
		return nil, fmt.Errorf("invalid data of contract %s: %w", c.Script, err)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}
