package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const intentColumns = `id, wallet_id, state, locked_vtxos, valid_from, valid_until,
	register_proof, register_message, delete_proof, delete_message, partial_forfeits,
	batch_id, commitment_txid, cancellation_reason, server_id, created_at, updated_at`

type intentRepository struct {
	db *sql.DB
}

func NewIntentStore(db *sql.DB) types.IntentStore {
	return &intentRepository{db}
}

func (r *intentRepository) AddIntent(ctx context.Context, intent types.Intent) error {
	if intent.ID == "" {
		return fmt.Errorf("missing intent id")
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	intent.UpdatedAt = intent.CreatedAt

	args, err := intentArgs(intent)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO intent ("+intentColumns+") VALUES ("+placeholders(17)+")", args...,
	); err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
				sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE) {
			return fmt.Errorf("%w: %s", types.ErrIntentExists, intent.ID)
		}
		return err
	}
	return nil
}

func (r *intentRepository) UpdateIntent(ctx context.Context, intent types.Intent) error {
	intent.UpdatedAt = time.Now()
	lockedVtxos, err := json.Marshal(intent.LockedVtxos)
	if err != nil {
		return err
	}
	partialForfeits, err := json.Marshal(intent.PartialForfeits)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE intent SET
			state = ?, locked_vtxos = ?, valid_from = ?, valid_until = ?,
			register_proof = ?, register_message = ?, delete_proof = ?, delete_message = ?,
			partial_forfeits = ?, batch_id = ?, commitment_txid = ?, cancellation_reason = ?,
			server_id = ?, updated_at = ?
		WHERE id = ?`,
		int(intent.State), string(lockedVtxos), toUnix(intent.ValidFrom),
		toUnix(intent.ValidUntil), nullString(intent.RegisterProof),
		nullString(intent.RegisterMessage), nullString(intent.DeleteProof),
		nullString(intent.DeleteMessage), string(partialForfeits), nullString(intent.BatchID),
		nullString(intent.CommitmentTxid), nullString(intent.CancellationReason),
		nullString(intent.ServerID), intent.UpdatedAt.Unix(), intent.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("intent %s %w", intent.ID, types.ErrNotFound)
	}
	return nil
}

func (r *intentRepository) GetIntent(ctx context.Context, id string) (*types.Intent, error) {
	intents, err := r.query(ctx, "SELECT "+intentColumns+" FROM intent WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, fmt.Errorf("intent %s %w", id, types.ErrNotFound)
	}
	return &intents[0], nil
}

func (r *intentRepository) ListIntents(
	ctx context.Context, states ...types.IntentState,
) ([]types.Intent, error) {
	query := "SELECT " + intentColumns + " FROM intent"
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += " WHERE state IN (" + placeholders(len(states)) + ")"
		for _, state := range states {
			args = append(args, int(state))
		}
	}
	query += " ORDER BY created_at"
	return r.query(ctx, query, args...)
}

func (r *intentRepository) Clean(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM intent")
	return err
}

func (r *intentRepository) Close() {}

func (r *intentRepository) query(ctx context.Context, query string, args ...any) ([]types.Intent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// nolint:errcheck
	defer rows.Close()

	intents := make([]types.Intent, 0)
	for rows.Next() {
		var (
			intent                                 types.Intent
			state                                  int
			lockedVtxos                            string
			partialForfeits                        sql.NullString
			validFrom, validUntil                  sql.NullInt64
			registerProof, registerMessage         sql.NullString
			deleteProof, deleteMessage             sql.NullString
			batchID, commitmentTxid, cancellReason sql.NullString
			serverID                               sql.NullString
			createdAt, updatedAt                   int64
		)
		if err := rows.Scan(
			&intent.ID, &intent.WalletID, &state, &lockedVtxos, &validFrom, &validUntil,
			&registerProof, &registerMessage, &deleteProof, &deleteMessage, &partialForfeits,
			&batchID, &commitmentTxid, &cancellReason, &serverID, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(lockedVtxos), &intent.LockedVtxos); err != nil {
			return nil, fmt.Errorf("invalid locked vtxos of intent %s: %w", intent.ID, err)
		}
		if partialForfeits.String != "" && partialForfeits.String != "null" {
			if err := json.Unmarshal([]byte(partialForfeits.String), &intent.PartialForfeits); err != nil {
				return nil, fmt.Errorf("invalid forfeits of intent %s: %w", intent.ID, err)
			}
		}
		intent.State = types.IntentState(state)
		intent.ValidFrom = fromUnix(validFrom)
		intent.ValidUntil = fromUnix(validUntil)
		intent.RegisterProof = registerProof.String
		intent.RegisterMessage = registerMessage.String
		intent.DeleteProof = deleteProof.String
		intent.DeleteMessage = deleteMessage.String
		intent.BatchID = batchID.String
		intent.CommitmentTxid = commitmentTxid.String
		intent.CancellationReason = cancellReason.String
		intent.ServerID = serverID.String
		intent.CreatedAt = time.Unix(createdAt, 0)
		intent.UpdatedAt = time.Unix(updatedAt, 0)
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

func intentArgs(intent types.Intent) ([]any, error) {
	lockedVtxos, err := json.Marshal(intent.LockedVtxos)
	if err != nil {
		return nil, err
	}
	partialForfeits, err := json.Marshal(intent.PartialForfeits)
	if err != nil {
		return nil, err
	}
	return []any{
		intent.ID, intent.WalletID, int(intent.State), string(lockedVtxos),
		toUnix(intent.ValidFrom), toUnix(intent.ValidUntil),
		nullString(intent.RegisterProof), nullString(intent.RegisterMessage),
		nullString(intent.DeleteProof), nullString(intent.DeleteMessage),
		string(partialForfeits), nullString(intent.BatchID), nullString(intent.CommitmentTxid),
		nullString(intent.CancellationReason), nullString(intent.ServerID),
		intent.CreatedAt.Unix(), intent.UpdatedAt.Unix(),
	}, nil
}
