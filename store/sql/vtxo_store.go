package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/ccoveille/go-safecast"
)

const vtxoColumns = `txid, vout, script, amount, commitment_txids, created_at, expires_at,
	expires_at_height, preconfirmed, swept, spent, spent_by, settled_by, ark_txid, recoverable`

type vtxoRepository struct {
	db      *sql.DB
	lock    *sync.Mutex
	eventCh chan types.VtxoEvent
}

func NewVtxoStore(db *sql.DB) types.VtxoStore {
	return &vtxoRepository{
		db:      db,
		lock:    &sync.Mutex{},
		eventCh: make(chan types.VtxoEvent, 100),
	}
}

func (r *vtxoRepository) AddVtxos(ctx context.Context, vtxos []types.Vtxo) (int, error) {
	addedVtxos := make([]types.Vtxo, 0, len(vtxos))
	txBody := func(tx *sql.Tx) error {
		for _, vtxo := range vtxos {
			args, err := vtxoArgs(vtxo)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				"INSERT INTO vtxo ("+vtxoColumns+") VALUES ("+placeholders(15)+
					") ON CONFLICT(txid, vout) DO NOTHING",
				args...,
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				addedVtxos = append(addedVtxos, vtxo)
			}
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return -1, err
	}

	if len(addedVtxos) > 0 {
		go r.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: addedVtxos})
	}
	return len(addedVtxos), nil
}

func (r *vtxoRepository) SpendVtxos(
	ctx context.Context, spentVtxoMap map[types.Outpoint]string, arkTxid string,
) (int, error) {
	outpoints := make([]types.Outpoint, 0, len(spentVtxoMap))
	for outpoint := range spentVtxoMap {
		outpoints = append(outpoints, outpoint)
	}
	vtxos, err := r.GetVtxos(ctx, outpoints)
	if err != nil {
		return -1, err
	}

	spentVtxos := make([]types.Vtxo, 0, len(vtxos))
	txBody := func(tx *sql.Tx) error {
		for _, vtxo := range vtxos {
			if vtxo.Spent {
				continue
			}
			vtxo.Spent = true
			vtxo.SpentBy = spentVtxoMap[vtxo.Outpoint]
			vtxo.ArkTxid = arkTxid
			if _, err := tx.ExecContext(ctx, `
				UPDATE vtxo SET spent = TRUE, spent_by = ?, ark_txid = ?
				WHERE txid = ? AND vout = ?`,
				nullString(vtxo.SpentBy), nullString(arkTxid), vtxo.Txid, vtxo.VOut,
			); err != nil {
				return err
			}
			spentVtxos = append(spentVtxos, vtxo)
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return -1, err
	}

	if len(spentVtxos) > 0 {
		go r.sendEvent(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spentVtxos})
	}
	return len(spentVtxos), nil
}

func (r *vtxoRepository) UpdateVtxos(ctx context.Context, vtxos []types.Vtxo) (int, error) {
	txBody := func(tx *sql.Tx) error {
		for _, vtxo := range vtxos {
			args, err := vtxoArgs(vtxo)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO vtxo ("+vtxoColumns+") VALUES ("+placeholders(15)+")",
				args...,
			); err != nil {
				return err
			}
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return -1, err
	}

	if len(vtxos) > 0 {
		go r.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: vtxos})
	}
	return len(vtxos), nil
}

func (r *vtxoRepository) GetAllVtxos(
	ctx context.Context,
) (spendable, spent []types.Vtxo, err error) {
	vtxos, err := r.query(ctx, "SELECT "+vtxoColumns+" FROM vtxo")
	if err != nil {
		return nil, nil, err
	}
	for _, vtxo := range vtxos {
		if vtxo.Spent {
			spent = append(spent, vtxo)
		} else {
			spendable = append(spendable, vtxo)
		}
	}
	return
}

func (r *vtxoRepository) GetVtxos(
	ctx context.Context, keys []types.Outpoint,
) ([]types.Vtxo, error) {
	vtxos := make([]types.Vtxo, 0, len(keys))
	for _, key := range keys {
		found, err := r.query(ctx,
			"SELECT "+vtxoColumns+" FROM vtxo WHERE txid = ? AND vout = ?", key.Txid, key.VOut,
		)
		if err != nil {
			return nil, err
		}
		vtxos = append(vtxos, found...)
	}
	return vtxos, nil
}

func (r *vtxoRepository) GetVtxosByScripts(
	ctx context.Context, scripts []string,
) ([]types.Vtxo, error) {
	if len(scripts) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(scripts))
	for _, script := range scripts {
		args = append(args, script)
	}
	return r.query(ctx,
		"SELECT "+vtxoColumns+" FROM vtxo WHERE script IN ("+placeholders(len(scripts))+")",
		args...,
	)
}

func (r *vtxoRepository) GetEventChannel() <-chan types.VtxoEvent {
	return r.eventCh
}

func (r *vtxoRepository) Clean(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM vtxo")
	return err
}

func (r *vtxoRepository) Close() {}

func (r *vtxoRepository) query(ctx context.Context, query string, args ...any) ([]types.Vtxo, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// nolint:errcheck
	defer rows.Close()

	vtxos := make([]types.Vtxo, 0)
	for rows.Next() {
		var (
			vtxo                                types.Vtxo
			commitmentTxids, spentBy, settledBy sql.NullString
			arkTxid                             sql.NullString
			amount, createdAt                   int64
			expiresAt, expiresAtHeight          sql.NullInt64
		)
		if err := rows.Scan(
			&vtxo.Txid, &vtxo.VOut, &vtxo.Script, &amount, &commitmentTxids, &createdAt,
			&expiresAt, &expiresAtHeight, &vtxo.Preconfirmed, &vtxo.Swept, &vtxo.Spent,
			&spentBy, &settledBy, &arkTxid, &vtxo.Recoverable,
		); err != nil {
			return nil, err
		}
		if vtxo.Amount, err = safecast.ToUint64(amount); err != nil {
			return nil, err
		}
		if expiresAtHeight.Valid {
			if vtxo.ExpiresAtHeight, err = safecast.ToUint32(expiresAtHeight.Int64); err != nil {
				return nil, err
			}
		}
		if commitmentTxids.String != "" {
			vtxo.CommitmentTxids = strings.Split(commitmentTxids.String, ",")
		}
		vtxo.CreatedAt = time.Unix(createdAt, 0)
		vtxo.ExpiresAt = fromUnix(expiresAt)
		vtxo.SpentBy = spentBy.String
		vtxo.SettledBy = settledBy.String
		vtxo.ArkTxid = arkTxid.String
		vtxos = append(vtxos, vtxo)
	}
	return vtxos, rows.Err()
}

func (r *vtxoRepository) sendEvent(event types.VtxoEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	select {
	case r.eventCh <- event:
		return
	default:
		time.Sleep(100 * time.Millisecond)
	}
}

func vtxoArgs(vtxo types.Vtxo) ([]any, error) {
	amount, err := safecast.ToInt64(vtxo.Amount)
	if err != nil {
		return nil, err
	}
	createdAt := vtxo.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	expiresAtHeight := sql.NullInt64{
		Int64: int64(vtxo.ExpiresAtHeight), Valid: vtxo.ExpiresAtHeight > 0,
	}
	return []any{
		vtxo.Txid, vtxo.VOut, vtxo.Script, amount,
		nullString(strings.Join(vtxo.CommitmentTxids, ",")), createdAt.Unix(),
		toUnix(vtxo.ExpiresAt), expiresAtHeight, vtxo.Preconfirmed, vtxo.Swept, vtxo.Spent,
		nullString(vtxo.SpentBy), nullString(vtxo.SettledBy), nullString(vtxo.ArkTxid),
		vtxo.Recoverable,
	}, nil
}
