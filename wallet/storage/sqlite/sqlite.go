package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/wallet/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent request handlers.
	db.SetMaxOpenConns(1)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) CreateWallet(ctx context.Context, params storage.CreateWalletParams) (*storage.Wallet, error) {
	result, err := sqlite.db.ExecContext(ctx, `
		INSERT INTO wallets (access_key, name, mint, unit, max_balance, max_send, max_pay)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		params.AccessKey,
		nullString(params.Name),
		params.Mint,
		params.Unit,
		nullUint(params.MaxBalance),
		nullUint(params.MaxSend),
		nullUint(params.MaxPay),
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return sqlite.getWallet(ctx, "id = ?", id)
}

func (sqlite *SQLiteDB) GetWalletByAccessKey(ctx context.Context, accessKey string) (*storage.Wallet, error) {
	return sqlite.getWallet(ctx, "access_key = ?", accessKey)
}

func (sqlite *SQLiteDB) getWallet(ctx context.Context, where string, arg any) (*storage.Wallet, error) {
	row := sqlite.db.QueryRowContext(ctx, `
		SELECT id, access_key, name, mint, unit, max_balance, max_send, max_pay, created_at, updated_at
		FROM wallets WHERE `+where, arg)

	var wallet storage.Wallet
	var name sql.NullString
	var maxBalance, maxSend, maxPay sql.NullInt64
	var updatedAt sql.NullTime

	err := row.Scan(
		&wallet.Id,
		&wallet.AccessKey,
		&name,
		&wallet.Mint,
		&wallet.Unit,
		&maxBalance,
		&maxSend,
		&maxPay,
		&wallet.CreatedAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	wallet.Name = name.String
	wallet.MaxBalance = uintPtr(maxBalance)
	wallet.MaxSend = uintPtr(maxSend)
	wallet.MaxPay = uintPtr(maxPay)
	if updatedAt.Valid {
		wallet.UpdatedAt = &updatedAt.Time
	}

	return &wallet, nil
}

func (sqlite *SQLiteDB) DeleteWallet(ctx context.Context, walletId int64) error {
	_, err := sqlite.db.ExecContext(ctx, "DELETE FROM wallets WHERE id = ?", walletId)
	return err
}

func (sqlite *SQLiteDB) DeleteProofsByWallet(ctx context.Context, walletId int64) error {
	_, err := sqlite.db.ExecContext(ctx, "DELETE FROM proofs WHERE wallet_id = ?", walletId)
	return err
}

func (sqlite *SQLiteDB) SumProofs(ctx context.Context, walletId int64, status storage.ProofStatus) (uint64, error) {
	var sum uint64
	row := sqlite.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM proofs WHERE wallet_id = ? AND status = ?",
		walletId, status.String(),
	)
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func (sqlite *SQLiteDB) GetProofs(ctx context.Context, walletId int64, status storage.ProofStatus) ([]storage.Proof, error) {
	rows, err := sqlite.db.QueryContext(ctx, `
		SELECT id, wallet_id, proof_id, amount, secret, c, dleq, witness, status, created_at
		FROM proofs WHERE wallet_id = ? AND status = ?`,
		walletId, status.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs := []storage.Proof{}
	for rows.Next() {
		var proof storage.Proof
		var dleq, witness sql.NullString
		var statusStr string

		err := rows.Scan(
			&proof.Id,
			&proof.WalletId,
			&proof.ProofId,
			&proof.Amount,
			&proof.Secret,
			&proof.C,
			&dleq,
			&witness,
			&statusStr,
			&proof.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		proof.DLEQ = dleq.String
		proof.Witness = witness.String
		proof.Status = storage.StringToStatus(statusStr)
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) SaveProofs(ctx context.Context, walletId int64, proofs cashu.Proofs, status storage.ProofStatus) error {
	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertProofs(ctx, tx, walletId, proofs, status); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) UpdateProofsStatus(ctx context.Context, walletId int64, secrets []string, status storage.ProofStatus) error {
	if len(secrets) == 0 {
		return nil
	}

	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateStatus(ctx, tx, walletId, secrets, status); err != nil {
		return err
	}

	return tx.Commit()
}

// ApplyProofUpdate commits one engine step in a single transaction so
// concurrent readers never observe an intermediate split.
func (sqlite *SQLiteDB) ApplyProofUpdate(ctx context.Context, walletId int64, update storage.ProofUpdate) error {
	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateStatus(ctx, tx, walletId, update.MarkSpent, storage.Spent); err != nil {
		return err
	}
	if err := insertProofs(ctx, tx, walletId, update.InsertUnspent, storage.Unspent); err != nil {
		return err
	}
	if err := insertProofs(ctx, tx, walletId, update.InsertPending, storage.Pending); err != nil {
		return err
	}
	if err := updateStatus(ctx, tx, walletId, update.MarkPending, storage.Pending); err != nil {
		return err
	}

	return tx.Commit()
}

func insertProofs(ctx context.Context, tx *sql.Tx, walletId int64, proofs cashu.Proofs, status storage.ProofStatus) error {
	if len(proofs) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO proofs (wallet_id, proof_id, amount, secret, c, dleq, witness, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		var dleq sql.NullString
		if proof.DLEQ != nil {
			dleqJson, err := json.Marshal(proof.DLEQ)
			if err != nil {
				return err
			}
			dleq = sql.NullString{String: string(dleqJson), Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			walletId,
			proof.Id,
			proof.Amount,
			proof.Secret,
			proof.C,
			dleq,
			nullString(proof.Witness),
			status.String(),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// updateStatus is constrained by wallet_id so one wallet can never
// flip another wallet's rows.
func updateStatus(ctx context.Context, tx *sql.Tx, walletId int64, secrets []string, status storage.ProofStatus) error {
	if len(secrets) == 0 {
		return nil
	}

	query := `UPDATE proofs SET status = ? WHERE wallet_id = ? AND secret IN (?` +
		strings.Repeat(",?", len(secrets)-1) + `)`

	args := make([]any, 0, len(secrets)+2)
	args = append(args, status.String(), walletId)
	for _, secret := range secrets {
		args = append(args, secret)
	}

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func uintPtr(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}
