package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// PostgresStore はPostgreSQLを使用した永続RecordStore実装。
// 全アプリのレコードを単一のrecordsテーブルに保持し、app_handle列で
// アプリ間を完全に分離する。フィールド値はスキーマ検証後にJSONB列へ
// 格納する。書き込みはコミット後にのみ成功を返すため、成功した書き込みは
// 再起動後も観測できる。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) relationExists(appHandle string) relationExistsFunc {
	return func(ctx context.Context, target, id string) (bool, error) {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM records WHERE app_handle = $1 AND collection = $2 AND id = $3`,
			appHandle, target, id,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check relation target: %w", err)
		}
		return true, nil
	}
}

// Create はフィールドを検証してレコードを作成する。
func (s *PostgresStore) Create(ctx context.Context, appHandle string, col *schema.Collection, fields map[string]any, owner string) (*model.Record, error) {
	normalized, err := validateFields(ctx, col, fields, false, s.relationExists(appHandle))
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record fields: %w", err)
	}

	now := time.Now()
	rec := &model.Record{
		ID:        uuid.New().String(),
		Owner:     owner,
		Fields:    normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, app_handle, collection, owner, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, appHandle, col.Name, owner, payload, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	return rec, nil
}

// Get は指定IDのレコードを返す。見つからない場合はnilを返す。
func (s *PostgresStore) Get(ctx context.Context, appHandle string, col *schema.Collection, id string, owner string) (*model.Record, error) {
	rec, err := s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, owner, fields, created_at, updated_at
		 FROM records WHERE app_handle = $1 AND collection = $2 AND id = $3`,
		appHandle, col.Name, id,
	), col)
	if err != nil {
		return nil, err
	}
	if rec == nil || !ownerMatches(rec, owner) {
		return nil, nil
	}
	return rec, nil
}

// List は挿入順のレコード列を返す。
// フィルタの等価一致はデコード後にGo側で適用する。正しさに二次インデックスは
// 不要で、性能が必要になった時点でJSONB式インデックスを足せばよい。
func (s *PostgresStore) List(ctx context.Context, appHandle string, col *schema.Collection, f Filter) ([]*model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, fields, created_at, updated_at
		 FROM records WHERE app_handle = $1 AND collection = $2 ORDER BY seq`,
		appHandle, col.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	ret := make([]*model.Record, 0)
	for rows.Next() {
		rec, err := s.scanRecord(rows, col)
		if err != nil {
			return nil, err
		}
		if matchesFilter(rec, f) {
			ret = append(ret, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return ret, nil
}

// Update は部分更新をトランザクション内で適用する。
// 行ロック（FOR UPDATE）により同一レコードへの並行更新を直列化する。
func (s *PostgresStore) Update(ctx context.Context, appHandle string, col *schema.Collection, id string, fields map[string]any, owner string) (*model.Record, error) {
	normalized, err := validateFields(ctx, col, fields, true, s.relationExists(appHandle))
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.scanOne(tx.QueryRowContext(ctx,
		`SELECT id, owner, fields, created_at, updated_at
		 FROM records WHERE app_handle = $1 AND collection = $2 AND id = $3 FOR UPDATE`,
		appHandle, col.Name, id,
	), col)
	if err != nil {
		return nil, err
	}
	if rec == nil || !ownerMatches(rec, owner) {
		return nil, model.NewRecordNotFoundError(id)
	}

	for k, v := range normalized {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now()

	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record fields: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE records SET fields = $1, updated_at = $2
		 WHERE app_handle = $3 AND collection = $4 AND id = $5`,
		payload, rec.UpdatedAt, appHandle, col.Name, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// Delete は指定IDのレコード群を削除し、削除件数を返す。
func (s *PostgresStore) Delete(ctx context.Context, appHandle string, col *schema.Collection, ids []string, owner string) (int, error) {
	query := `DELETE FROM records
		 WHERE app_handle = $1 AND collection = $2 AND id = ANY($3)`
	args := []any{appHandle, col.Name, pq.Array(ids)}
	if owner != "" {
		query += ` AND owner = $4`
		args = append(args, owner)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// DropCollection はコレクションの全レコードを破棄する。
func (s *PostgresStore) DropCollection(ctx context.Context, appHandle, collection string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE app_handle = $1 AND collection = $2`,
		appHandle, collection,
	)
	if err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// DropApp はアプリの全レコードを破棄する。
func (s *PostgresStore) DropApp(ctx context.Context, appHandle string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE app_handle = $1`,
		appHandle,
	)
	if err != nil {
		return fmt.Errorf("failed to drop app records: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row *sql.Row, col *schema.Collection) (*model.Record, error) {
	rec, err := s.scanRecord(row, col)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) scanRecord(row rowScanner, col *schema.Collection) (*model.Record, error) {
	rec := &model.Record{}
	var payload []byte
	err := row.Scan(&rec.ID, &rec.Owner, &payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Fields, err = decodeFields(col, payload)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// decodeFields はJSONB列の値をスキーマに従って型付けし直す。
// JSONデコードは数値をfloat64にするため、integer/datetimeはint64へ戻す。
func decodeFields(col *schema.Collection, payload []byte) (map[string]any, error) {
	raw := make(map[string]any)
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	for name, v := range raw {
		f := col.Field(name)
		if f == nil {
			// スキーマから外れたフィールド（retainポリシーで残った旧データ）は
			// そのまま保持する。
			continue
		}
		switch f.Kind {
		case schema.FieldInteger, schema.FieldDateTime:
			if n, ok := asInt64(v); ok {
				raw[name] = n
			}
		}
	}
	return raw, nil
}

// compile-time interface check
var _ RecordStore = (*PostgresStore)(nil)
