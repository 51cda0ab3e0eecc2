package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	listRecordsSQL = `
SELECT dataset, ordinal, shard_key, fields
FROM %s_records
WHERE dataset = $1
ORDER BY ordinal ASC;`

	getRecordSQL = `
SELECT dataset, ordinal, shard_key, fields
FROM %s_records
WHERE dataset = $1 AND shard_key = $2;`

	setRecordSQL = `
INSERT INTO %s_records (dataset, ordinal, shard_key, fields)
VALUES ($1, $2, $3, $4)
ON CONFLICT (dataset, shard_key)
DO UPDATE SET
    ordinal = EXCLUDED.ordinal,
    fields = EXCLUDED.fields;`

	countRecordsSQL = `
SELECT COUNT(*)
FROM %s_records
WHERE dataset = $1;`

	deleteDatasetSQL = `
DELETE FROM %s_records
WHERE dataset = $1;`
)

// ListRecords returns all records of a dataset in import order.
func (q *Queries) ListRecords(ctx context.Context, dataset string) ([]*SeedRecord, error) {
	var records []*SeedRecord
	err := q.EachRecord(ctx, dataset, func(record *SeedRecord) bool {
		records = append(records, record)
		return true
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// EachRecord streams the records of a dataset in import order until fn returns false.
func (q *Queries) EachRecord(ctx context.Context, dataset string, fn func(*SeedRecord) bool) error {
	var (
		query     = fmt.Sprintf(listRecordsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, dataset)
	)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record, err = scanRecord(rows)
		if err != nil {
			return err
		}
		if !fn(record) {
			return nil
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}

	return nil
}

// GetRecord retrieves a single record by shard key.
func (q *Queries) GetRecord(ctx context.Context, dataset, shardKey string) (*SeedRecord, error) {
	var (
		query  = fmt.Sprintf(getRecordSQL, q.tableName)
		record SeedRecord
		raw    []byte
		err    = q.db.QueryRowContext(ctx, query, dataset, shardKey).Scan(
			&record.Dataset, &record.Ordinal, &record.ShardKey, &raw,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	if err := json.Unmarshal(raw, &record.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}

	return &record, nil
}

// SetRecord inserts or updates a record.
func (q *Queries) SetRecord(ctx context.Context, record *SeedRecord) error {
	raw, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	var query = fmt.Sprintf(setRecordSQL, q.tableName)
	_, err = q.db.ExecContext(ctx, query,
		record.Dataset, record.Ordinal, record.ShardKey, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

// CountRecords returns the number of records in a dataset.
func (q *Queries) CountRecords(ctx context.Context, dataset string) (int, error) {
	var (
		query = fmt.Sprintf(countRecordsSQL, q.tableName)
		count int
	)
	if err := q.db.QueryRowContext(ctx, query, dataset).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// DeleteDataset removes every record of a dataset.
func (q *Queries) DeleteDataset(ctx context.Context, dataset string) error {
	var query = fmt.Sprintf(deleteDatasetSQL, q.tableName)
	if _, err := q.db.ExecContext(ctx, query, dataset); err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	return nil
}

func scanRecord(rows *sql.Rows) (*SeedRecord, error) {
	var (
		record SeedRecord
		raw    []byte
	)
	if err := rows.Scan(&record.Dataset, &record.Ordinal, &record.ShardKey, &raw); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	if err := json.Unmarshal(raw, &record.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	return &record, nil
}
