package database

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	"go-dhtring/dataset"
	"go-dhtring/protocol"
)

// Source serves a dataset stored in PostgreSQL as a re-iterable seed source.
type Source struct {
	queries *Queries
	dataset string
}

var _ dataset.Source = (*Source)(nil)

// NewSource creates a source over the named dataset.
func NewSource(db DBTX, tableName, datasetName string) *Source {
	return &Source{
		queries: NewQueries(db, tableName),
		dataset: datasetName,
	}
}

// Records streams the dataset in import order. Each call issues a new query.
func (s *Source) Records(ctx context.Context) iter.Seq2[protocol.Record, error] {
	return func(yield func(protocol.Record, error) bool) {
		var stopped bool
		err := s.queries.EachRecord(ctx, s.dataset, func(record *SeedRecord) bool {
			if !yield(record.Fields, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// Import replaces the named dataset with the records of src inside one transaction.
// It returns the number of records written.
func Import(ctx context.Context, db *sql.DB, tableName, datasetName, shardKey string, src dataset.Source) (int, error) {
	if err := Migrate(db, tableName); err != nil {
		return 0, fmt.Errorf("failed to migrate database: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var queries = NewQueries(tx, tableName)
	if err := queries.DeleteDataset(ctx, datasetName); err != nil {
		return 0, err
	}

	var count int
	for record, err := range src.Records(ctx) {
		if err != nil {
			return 0, fmt.Errorf("failed to read source: %w", err)
		}

		var seed = &SeedRecord{
			Dataset:  datasetName,
			Ordinal:  count,
			ShardKey: record.Key(shardKey),
			Fields:   record,
		}
		if err := queries.SetRecord(ctx, seed); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}

	return count, nil
}
