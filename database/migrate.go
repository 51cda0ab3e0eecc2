package database

import (
	"database/sql"
	"fmt"
)

var (
	createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_records (
    dataset       VARCHAR       NOT NULL,
    ordinal       INTEGER       NOT NULL,
    shard_key     VARCHAR       NOT NULL,
    fields        JSONB         NOT NULL,

    PRIMARY KEY (dataset, shard_key)
);`

	createRecordsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_records (dataset, ordinal);`
)

// Migrate creates the records table and its ordering index.
func Migrate(db *sql.DB, tableName string) error {
	if err := ValidateTableName(tableName); err != nil {
		return err
	}

	if err := createRecordsTable(db, tableName); err != nil {
		return err
	}

	if err := createRecordsIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createRecordsTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createRecordsTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

func createRecordsIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_records_ordinal_idx", tableName)
		query     = fmt.Sprintf(createRecordsIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create records index: %w", err)
	}
	return nil
}
