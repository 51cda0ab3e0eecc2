// Package dataset provides re-iterable sources of seed records for a ring.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"go-dhtring/protocol"
)

// DefaultShardKey is the record field used for placement when none is configured.
const DefaultShardKey = "Long Name"

// ErrMissingShardKey is returned when the header lacks the shard key column.
var ErrMissingShardKey = errors.New("dataset has no shard key column")

// Source is a lazily-produced, re-iterable sequence of records.
// Every call to Records starts a fresh pass over the data.
type Source interface {
	Records(ctx context.Context) iter.Seq2[protocol.Record, error]
}

// CSVFile reads records from a comma-delimited file with a header row.
type CSVFile struct {
	path     string
	shardKey string
}

// NewCSVFile returns a source over the file at path.
// Rows whose shard key field is empty are skipped.
func NewCSVFile(path, shardKey string) *CSVFile {
	if shardKey == "" {
		shardKey = DefaultShardKey
	}
	return &CSVFile{path: path, shardKey: shardKey}
}

// Records opens the file and yields one record per data row.
func (f *CSVFile) Records(ctx context.Context) iter.Seq2[protocol.Record, error] {
	return func(yield func(protocol.Record, error) bool) {
		file, err := os.Open(f.path)
		if err != nil {
			yield(nil, fmt.Errorf("failed to open dataset: %w", err))
			return
		}
		defer file.Close()

		for record, err := range ReadCSV(ctx, file, f.shardKey) {
			if !yield(record, err) || err != nil {
				return
			}
		}
	}
}

// ReadCSV yields records from r. The first row names the fields.
func ReadCSV(ctx context.Context, r io.Reader, shardKey string) iter.Seq2[protocol.Record, error] {
	return func(yield func(protocol.Record, error) bool) {
		var reader = csv.NewReader(r)
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err != nil {
			yield(nil, fmt.Errorf("failed to read dataset header: %w", err))
			return
		}
		if !contains(header, shardKey) {
			yield(nil, fmt.Errorf("%w %q", ErrMissingShardKey, shardKey))
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			row, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("failed to read dataset row: %w", err))
				return
			}

			var record = make(protocol.Record, len(header))
			for i, name := range header {
				if i < len(row) {
					record[name] = row[i]
				}
			}
			if record.Key(shardKey) == "" {
				continue
			}

			if !yield(record, nil) {
				return
			}
		}
	}
}

// Memory is an in-memory source.
type Memory []protocol.Record

// Records yields each record in order.
func (m Memory) Records(ctx context.Context) iter.Seq2[protocol.Record, error] {
	return func(yield func(protocol.Record, error) bool) {
		for _, record := range m {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
