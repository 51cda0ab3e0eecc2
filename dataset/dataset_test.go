package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-dhtring/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Country Code,Short Name,Table Name,Long Name,Region
ABW,Aruba,Aruba,Aruba,Latin America & Caribbean
AFG,Afghanistan,Afghanistan,Islamic State of Afghanistan,South Asia
XXX,,,,
AGO,Angola,Angola,People's Republic of Angola,Sub-Saharan Africa
`

func collect(t *testing.T, src Source) []protocol.Record {
	t.Helper()

	var records []protocol.Record
	for record, err := range src.Records(context.Background()) {
		require.NoError(t, err)
		records = append(records, record)
	}
	return records
}

func TestCSVFile(t *testing.T) {
	var newFile = func(t *testing.T, content string) string {
		var path = filepath.Join(t.TempDir(), "stats.csv")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("should yield one record per row keyed by header", func(t *testing.T) {
		// Arrange
		var sut = NewCSVFile(newFile(t, sampleCSV), DefaultShardKey)

		// Act
		var records = collect(t, sut)

		// Assert
		require.Len(t, records, 3)
		assert.Equal(t, "Aruba", records[0].Key(DefaultShardKey))
		assert.Equal(t, "ABW", records[0]["Country Code"])
		assert.Equal(t, "People's Republic of Angola", records[2].Key(DefaultShardKey))
	})

	t.Run("should be re-iterable", func(t *testing.T) {
		// Arrange
		var sut = NewCSVFile(newFile(t, sampleCSV), DefaultShardKey)

		// Act
		var first, second = collect(t, sut), collect(t, sut)

		// Assert
		assert.Equal(t, first, second)
	})

	t.Run("should stop early when the consumer breaks", func(t *testing.T) {
		// Arrange
		var (
			sut   = NewCSVFile(newFile(t, sampleCSV), DefaultShardKey)
			count = 0
		)

		// Act
		for range sut.Records(context.Background()) {
			count++
			break
		}

		// Assert
		assert.Equal(t, 1, count)
	})

	t.Run("should fail when the shard key column is missing", func(t *testing.T) {
		// Arrange
		var sut = NewCSVFile(newFile(t, sampleCSV), "Capital")

		// Act
		var errs []error
		for _, err := range sut.Records(context.Background()) {
			errs = append(errs, err)
		}

		// Assert
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrMissingShardKey)
	})

	t.Run("should fail when the file does not exist", func(t *testing.T) {
		var sut = NewCSVFile(filepath.Join(t.TempDir(), "missing.csv"), DefaultShardKey)

		for _, err := range sut.Records(context.Background()) {
			assert.ErrorIs(t, err, os.ErrNotExist)
		}
	})
}

func TestReadCSV(t *testing.T) {
	t.Run("should honour context cancellation", func(t *testing.T) {
		// Arrange
		var ctx, cancel = context.WithCancel(context.Background())
		cancel()

		// Act
		var errs []error
		for _, err := range ReadCSV(ctx, strings.NewReader(sampleCSV), DefaultShardKey) {
			errs = append(errs, err)
		}

		// Assert
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], context.Canceled)
	})
}

func TestMemory(t *testing.T) {
	t.Run("should yield records in order", func(t *testing.T) {
		var sut = Memory{
			{DefaultShardKey: "Aruba"},
			{DefaultShardKey: "Chad"},
		}

		var records = collect(t, sut)

		require.Len(t, records, 2)
		assert.Equal(t, "Chad", records[1].Key(DefaultShardKey))
	})
}
