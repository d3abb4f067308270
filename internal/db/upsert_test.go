package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "sales_aggregates",
		Columns:      []string{"date", "item_name"},
		ConflictKeys: []string{"date", "item_name"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "sales_aggregates",
		ConflictKeys: []string{"date"},
	}, [][]any{{"2026-08-14", "Organic Tofu"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "sales_aggregates",
		Columns: []string{"date", "item_name"},
	}, [][]any{{"2026-08-14", "Organic Tofu"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_RoundTrip(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_sales_aggregates"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_sales_aggregates"}, []string{"date", "item_name", "quantity"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "sales_aggregates"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "sales_aggregates",
		Columns:      []string{"date", "item_name", "quantity"},
		ConflictKeys: []string{"date", "item_name"},
	}, [][]any{
		{"2026-08-14", "Organic Tofu", 4.0},
		{"2026-08-14", "Spelt Flour", 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"pos.sales_aggregates", `"pos"."sales_aggregates"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"date", "item_name", "variation"})
	assert.Equal(t, `"date", "item_name", "variation"`, result)
}
