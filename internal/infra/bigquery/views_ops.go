package bigquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txsync/internal/storage"
)

// viewRef qualifies name against ds. A bare name lives in ds; a
// dataset.view name is resolved in the same project.
func viewRef(ds Dataset, name string) string {
	if dataset, view, ok := strings.Cut(name, "."); ok {
		return fmt.Sprintf("`%s.%s.%s`", ds.ProjectID, dataset, view)
	}
	return ds.table(name)
}

// QueryViewWithClient reads every row of a view or table.
func QueryViewWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, name string) (*storage.Table, error) {
	if err := storage.ValidateViewName(name); err != nil {
		return nil, fmt.Errorf("QueryView: %w", err)
	}

	it, err := client.Query("SELECT * FROM " + viewRef(ds, name)).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryView: %s: executing query: %w", name, err)
	}

	table := &storage.Table{}
	for {
		var values []bigquery.Value
		err := it.Next(&values)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryView: %s: reading row: %w", name, err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = plainValue(v)
		}
		table.Rows = append(table.Rows, row)
	}

	// Schema is populated once the first page has been fetched.
	for _, f := range it.Schema {
		table.Columns = append(table.Columns, f.Name)
	}
	return table, nil
}

// plainValue converts BigQuery cell values into types the report writer
// understands.
func plainValue(v bigquery.Value) any {
	switch x := v.(type) {
	case *big.Rat:
		if x == nil {
			return nil
		}
		return decimal.NewFromBigRat(x, 9)
	case civil.Date:
		return x.String()
	case civil.DateTime:
		return x.In(time.UTC)
	case civil.Time:
		return x.String()
	default:
		return v
	}
}
