package sqldb

import (
	"database/sql"
	"time"

	"github.com/crudkit/crudkit/orm"
)

// scanRows drains rows into schemaless records, closing the cursor. Byte
// slices become strings so records compare and serialize uniformly.
func scanRows(rows *sql.Rows) ([]orm.Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, ConvertDBError(err)
	}

	out := make([]orm.Record, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		targets := make([]any, len(cols))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, ConvertDBError(err)
		}
		rec := make(orm.Record, len(cols))
		for i, col := range cols {
			rec[col] = normalizeScanned(values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ConvertDBError(err)
	}
	return out, nil
}

func normalizeScanned(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}
