package extractor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ReadRows runs query on db and returns each row keyed by column name.
// Byte slices are returned as strings.
func ReadRows(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]map[string]interface{}, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnectionFailed)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, QueryError(query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, QueryError(query, err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, QueryError(query, err)
		}

		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, QueryError(query, err)
	}
	return out, nil
}

// QualifiedType renders a data type with its length or precision, e.g.
// varchar(255) or decimal(10,2). A length of -1 renders as max.
func QualifiedType(dataType string, charLength, precision, scale sql.NullInt64) string {
	t := strings.ToLower(dataType)
	switch t {
	case "char", "varchar", "nchar", "nvarchar", "binary", "varbinary", "character", "character varying", "bit varying":
		if charLength.Valid {
			if charLength.Int64 < 0 {
				return t + "(max)"
			}
			return fmt.Sprintf("%s(%d)", t, charLength.Int64)
		}
	case "decimal", "numeric":
		if precision.Valid {
			if scale.Valid {
				return fmt.Sprintf("%s(%d,%d)", t, precision.Int64, scale.Int64)
			}
			return fmt.Sprintf("%s(%d)", t, precision.Int64)
		}
	}
	return t
}
