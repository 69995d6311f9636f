package stream

import (
	"compress/gzip"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Options control one streamed result body.
type Options struct {
	IncludeMeta bool // emit column metadata before the rows
	Gzip        bool // compress the body; caller sets Content-Encoding
}

// Column is the metadata emitted per result column when requested.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// binaryTag wraps binary values so they are distinguishable from ordinary
// scalar text on the wire. SQL NULL travels as JSON null, which is likewise
// distinct from the empty string.
type binaryTag struct {
	Binary string `json:"$binary"`
}

// StreamRows serializes a live forward-only cursor into w, row by row,
// without materializing the result set. The trailer carries the final
// status, so an error encountered mid-cursor is reported in-band after the
// rows already sent. The cursor is always closed before returning.
func StreamRows(w io.Writer, rows *sql.Rows, opts Options) (rowCount int, err error) {
	defer rows.Close()

	out := w
	if opts.Gzip {
		gz := gzip.NewWriter(w)
		defer func() {
			if cerr := gz.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		out = gz
	}

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		writeErrorBody(out, err)
		return 0, err
	}
	columns := makeColumns(colTypes)
	binary := makeBinaryMask(colTypes)

	if _, err = io.WriteString(out, "{"); err != nil {
		return 0, err
	}
	if opts.IncludeMeta {
		meta, merr := json.Marshal(columns)
		if merr != nil {
			return 0, merr
		}
		if _, err = fmt.Fprintf(out, `"column_metadata":%s,`, meta); err != nil {
			return 0, err
		}
	}
	if _, err = io.WriteString(out, `"rows":[`); err != nil {
		return 0, err
	}

	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var scanErr error
	for rows.Next() {
		if scanErr = rows.Scan(ptrs...); scanErr != nil {
			break
		}
		row := make([]interface{}, len(values))
		for i, v := range values {
			row[i] = wireValue(v, binary[i])
		}
		encoded, merr := json.Marshal(row)
		if merr != nil {
			scanErr = merr
			break
		}
		if rowCount > 0 {
			if _, err = io.WriteString(out, ","); err != nil {
				return rowCount, err
			}
		}
		if _, err = out.Write(encoded); err != nil {
			return rowCount, err
		}
		rowCount++
	}
	if scanErr == nil {
		scanErr = rows.Err()
	}

	if scanErr != nil {
		_, err = fmt.Fprintf(out, `],"row_count":%d,"status":"FAIL","error_type":"EXECUTION","message":%s}`,
			rowCount, mustJSONString(scanErr.Error()))
		if err == nil {
			err = scanErr
		}
		return rowCount, err
	}

	_, err = fmt.Fprintf(out, `],"row_count":%d,"status":"OK"}`, rowCount)
	return rowCount, err
}

// wireValue maps a scanned driver value to its wire representation.
func wireValue(v interface{}, isBinary bool) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		if isBinary {
			return binaryTag{Binary: base64.StdEncoding.EncodeToString(val)}
		}
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return val
	}
}

func makeColumns(colTypes []*sql.ColumnType) []Column {
	out := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		nullable, _ := ct.Nullable()
		out[i] = Column{
			Name:     ct.Name(),
			Type:     ct.DatabaseTypeName(),
			Nullable: nullable,
		}
	}
	return out
}

// makeBinaryMask marks columns whose database type is a binary/LOB type,
// so their []byte values are base64-tagged instead of passed as text.
func makeBinaryMask(colTypes []*sql.ColumnType) []bool {
	mask := make([]bool, len(colTypes))
	for i, ct := range colTypes {
		switch strings.ToUpper(ct.DatabaseTypeName()) {
		case "BLOB", "BYTEA", "BINARY", "VARBINARY", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB", "IMAGE", "RAW":
			mask[i] = true
		}
	}
	return mask
}

func writeErrorBody(w io.Writer, err error) {
	fmt.Fprintf(w, `{"rows":[],"row_count":0,"status":"FAIL","error_type":"EXECUTION","message":%s}`,
		mustJSONString(err.Error()))
}

func mustJSONString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `"serialization error"`
	}
	return string(b)
}
