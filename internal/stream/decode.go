package stream

import (
	"bufio"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Result is the decoded form of one streamed result body. Binary cells come
// back as []byte, SQL NULL as nil, numbers as float64 (JSON semantics).
type Result struct {
	Status    string
	ErrorType string
	Message   string
	Columns   []Column
	Rows      [][]interface{}
	RowCount  int
}

type wireResult struct {
	Status    string              `json:"status"`
	ErrorType string              `json:"error_type"`
	Message   string              `json:"message"`
	Columns   []Column            `json:"column_metadata"`
	Rows      [][]json.RawMessage `json:"rows"`
	RowCount  int                 `json:"row_count"`
}

// Decode is the reference decoder for StreamRows output. Gzip bodies are
// detected by their magic bytes, so callers need not know whether
// compression was negotiated.
func Decode(r io.Reader) (*Result, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, gerr := gzip.NewReader(br)
		if gerr != nil {
			return nil, gerr
		}
		defer gz.Close()
		return decodePlain(gz)
	}
	return decodePlain(br)
}

func decodePlain(r io.Reader) (*Result, error) {
	var wire wireResult
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return nil, fmt.Errorf("malformed result body: %w", err)
	}

	res := &Result{
		Status:    wire.Status,
		ErrorType: wire.ErrorType,
		Message:   wire.Message,
		Columns:   wire.Columns,
		RowCount:  wire.RowCount,
	}
	for _, rawRow := range wire.Rows {
		row := make([]interface{}, len(rawRow))
		for i, rawCell := range rawRow {
			cell, err := decodeCell(rawCell)
			if err != nil {
				return nil, err
			}
			row[i] = cell
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func decodeCell(raw json.RawMessage) (interface{}, error) {
	// Tagged binary object?
	if len(raw) > 0 && raw[0] == '{' {
		var tag map[string]string
		if err := json.Unmarshal(raw, &tag); err == nil {
			if b64, ok := tag["$binary"]; ok {
				return base64.StdEncoding.DecodeString(b64)
			}
		}
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("malformed cell %s: %w", raw, err)
	}
	return v, nil
}
