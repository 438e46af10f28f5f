package engine

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"unicode/utf8"
)

// CountCSVRows checks that data is UTF-8 CSV with a header row and returns
// the number of data rows.
func CountCSVRows(data []byte) (int, error) {
	if !utf8.Valid(data) {
		return 0, invalid("invalid_csv", "invalid CSV format: not valid UTF-8")
	}
	r := csv.NewReader(bytes.NewReader(data))
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, invalid("invalid_csv", "invalid CSV format: missing header row")
		}
		return 0, invalid("invalid_csv", "invalid CSV format: %v", err)
	}
	rows := 0
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return 0, invalid("invalid_csv", "invalid CSV row at %d: %v", rows+1, err)
		}
		rows++
	}
}
