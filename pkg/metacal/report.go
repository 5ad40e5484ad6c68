package metacal

import (
	"fmt"
	"os"

	"github.com/jszwec/csvutil"
)

// ResponseRow is one galaxy of a response report.
type ResponseRow struct {
	Galaxy int     `csv:"galaxy"`
	G1     float64 `csv:"g1"`
	G2     float64 `csv:"g2"`
	E1     float64 `csv:"e1_noshear"`
	E2     float64 `csv:"e2_noshear"`
	R11    float64 `csv:"R11"`
	R12    float64 `csv:"R12"`
	R21    float64 `csv:"R21"`
	R22    float64 `csv:"R22"`
}

// ResponseRows flattens a result into one row per galaxy.
func ResponseRows(res *ResponseResult) []ResponseRow {
	rows := make([]ResponseRow, len(res.R))
	noshear := res.Estimates[LabelNoShear]
	for i, r := range res.R {
		row := ResponseRow{
			Galaxy: i,
			R11:    r[0][0],
			R12:    r[0][1],
			R21:    r[1][0],
			R22:    r[1][1],
		}
		if i < len(res.Shears) {
			row.G1, row.G2 = res.Shears[i].G1, res.Shears[i].G2
		}
		if i < len(noshear) {
			row.E1, row.E2 = noshear[i].G1, noshear[i].G2
		}
		rows[i] = row
	}
	return rows
}

// MarshalResponseCSV encodes the per-galaxy report with a header line.
func MarshalResponseCSV(res *ResponseResult) ([]byte, error) {
	if res == nil || len(res.R) == 0 {
		return nil, preconditionf("empty response result")
	}
	b, err := csvutil.Marshal(ResponseRows(res))
	if err != nil {
		return nil, fmt.Errorf("encoding response csv: %w", err)
	}
	return b, nil
}

// WriteResponseCSV writes the per-galaxy report to path.
func WriteResponseCSV(path string, res *ResponseResult) error {
	b, err := MarshalResponseCSV(res)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadResponseCSV parses a report written by WriteResponseCSV.
func ReadResponseCSV(path string) ([]ResponseRow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading response csv: %w", err)
	}
	var rows []ResponseRow
	if err := csvutil.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("decoding response csv: %w", err)
	}
	return rows, nil
}
