package metacal

import (
	"path/filepath"
	"strings"
	"testing"
)

func sampleResult() *ResponseResult {
	return &ResponseResult{
		Estimates: Estimates{LabelNoShear: {{G1: 0.1, G2: -0.2}, {G1: 0.3, G2: 0.4}}},
		R:         []Response{{{1, 0.1}, {0.2, 0.9}}, Identity},
		Shears:    []Shear{{G1: 0.01}, {G2: -0.03}},
		Step:      0.01,
	}
}

func TestResponseRows(t *testing.T) {
	rows := ResponseRows(sampleResult())
	if len(rows) != 2 {
		t.Fatalf("%d rows, want 2", len(rows))
	}
	want := ResponseRow{Galaxy: 0, G1: 0.01, E1: 0.1, E2: -0.2, R11: 1, R12: 0.1, R21: 0.2, R22: 0.9}
	if rows[0] != want {
		t.Errorf("row 0 = %+v, want %+v", rows[0], want)
	}
}

func TestResponseCSVRoundTrip(t *testing.T) {
	res := sampleResult()
	b, err := MarshalResponseCSV(res)
	if err != nil {
		t.Fatal(err)
	}
	header := strings.SplitN(string(b), "\n", 2)[0]
	if header != "galaxy,g1,g2,e1_noshear,e2_noshear,R11,R12,R21,R22" {
		t.Errorf("header = %q", header)
	}

	path := filepath.Join(t.TempDir(), "response.csv")
	if err := WriteResponseCSV(path, res); err != nil {
		t.Fatal(err)
	}
	rows, err := ReadResponseCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	want := ResponseRows(res)
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}
}

func TestMarshalResponseCSVRejectsEmpty(t *testing.T) {
	if _, err := MarshalResponseCSV(&ResponseResult{}); err == nil {
		t.Error("empty result accepted")
	}
}
