package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/nitamono/internal/bench"
	"github.com/hyperjump/nitamono/internal/models"
)

var testID = models.Identifier(strings.Repeat("0a", 20))

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{"json", OutputJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteRecords_text(t *testing.T) {
	records := []models.Record{
		{ID: testID, Value: models.RecordValue{Similarity: 1, Source: "/images/a.jpg"}},
		{ID: testID, Value: models.RecordValue{Similarity: 0.25}},
	}
	var buf bytes.Buffer
	if err := WriteRecords(&buf, records, OutputText); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	for _, sub := range []string{" 1", string(testID), "1.0000", "/images/a.jpg"} {
		if !strings.Contains(lines[0], sub) {
			t.Errorf("first line missing %q: %s", sub, lines[0])
		}
	}
	if !strings.Contains(lines[1], "0.2500") {
		t.Errorf("second line missing similarity: %s", lines[1])
	}
}

func TestWriteRecords_textTruncatesSource(t *testing.T) {
	long := "/" + strings.Repeat("x", 200)
	var buf bytes.Buffer
	_ = WriteRecords(&buf, []models.Record{{ID: testID, Value: models.RecordValue{Source: long}}}, OutputText)
	if strings.Contains(buf.String(), long) || !strings.Contains(buf.String(), "...") {
		t.Errorf("long source should be truncated: %s", buf.String())
	}
}

func TestWriteRecords_empty(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteRecords(&buf, nil, OutputText)
	if !strings.Contains(buf.String(), "no results") {
		t.Errorf("got %q", buf.String())
	}
	buf.Reset()
	_ = WriteRecords(&buf, nil, OutputJSON)
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty JSON should be [], got %q", buf.String())
	}
}

func TestWriteRecords_JSON(t *testing.T) {
	records := []models.Record{{ID: testID, Value: models.RecordValue{Similarity: 0.5, Source: "a.jpg"}}}
	var buf bytes.Buffer
	if err := WriteRecords(&buf, records, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded []models.Record
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if len(decoded) != 1 || decoded[0].ID != testID || decoded[0].Value.Source != "a.jpg" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestWriteRows(t *testing.T) {
	rows := []SampleRow{{ID: testID, Reference: "/a.jpg"}, {ID: testID, Reference: "/b.jpg"}}
	var buf bytes.Buffer
	if err := WriteRows(&buf, rows, OutputText); err != nil {
		t.Fatal(err)
	}
	want := string(testID) + " /a.jpg\n" + string(testID) + " /b.jpg\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestWriteProgressAndReport(t *testing.T) {
	var buf bytes.Buffer
	WriteProgress(&buf, bench.Progress{Processed: 4, Score: 14, QPS: 100})
	if got := buf.String(); got != "    4, score: 3.50, 100.00 QPS\r" {
		t.Errorf("progress = %q", got)
	}

	buf.Reset()
	report := bench.Report{Score: 14, Count: 4, Mean: 3.5, Precision: 0.875, QPS: 100, Elapsed: 40 * time.Millisecond, GroupSize: 4}
	if err := WriteReport(&buf, report, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"14/    4", "score: 3.50", "precision@4: 0.8750"} {
		if !strings.Contains(out, sub) {
			t.Errorf("report missing %q:\n%s", sub, out)
		}
	}

	buf.Reset()
	if err := WriteReport(&buf, report, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded bench.Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Score != 14 || decoded.Count != 4 {
		t.Errorf("decoded = %+v", decoded)
	}
}
