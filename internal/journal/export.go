package journal

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Format selects the serialization Export writes.
type Format string

const (
	FormatNDJSON   Format = "ndjson"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "md"
)

// ParseFormat maps a wire-level format string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatNDJSON, FormatJSON, FormatCSV, FormatMarkdown:
		return Format(strings.ToLower(s)), nil
	case "":
		return FormatNDJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want ndjson, json, csv, or md)", s)
	}
}

// ContentType returns the MIME type a response carrying this format should
// declare.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatMarkdown:
		return "text/markdown"
	default:
		return "application/x-ndjson"
	}
}

// Export writes records to w in the requested format. Records are written in
// the order given, which for journal reads is append order.
func Export(w io.Writer, records []Record, format Format) error {
	switch format {
	case FormatJSON:
		return exportJSON(w, records)
	case FormatCSV:
		return exportCSV(w, records)
	case FormatMarkdown:
		return exportMarkdown(w, records)
	case FormatNDJSON:
		return exportNDJSON(w, records)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func exportNDJSON(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func exportJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(records)
}

func exportCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"cursor", "type", "timestamp", "data"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.Cursor, 10),
			string(r.Kind),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.Data),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func exportMarkdown(w io.Writer, records []Record) error {
	if _, err := fmt.Fprintln(w, "| cursor | type | timestamp | data |"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "|---|---|---|---|"); err != nil {
		return err
	}
	for _, r := range records {
		data := strings.ReplaceAll(string(r.Data), "|", "\\|")
		if _, err := fmt.Fprintf(w, "| %d | %s | %s | %s |\n",
			r.Cursor, r.Kind, r.Timestamp.UTC().Format(time.RFC3339Nano), data); err != nil {
			return err
		}
	}
	return nil
}
