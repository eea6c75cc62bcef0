// Package recipients loads and validates recipient lists from CSV and JSON
// files, with header detection and duplicate filtering.
package recipients

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bulksend/internal/models"
)

var (
	emailHeaders = []string{"email", "e-mail", "邮箱", "邮箱地址"}
	nameHeaders  = []string{"name", "姓名", "导师姓名", "老师姓名"}
)

// LoadError reports recipient data that cannot be parsed safely.
type LoadError struct {
	Msg string
}

func (e *LoadError) Error() string { return e.Msg }

func loadErrorf(format string, args ...any) error {
	return &LoadError{Msg: fmt.Sprintf(format, args...)}
}

// Stats summarizes what happened to each row of the input file.
type Stats struct {
	TotalRows        int `json:"total_rows"`
	ValidRows        int `json:"valid_rows"`
	SendableRows     int `json:"sendable_rows"`
	InvalidRows      int `json:"invalid_rows"`
	InvalidEmailRows int `json:"invalid_email_rows"`
	MissingNameRows  int `json:"missing_name_rows"`
	DuplicateRows    int `json:"duplicate_rows"`
	EmptyRows        int `json:"empty_rows"`
}

// LoadResult is the cleaned recipient list plus the per-row accounting.
type LoadResult struct {
	Recipients []models.Recipient
	Stats      Stats
}

type row struct {
	number int
	email  string
	name   string
}

// Load reads a recipient file, dispatching on extension (.csv or .json).
// With strict set, the first invalid row fails the load; otherwise invalid
// rows are only counted.
func Load(path string, strict bool) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, loadErrorf("recipient file not found: %s", path)
	}
	defer f.Close()

	var rows []row
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		rows, err = readJSONRows(f)
	case ".csv":
		rows, err = readCSVRows(f)
	default:
		return nil, loadErrorf("unsupported recipient file format: %s", ext)
	}
	if err != nil {
		return nil, err
	}

	return normalizeRows(rows, strict)
}

// readJSONRows accepts either an object mapping email to name, or an array
// of {email, name} objects. Object entries keep their file order.
func readJSONRows(r io.Reader) ([]row, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, loadErrorf("read recipient file: %v", err)
	}

	var asList []map[string]string
	if err := json.Unmarshal(payload, &asList); err == nil {
		rows := make([]row, 0, len(asList))
		for i, item := range asList {
			rows = append(rows, row{number: i + 1, email: item["email"], name: item["name"]})
		}
		return rows, nil
	}

	// Object form is walked token by token: decoding into a map would lose
	// the file order.
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil {
		return nil, &LoadError{Msg: "invalid JSON format: expected object or list"}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &LoadError{Msg: "invalid JSON format: expected object or list"}
	}

	var rows []row
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, loadErrorf("read recipient file: %v", err)
		}
		email, _ := keyTok.(string)
		var name string
		if err := dec.Decode(&name); err != nil {
			return nil, &LoadError{Msg: "invalid JSON format: expected object or list"}
		}
		rows = append(rows, row{number: len(rows) + 1, email: email, name: name})
	}
	return rows, nil
}

// readCSVRows requires a header row with detectable email and name columns
// (case-insensitive, CJK aliases accepted).
func readCSVRows(r io.Reader) ([]row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, loadErrorf("read csv header: %v", err)
	}

	emailIdx, nameIdx := -1, -1
	for i, h := range headers {
		h = strings.TrimSpace(h)
		if emailIdx == -1 && matchesHeader(h, emailHeaders) {
			emailIdx = i
		}
		if nameIdx == -1 && matchesHeader(h, nameHeaders) {
			nameIdx = i
		}
	}
	if emailIdx == -1 || nameIdx == -1 {
		return nil, &LoadError{Msg: "csv must contain email and name columns"}
	}

	var rows []row
	number := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, loadErrorf("read csv row: %v", err)
		}
		number++
		var email, name string
		if emailIdx < len(record) {
			email = record[emailIdx]
		}
		if nameIdx < len(record) {
			name = record[nameIdx]
		}
		rows = append(rows, row{number: number, email: email, name: name})
	}
	return rows, nil
}

func matchesHeader(value string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(value, c) {
			return true
		}
	}
	return false
}

func normalizeRows(rows []row, strict bool) (*LoadResult, error) {
	seen := make(map[string]struct{})
	result := &LoadResult{Recipients: []models.Recipient{}}
	stats := &result.Stats

	for _, raw := range rows {
		email := strings.TrimSpace(raw.email)
		name := strings.TrimSpace(raw.name)
		stats.TotalRows++

		if email == "" && name == "" {
			stats.EmptyRows++
			continue
		}

		if !models.EmailPattern.MatchString(email) {
			stats.InvalidRows++
			stats.InvalidEmailRows++
			if strict {
				return nil, loadErrorf("row %d: invalid email: %q", raw.number, email)
			}
			continue
		}
		if name == "" {
			stats.InvalidRows++
			stats.MissingNameRows++
			if strict {
				return nil, loadErrorf("row %d: missing name for %s", raw.number, email)
			}
			continue
		}
		stats.ValidRows++

		normalized := models.NormalizeEmail(email)
		if _, dup := seen[normalized]; dup {
			stats.DuplicateRows++
			continue
		}
		seen[normalized] = struct{}{}

		result.Recipients = append(result.Recipients, models.Recipient{Email: email, Name: name})
		stats.SendableRows++
	}

	return result, nil
}
