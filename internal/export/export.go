// Package export moves records in and out of the local cache as plain
// files: JSONL for machine pipelines, YAML for hand editing.
//
// Exports are a portable flattening of the record's fields; sync
// bookkeeping (status, timestamps, conflict snapshots) is included on
// export for inspection but ignored on import. Imported entries always
// enter the cache as new local records so they flow through the normal
// push path.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidemark-app/tidemark/internal/record"
)

// Format selects the file encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// DetectFormat maps a file extension to a format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("cannot detect format from %q (use .jsonl or .yaml)", path)
	}
}

// Entry is the portable on-disk form of one record.
type Entry struct {
	ID       string     `json:"id,omitempty" yaml:"id,omitempty"`
	Title    string     `json:"title" yaml:"title"`
	Notes    string     `json:"notes,omitempty" yaml:"notes,omitempty"`
	Status   string     `json:"status,omitempty" yaml:"status,omitempty"`
	Priority string     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Due      *time.Time `json:"due,omitempty" yaml:"due,omitempty"`
	Tags     []string   `json:"tags,omitempty" yaml:"tags,omitempty"`

	// SyncStatus is informational on export and ignored on import.
	SyncStatus string `json:"sync_status,omitempty" yaml:"sync_status,omitempty"`

	// Extra carries fields outside the well-known vocabulary. Text
	// values only; richer kinds live in the well-known columns.
	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// FromRecord flattens a record into a portable entry.
func FromRecord(rec *record.Record) *Entry {
	e := &Entry{
		ID:         rec.ID,
		SyncStatus: string(rec.Status),
	}
	for _, name := range rec.Fields.Names() {
		v := rec.Fields[name]
		switch name {
		case record.FieldTitle:
			e.Title = v.Text
		case record.FieldNotes:
			e.Notes = v.Text
		case record.FieldStatus:
			e.Status = v.Text
		case record.FieldPriority:
			e.Priority = v.Text
		case record.FieldDue:
			if v.Kind == record.KindDate {
				due := v.Time
				e.Due = &due
			}
		case record.FieldTags:
			e.Tags = append([]string{}, v.Set...)
		default:
			if e.Extra == nil {
				e.Extra = make(map[string]string)
			}
			e.Extra[name] = v.String()
		}
	}
	return e
}

// Fields rebuilds a field map from the entry. The sync bookkeeping
// columns are not part of the result.
func (e *Entry) Fields() record.Fields {
	fields := record.Fields{}
	if e.Title != "" {
		fields[record.FieldTitle] = record.TextValue(e.Title)
	}
	if e.Notes != "" {
		fields[record.FieldNotes] = record.TextValue(e.Notes)
	}
	if e.Status != "" {
		fields[record.FieldStatus] = record.EnumValue(e.Status)
	}
	if e.Priority != "" {
		fields[record.FieldPriority] = record.EnumValue(e.Priority)
	}
	if e.Due != nil {
		fields[record.FieldDue] = record.DateValue(*e.Due)
	}
	if len(e.Tags) > 0 {
		fields[record.FieldTags] = record.SetValue(e.Tags...)
	}
	for name, text := range e.Extra {
		fields[name] = record.TextValue(text)
	}
	return fields
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL(w io.Writer, records []*record.Record) error {
	encoder := json.NewEncoder(w)
	for _, rec := range records {
		if err := encoder.Encode(FromRecord(rec)); err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// ReadJSONL parses a JSONL stream into entries.
func ReadJSONL(r io.Reader) ([]*Entry, error) {
	decoder := json.NewDecoder(r)
	var entries []*Entry
	line := 0
	for {
		var e Entry
		if err := decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at entry %d: %w", line+1, err)
		}
		line++
		entries = append(entries, &e)
	}
	return entries, nil
}

// document is the YAML file layout: a header plus the entries, so a
// hand-edited file stays self-describing.
type document struct {
	ExportedAt time.Time `yaml:"exported_at,omitempty"`
	Records    []*Entry  `yaml:"records"`
}

// WriteYAML writes all records as a single YAML document.
func WriteYAML(w io.Writer, records []*record.Record) error {
	doc := document{ExportedAt: time.Now().UTC()}
	for _, rec := range records {
		doc.Records = append(doc.Records, FromRecord(rec))
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return encoder.Close()
}

// ReadYAML parses a YAML document into entries.
func ReadYAML(r io.Reader) ([]*Entry, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return doc.Records, nil
}

// WriteFile exports records to path, choosing the format from the
// extension. The file is written atomically via a temp file so a crash
// mid-export never leaves a truncated file behind.
func WriteFile(path string, records []*record.Record) error {
	format, err := DetectFormat(path)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	switch format {
	case FormatJSONL:
		err = WriteJSONL(f, records)
	case FormatYAML:
		err = WriteYAML(f, records)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write export: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadFile imports entries from path, choosing the format from the
// extension.
func ReadFile(path string) ([]*Entry, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	switch format {
	case FormatJSONL:
		return ReadJSONL(f)
	case FormatYAML:
		return ReadYAML(f)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// ImportResult reports what an import did.
type ImportResult struct {
	Created int
	Skipped int
	Errors  []string
}

// Creator is the mutation surface an import needs. The projection
// satisfies it.
type Creator interface {
	CreateImported(fields record.Fields) error
}

// CreatorFunc adapts a function to the Creator interface.
type CreatorFunc func(fields record.Fields) error

func (f CreatorFunc) CreateImported(fields record.Fields) error { return f(fields) }

// Import feeds entries into the local cache as new records. Entries
// without a title are skipped; per-entry failures are collected rather
// than aborting the batch.
func Import(entries []*Entry, creator Creator) *ImportResult {
	result := &ImportResult{}
	for i, e := range entries {
		if e.Title == "" {
			result.Skipped++
			continue
		}
		if err := creator.CreateImported(e.Fields()); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("entry %d (%s): %v", i+1, e.Title, err))
			continue
		}
		result.Created++
	}
	return result
}
