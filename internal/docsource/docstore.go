// Package docsource turns external document records into domain.Document values:
// the JSONL docstore produced by the scraper and plain .txt files.
package docsource

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"infochat/internal/domain"
)

// record is one docstore line. Unknown keys are rejected.
type record struct {
	ID      *string `json:"id,omitempty"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content *string `json:"content"`
	Length  int     `json:"length"`
}

// ReadDocstore decodes one document per non-blank line. A record without an id
// takes its zero-based position among the records.
func ReadDocstore(r io.Reader) ([]domain.Document, error) {
	var docs []domain.Document
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var rec record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", domain.ErrInvalidDocument, line, err)
		}
		if dec.More() {
			return nil, fmt.Errorf("%w: line %d: trailing data after record", domain.ErrInvalidDocument, line)
		}
		if rec.Content == nil {
			return nil, fmt.Errorf("%w: line %d: missing content", domain.ErrInvalidDocument, line)
		}
		id := strconv.Itoa(len(docs))
		if rec.ID != nil {
			if strings.TrimSpace(*rec.ID) == "" {
				return nil, fmt.Errorf("%w: line %d: empty id", domain.ErrInvalidDocument, line)
			}
			id = *rec.ID
		}
		docs = append(docs, domain.Document{ID: id, URL: rec.URL, Title: rec.Title, Text: *rec.Content})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read docstore: %w", err)
	}
	return docs, nil
}

// LoadDocstore reads a docstore file from disk.
func LoadDocstore(path string) ([]domain.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	docs, err := ReadDocstore(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

// WriteDocstore writes docs in the format ReadDocstore accepts.
func WriteDocstore(w io.Writer, docs []domain.Document) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range docs {
		d := docs[i]
		rec := record{
			ID:      &d.ID,
			URL:     d.URL,
			Title:   d.Title,
			Content: &d.Text,
			Length:  utf8.RuneCountInString(d.Text),
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode document %s: %w", d.ID, err)
		}
	}
	return bw.Flush()
}

// SaveDocstore writes docs to path, creating parent directories.
func SaveDocstore(path string, docs []domain.Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteDocstore(f, docs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
