package docsource

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"infochat/internal/domain"
)

// LoadTextFiles reads every .txt file matched by the glob patterns. A pattern
// with no glob match is tried as a literal path.
func LoadTextFiles(patterns []string) ([]domain.Document, error) {
	var documents []domain.Document
	seen := make(map[string]struct{})
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			if !strings.HasSuffix(strings.ToLower(m), ".txt") {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			data, err := os.ReadFile(m)
			if err != nil {
				return nil, err
			}
			documents = append(documents, domain.Document{
				ID:    hashString(m),
				URL:   "file://" + m,
				Title: filepath.Base(m),
				Text:  string(data),
			})
		}
	}
	if len(documents) == 0 {
		return nil, fmt.Errorf("%w: no .txt documents found", domain.ErrEmptyInput)
	}
	return documents, nil
}

func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:8])
}
