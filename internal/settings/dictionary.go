package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Dictionary holds user vocabulary that grammar-aware engines are
// constrained to.
type Dictionary struct {
	path string
	mu   sync.Mutex
}

type dictionaryFile struct {
	Words []string `json:"words"`
}

func NewDictionary(path string) *Dictionary {
	return &Dictionary{path: path}
}

// Words returns the sorted word list. A missing file is an empty dictionary.
func (d *Dictionary) Words() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

// Add inserts word. Duplicates (case-insensitive) are ignored.
func (d *Dictionary) Add(word string) error {
	word = strings.TrimSpace(word)
	if word == "" {
		return errors.New("dictionary: empty word")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	words, err := d.read()
	if err != nil {
		return err
	}
	for _, w := range words {
		if strings.EqualFold(w, word) {
			return nil
		}
	}
	return d.write(append(words, word))
}

func (d *Dictionary) Remove(word string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	words, err := d.read()
	if err != nil {
		return err
	}
	kept := words[:0]
	for _, w := range words {
		if !strings.EqualFold(w, word) {
			kept = append(kept, w)
		}
	}
	return d.write(kept)
}

func (d *Dictionary) read() ([]string, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	var file dictionaryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}
	sort.Strings(file.Words)
	return file.Words, nil
}

func (d *Dictionary) write(words []string) error {
	sort.Strings(words)
	return writeJSON(d.path, dictionaryFile{Words: words})
}
