package reference

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed books.yaml
var booksYAML []byte

// Book is one entry of the canonical book table.
type Book struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Chapters int      `yaml:"chapters" json:"chapters"`
	Aliases  []string `yaml:"aliases" json:"aliases,omitempty"`
}

type bookTable struct {
	Books []Book `yaml:"books"`
}

// BookIndex resolves book tokens to canonical books.
type BookIndex struct {
	books    []Book
	byID     map[string]*Book
	exact    map[string]*Book
	stripped map[string]*Book
}

// LoadBooks decodes a YAML book table.
func LoadBooks(data []byte) (*BookIndex, error) {
	var tbl bookTable
	if err := yaml.Unmarshal(data, &tbl); err != nil {
		return nil, fmt.Errorf("decode book table: %w", err)
	}
	if len(tbl.Books) == 0 {
		return nil, fmt.Errorf("book table is empty")
	}

	idx := &BookIndex{
		books:    tbl.Books,
		byID:     make(map[string]*Book, len(tbl.Books)),
		exact:    make(map[string]*Book),
		stripped: make(map[string]*Book),
	}
	for i := range idx.books {
		b := &idx.books[i]
		if b.ID == "" || b.Name == "" || b.Chapters <= 0 {
			return nil, fmt.Errorf("invalid book entry %d: %+v", i, *b)
		}
		if _, dup := idx.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate book id %q", b.ID)
		}
		idx.byID[b.ID] = b

		keys := append([]string{b.Name, b.ID}, b.Aliases...)
		for _, k := range keys {
			k = normalizeBookKey(k)
			if k == "" {
				continue
			}
			// First writer wins so earlier canonical books keep ambiguous aliases.
			if _, ok := idx.exact[k]; !ok {
				idx.exact[k] = b
			}
			s := strings.ReplaceAll(k, " ", "")
			if _, ok := idx.stripped[s]; !ok {
				idx.stripped[s] = b
			}
		}
	}
	return idx, nil
}

// DefaultBooks returns the embedded 66-book table.
func DefaultBooks() *BookIndex {
	idx, err := LoadBooks(booksYAML)
	if err != nil {
		panic(err)
	}
	return idx
}

// Books returns the table in canonical order.
func (x *BookIndex) Books() []Book {
	return append([]Book(nil), x.books...)
}

// ByID returns the book with the given canonical code.
func (x *BookIndex) ByID(id string) (Book, bool) {
	b, ok := x.byID[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return Book{}, false
	}
	return *b, true
}

// Lookup resolves a book token: exact alias, then space-stripped, then prefix-fuzzy.
func (x *BookIndex) Lookup(token string) (Book, bool) {
	k := normalizeBookKey(token)
	if k == "" {
		return Book{}, false
	}
	if b, ok := x.exact[k]; ok {
		return *b, true
	}
	s := strings.ReplaceAll(k, " ", "")
	if b, ok := x.stripped[s]; ok {
		return *b, true
	}
	return x.fuzzy(s)
}

func (x *BookIndex) lookupStrict(token string) (Book, bool) {
	k := normalizeBookKey(token)
	if k == "" {
		return Book{}, false
	}
	if b, ok := x.exact[k]; ok {
		return *b, true
	}
	if b, ok := x.stripped[strings.ReplaceAll(k, " ", "")]; ok {
		return *b, true
	}
	return Book{}, false
}

// fuzzy matches a token that is a prefix of a book name or alias. Tokens shorter
// than three letters are too ambiguous to guess at.
func (x *BookIndex) fuzzy(s string) (Book, bool) {
	letters := strings.TrimLeft(s, "0123456789")
	if len(letters) < 3 {
		return Book{}, false
	}
	for i := range x.books {
		b := &x.books[i]
		if strings.HasPrefix(strings.ReplaceAll(strings.ToLower(b.Name), " ", ""), s) {
			return *b, true
		}
		for _, a := range b.Aliases {
			if strings.HasPrefix(strings.ReplaceAll(a, " ", ""), s) {
				return *b, true
			}
		}
	}
	return Book{}, false
}

func normalizeBookKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".")
	s = strings.ReplaceAll(s, ".", " ")
	return strings.Join(strings.Fields(s), " ")
}
