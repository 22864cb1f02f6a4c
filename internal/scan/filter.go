package scan

import "strings"

// Filter decides which directory entries the scanner ignores, by name.
// The zero value skips nothing.
type Filter struct {
	// Prefixes and Suffixes are matched case-insensitively against the
	// NFC-normalized entry name.
	Prefixes []string
	Suffixes []string
	// Names are exact matches.
	Names []string
	// SkipHidden skips dotfiles.
	SkipHidden bool
}

// DefaultFilter skips editor and OS temp files, in-progress download
// temps, and hidden entries.
func DefaultFilter() *Filter {
	return &Filter{
		Prefixes:   []string{"~$", ".~"},
		Suffixes:   []string{".tmp", ".partial", ".swp", ".crdownload"},
		Names:      []string{"desktop.ini", "thumbs.db", ".ds_store"},
		SkipHidden: true,
	}
}

// Skip reports whether an entry with the given name should be ignored.
func (f *Filter) Skip(name string) bool {
	lower := strings.ToLower(name)
	if f.SkipHidden && strings.HasPrefix(name, ".") {
		return true
	}
	for _, p := range f.Prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, s := range f.Suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	for _, n := range f.Names {
		if lower == n {
			return true
		}
	}
	return false
}
