package graph

import (
	"log/slog"
	"regexp"
	"strings"
)

// driveRootPrefix matches the drive-root prefix of a parentReference path:
// "/drive/root:" or "/drives/{id}/root:", case-insensitive, any drive id.
var driveRootPrefix = regexp.MustCompile(`(?i)^/drives?(/[^/]+)?/root:`)

// RemoteRelativePath derives the normalized relative path of an item from
// its parent path and name. The drive-root prefix is stripped, segments are
// joined with forward slashes, and leading/trailing separators are trimmed.
// All path comparisons in the sync core use this form.
func RemoteRelativePath(parentPath, name string) string {
	parent := driveRootPrefix.ReplaceAllString(strings.TrimSpace(parentPath), "")
	parent = strings.Trim(parent, "/")
	name = strings.Trim(strings.TrimSpace(name), "/")

	switch {
	case parent == "":
		return name
	case name == "":
		return parent
	default:
		return parent + "/" + name
	}
}

// dedupeByID removes duplicate item IDs from a delta page, keeping the last
// occurrence. The API can report the same item more than once in a page when
// it changes while the page is being assembled; only the final state matters.
func dedupeByID(items []Item, logger *slog.Logger) []Item {
	if len(items) < 2 {
		return items
	}

	last := make(map[string]int, len(items))
	for i := range items {
		last[items[i].ID] = i
	}

	if len(last) == len(items) {
		return items
	}

	kept := make([]Item, 0, len(last))
	for i := range items {
		if last[items[i].ID] != i {
			logger.Debug("dropping duplicate delta item",
				slog.String("item_id", items[i].ID),
			)

			continue
		}

		kept = append(kept, items[i])
	}

	return kept
}
