package backup

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02T150405Z"

var (
	archiveExtension = regexp.MustCompile(`(?i)\.(sql\.gz|tar\.gz|tgz|tar)$`)
	nonSlugChars     = regexp.MustCompile(`[^a-z0-9]+`)
)

// Paths locates every file a run produces.
type Paths struct {
	Timestamp   string
	ArchiveDir  string
	Filename    string
	ArchivePath string
	TmpDir      string
}

// pathOverride splits a caller-supplied path into directory and base name,
// with any archive extension removed from the name. A bare file name yields
// an empty directory.
func pathOverride(override string) (dir, name string) {
	if override == "" {
		return "", ""
	}
	trimmed := strings.TrimRight(override, "/")
	if trimmed == "" {
		return "/", ""
	}
	dir = filepath.Dir(trimmed)
	if dir == "." {
		dir = ""
	}
	return dir, archiveExtension.ReplaceAllString(filepath.Base(trimmed), "")
}

// slugify lowercases title and collapses runs of other characters into
// single dashes.
func slugify(title string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(title), "-"), "-")
}

func defaultBasename(title string, now time.Time) string {
	slug := slugify(title)
	if slug == "" {
		slug = "site"
	}
	return slug + "-" + now.UTC().Format(timestampLayout)
}
