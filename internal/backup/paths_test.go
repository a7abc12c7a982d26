package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPathOverride(t *testing.T) {
	tests := []struct {
		override string
		dir      string
		name     string
	}{
		{"", "", ""},
		{"nightly", "", "nightly"},
		{"nightly.tar", "", "nightly"},
		{"nightly.TAR.GZ", "", "nightly"},
		{"nightly.tgz", "", "nightly"},
		{"nightly.sql.gz", "", "nightly"},
		{"nightly.zip", "", "nightly.zip"},
		{"/var/backups/nightly.tar", "/var/backups", "nightly"},
		{"./nightly.tar", "", "nightly"},
		{"relative/dir/nightly.tar.gz", "relative/dir", "nightly"},
	}
	for _, tt := range tests {
		t.Run(tt.override, func(t *testing.T) {
			dir, name := pathOverride(tt.override)
			assert.Equal(t, tt.dir, dir)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "my-forum", slugify("My Forum"))
	assert.Equal(t, "caf-cr-me", slugify("Café Crème!"))
	assert.Equal(t, "", slugify("  ***  "))
}

func TestDefaultBasename(t *testing.T) {
	now := time.Date(2024, 3, 9, 15, 5, 30, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "my-forum-2024-03-09T140530Z", defaultBasename("My Forum", now))
	assert.Equal(t, "site-2024-03-09T140530Z", defaultBasename("", now))
}
