package sqlite

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ekaya-inc/ekaya-omop/pkg/config"
)

// MemoryPath opens a private in-memory database. Attached schemas are then
// in-memory as well.
const MemoryPath = ":memory:"

// busyTimeoutMS is how long a writer waits on a locked database.
const busyTimeoutMS = 5000

// buildDSN returns the modernc DSN for path, with a busy timeout and, for
// files, WAL journaling.
func buildDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	params.Add("_pragma", "foreign_keys(off)")
	if path == MemoryPath {
		return "file::memory:?" + params.Encode()
	}
	params.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + params.Encode()
}

// attachments returns the schema to file mapping for every configured schema
// other than main and temp, deduplicated, in configuration order.
func attachments(cfg config.SQLiteConfig, schemas config.SchemasConfig) []attachment {
	seen := map[string]bool{"": true, "main": true, "temp": true}
	var out []attachment
	for _, s := range []string{schemas.RawSchema, schemas.WorkSchema, schemas.OmopSchema} {
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true

		file := MemoryPath
		if cfg.Path != MemoryPath {
			file = filepath.Join(cfg.AttachDir, s+".db")
		}
		out = append(out, attachment{Schema: s, File: file})
	}
	return out
}

type attachment struct {
	Schema string
	File   string
}
