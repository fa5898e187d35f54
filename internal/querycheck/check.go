package querycheck

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sqlx-go/sqlx/internal/sqlerr"
	"github.com/sqlx-go/sqlx/internal/sqlxcache"
)

// CheckCallSite resolves cs's query and verifies its argument count
// against the placeholder count, per spec §4.I's verify step. A
// resolvable query with no columns at all (an Exec-only statement) is
// not itself a finding; an unresolvable query is reported once and
// skipped.
func (r *Resolver) CheckCallSite(ctx context.Context, cs CallSite) []Finding {
	qd, err := r.Resolve(ctx, cs.Query)
	if err != nil {
		return []Finding{{Pos: cs.Pos, Kind: string(sqlerr.Database), Message: err.Error()}}
	}

	var findings []Finding
	expected := len(qd.Params)
	if expected == 0 {
		expected = PlaceholderCount(cs.Query, r.Engine)
	}
	if expected != cs.ArgCount {
		findings = append(findings, Finding{
			Pos:  cs.Pos,
			Kind: string(sqlerr.QueryArgCountMismatch),
			Message: fmt.Sprintf("query has %d bind placeholder(s) but the call passes %d argument(s)",
				expected, cs.ArgCount),
		})
	}
	for _, col := range qd.Columns {
		if col.TypeName == "" {
			findings = append(findings, Finding{
				Pos:     cs.Pos,
				Kind:    string(sqlerr.QueryUnknownType),
				Message: fmt.Sprintf("column %q resolved with no server-reported type", col.Name),
			})
		}
	}
	return findings
}

// CheckFile scans filename and verifies every call site it finds.
func (r *Resolver) CheckFile(ctx context.Context, filename string) ([]Finding, error) {
	sites, err := ScanFile(filename)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, cs := range sites {
		findings = append(findings, r.CheckCallSite(ctx, cs)...)
	}
	return findings, nil
}

// CheckWorkspace walks every non-test .go file under root, skipping
// vendor and dot directories, and verifies every call site found.
func (r *Resolver) CheckWorkspace(ctx context.Context, root string) ([]Finding, error) {
	var findings []Finding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		fileFindings, err := r.CheckFile(ctx, path)
		if err != nil {
			return err
		}
		findings = append(findings, fileFindings...)
		return nil
	})
	return findings, err
}

// Prepare scans root, resolves every call site it finds (populating the
// offline cache as it goes), and prunes any cache entry that no call
// site under root still references, per spec §4.J's "rewrites .sqlx/
// atomically" contract.
func (r *Resolver) Prepare(ctx context.Context, root string) ([]Finding, error) {
	var sites []CallSite
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		fileSites, err := ScanFile(path)
		if err != nil {
			return err
		}
		sites = append(sites, fileSites...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	keep := map[string]bool{}
	var findings []Finding
	for _, cs := range sites {
		keep[sqlxcache.Hash(cs.Query)] = true
		findings = append(findings, r.CheckCallSite(ctx, cs)...)
	}
	if err := sqlxcache.Prune(r.CacheDir, keep); err != nil {
		return findings, err
	}
	return findings, nil
}
