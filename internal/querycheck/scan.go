package querycheck

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
)

// ConventionPackage is the import identifier Check expects call sites to
// use. There is no compile-time macro to hook, so the convention is
// recognized at the source level: sqlx.Query[Row](ctx, db, "SELECT
// ...", args...).
const ConventionPackage = "sqlx"

var conventionFuncs = map[string]bool{"Query": true, "QueryRow": true, "Exec": true}

// ScanFile walks one Go source file for query-macro call sites. Call
// sites whose query argument isn't a string literal are silently
// skipped; a dynamically-built query string can't be verified statically
// and spec's own macro couldn't have accepted one either.
func ScanFile(filename string) ([]CallSite, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	return scan(fset, file), nil
}

// ScanSource is ScanFile for already-read source, used by tests.
func ScanSource(filename string, src []byte) ([]CallSite, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	return scan(fset, file), nil
}

func scan(fset *token.FileSet, file *ast.File) []CallSite {
	var sites []CallSite
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := selectorOf(call.Fun)
		if !ok || !conventionFuncs[sel.Sel.Name] {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok || ident.Name != ConventionPackage {
			return true
		}
		// args: ctx, conn, query literal, bind args...
		if len(call.Args) < 3 {
			return true
		}
		lit, ok := call.Args[2].(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		query, err := strconv.Unquote(lit.Value)
		if err != nil {
			return true
		}
		sites = append(sites, CallSite{
			Func:     sel.Sel.Name,
			Query:    query,
			ArgCount: len(call.Args) - 3,
			Pos:      fset.Position(call.Pos()),
		})
		return true
	})
	return sites
}

// selectorOf unwraps a generic instantiation (sqlx.Query[Row]) down to
// the underlying selector, so Query[Row](...) and the non-generic
// Exec(...) both resolve the same way.
func selectorOf(fun ast.Expr) (*ast.SelectorExpr, bool) {
	switch f := fun.(type) {
	case *ast.SelectorExpr:
		return f, true
	case *ast.IndexExpr:
		return selectorOf(f.X)
	case *ast.IndexListExpr:
		return selectorOf(f.X)
	default:
		return nil, false
	}
}
