// Package main implements an import layering linter.
//
// It scans Go source files under pkg/ and enforces the package layering:
// pkg/contracts sits at the bottom and imports no other veract package,
// while pkg/api and pkg/config sit at the edge and are imported only by
// binaries under cmd/.
//
// Usage:
//
//	go run tools/layercheck/main.go [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const modulePath = "github.com/stewardlabs/veract"

// rule forbids an import prefix for files under a directory, except inside
// the package that owns the import.
type rule struct {
	dir    string // importer directory, relative to root
	forbid string // import path prefix
	except string // directory exempt from the rule
	reason string
}

var rules = []rule{
	{
		dir:    filepath.Join("pkg", "contracts"),
		forbid: modulePath + "/",
		reason: "pkg/contracts is the shared vocabulary and must not depend on other packages",
	},
	{
		dir:    "pkg",
		forbid: modulePath + "/pkg/api",
		except: filepath.Join("pkg", "api"),
		reason: "pkg/api is the outer HTTP surface; only cmd/ wires it",
	},
	{
		dir:    "pkg",
		forbid: modulePath + "/pkg/config",
		except: filepath.Join("pkg", "config"),
		reason: "pkg/config reads the environment; only cmd/ may depend on it",
	},
}

func main() {
	root := flag.String("root", ".", "project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, out, errOut io.Writer) int {
	pkgDir := filepath.Join(root, "pkg")
	if _, err := os.Stat(pkgDir); os.IsNotExist(err) {
		fmt.Fprintf(errOut, "ERROR: %s does not exist\n", pkgDir)
		return 1
	}

	violations := 0
	fset := token.NewFileSet()

	err := filepath.Walk(pkgDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "vendor" || info.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		f, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if parseErr != nil {
			fmt.Fprintf(errOut, "WARN: parse error in %s: %v\n", rel, parseErr)
			return nil
		}

		for _, imp := range f.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			for _, r := range rules {
				if !strings.HasPrefix(rel, r.dir+string(filepath.Separator)) {
					continue
				}
				if r.except != "" && strings.HasPrefix(rel, r.except+string(filepath.Separator)) {
					continue
				}
				if strings.HasPrefix(importPath, r.forbid) {
					pos := fset.Position(imp.Pos())
					fmt.Fprintf(out, "LAYERING VIOLATION: %s:%d imports %q (%s)\n",
						rel, pos.Line, importPath, r.reason)
					violations++
				}
			}
		}
		return nil
	})

	if err != nil {
		fmt.Fprintf(errOut, "ERROR: walk failed: %v\n", err)
		return 1
	}

	if violations > 0 {
		fmt.Fprintf(out, "\n❌ %d layering violation(s) found\n", violations)
		return 1
	}

	fmt.Fprintln(out, "✅ layering check passed")
	return 0
}
