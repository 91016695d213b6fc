// Package validation implements the three-stage candidate validation
// pipeline: static security scan, sandboxed execution, and synthesized
// test runs. Sub-checks run in order and short-circuit on hard failure;
// every failure mode is returned as a structured report, never as a raw
// fault.
package validation

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// Fact is one structural observation about candidate source, expressed as
// a datalog atom for the scan policy.
type Fact struct {
	Predicate string
	Args      []string
}

// ExtractFacts parses Go source and emits import and call facts for the
// scan policy, plus the list of string literals for credential matching.
func ExtractFacts(source string) ([]Fact, []string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, parser.ParseComments)
	if err != nil {
		return nil, nil, fmt.Errorf("parse failed: %w", err)
	}

	var facts []Fact
	seenImports := map[string]bool{}
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if seenImports[path] {
			continue
		}
		seenImports[path] = true
		facts = append(facts, Fact{Predicate: "imports", Args: []string{path}})
	}

	var literals []string
	seenCalls := map[string]bool{}
	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.CallExpr:
			if name := selectorName(node.Fun); name != "" && !seenCalls[name] {
				seenCalls[name] = true
				facts = append(facts, Fact{Predicate: "calls", Args: []string{name}})
			}
		case *ast.BasicLit:
			if node.Kind == token.STRING {
				literals = append(literals, strings.Trim(node.Value, "`\""))
			}
		}
		return true
	})

	return facts, literals, nil
}

// selectorName renders pkg.Fn selector calls as "pkg.Fn". Non-selector
// calls (local functions, method values) are not policy-relevant.
func selectorName(expr ast.Expr) string {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return ""
	}
	ident, ok := sel.X.(*ast.Ident)
	if !ok {
		return ""
	}
	return ident.Name + "." + sel.Sel.Name
}
