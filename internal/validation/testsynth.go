package validation

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"go.uber.org/zap"

	"capsmith/internal/registry"
)

// exportedFunc describes one exported function found in candidate source.
type exportedFunc struct {
	Name       string
	ParamTypes []string
	NumResults int
	LastIsErr  bool
}

// Synthesizer introspects exported symbols and generates minimal
// example-input tests, then runs them (plus author-supplied tests) inside
// the same sandbox constraints as the execution sub-check.
//
// Author-supplied tests are exported niladic functions named Test* that
// return error.
type Synthesizer struct {
	sandbox *Sandbox
	logger  *zap.Logger
}

// NewSynthesizer creates a test synthesizer backed by the given sandbox.
func NewSynthesizer(sandbox *Sandbox, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{sandbox: sandbox, logger: logger}
}

// Run synthesizes and executes tests for the candidate source.
func (ts *Synthesizer) Run(ctx context.Context, source string) registry.TestReport {
	funcs, err := introspectExported(source)
	if err != nil {
		return registry.TestReport{Cases: []registry.TestCaseResult{{
			Name:   "introspection",
			Detail: err.Error(),
		}}}
	}

	harness, cases := buildHarness(funcs)
	if len(cases) == 0 {
		// Nothing callable to test is a pass: the sandbox sub-check has
		// already proven the code evaluates.
		return registry.TestReport{Passed: true}
	}

	program := source + "\n" + harness
	report := registry.TestReport{}
	sandboxed := ts.sandbox.Execute(ctx, program, harnessEntry, "")
	if sandboxed.Passed {
		report.Passed = true
		for _, name := range cases {
			report.Cases = append(report.Cases, registry.TestCaseResult{Name: name, Passed: true})
		}
		return report
	}

	// The harness fails fast on the first broken case and returns its
	// name as output; cases before it passed, the rest never ran.
	detail := sandboxed.Error
	if sandboxed.TimedOut {
		detail = "test run timed out"
	}
	failed := sandboxed.Output
	reached := false
	for _, name := range cases {
		c := registry.TestCaseResult{Name: name, Passed: !reached && name != failed}
		if name == failed {
			reached = true
			c.Passed = false
			c.Detail = detail
		}
		report.Cases = append(report.Cases, c)
	}
	if failed == "" && len(report.Cases) > 0 {
		// Harness itself broke before any case could be attributed.
		for i := range report.Cases {
			report.Cases[i].Passed = false
		}
		report.Cases[0].Detail = detail
	}
	return report
}

const harnessEntry = "RunSynthesizedTests"

// introspectExported lists exported top-level functions with supported
// signatures (no receivers, no variadics).
func introspectExported(source string) ([]exportedFunc, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", wrapCode(source), 0)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}

	var funcs []exportedFunc
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || !fn.Name.IsExported() {
			continue
		}
		ef := exportedFunc{Name: fn.Name.Name}
		supported := true
		if fn.Type.Params != nil {
			for _, field := range fn.Type.Params.List {
				t := typeString(field.Type)
				n := len(field.Names)
				if n == 0 {
					n = 1
				}
				for range n {
					if exampleValue(t) == "" {
						supported = false
					}
					ef.ParamTypes = append(ef.ParamTypes, t)
				}
			}
		}
		if !supported {
			continue
		}
		if fn.Type.Results != nil {
			for _, field := range fn.Type.Results.List {
				n := len(field.Names)
				if n == 0 {
					n = 1
				}
				ef.NumResults += n
			}
			last := fn.Type.Results.List[len(fn.Type.Results.List)-1]
			ef.LastIsErr = typeString(last.Type) == "error"
		}
		funcs = append(funcs, ef)
	}
	return funcs, nil
}

// buildHarness emits a RunSynthesizedTests entrypoint calling every
// supported exported function with example inputs. Author-supplied
// Test* functions run as their own cases.
func buildHarness(funcs []exportedFunc) (string, []string) {
	var b strings.Builder
	var cases []string

	b.WriteString(fmt.Sprintf("\nfunc %s(input string) (string, error) {\n", harnessEntry))
	for _, fn := range funcs {
		if fn.Name == harnessEntry || fn.Name == "Handle" {
			continue
		}
		if strings.HasPrefix(fn.Name, "Test") && len(fn.ParamTypes) == 0 && fn.NumResults == 1 && fn.LastIsErr {
			caseName := "author:" + fn.Name
			cases = append(cases, caseName)
			fmt.Fprintf(&b, "\tif err := %s(); err != nil {\n", fn.Name)
			fmt.Fprintf(&b, "\t\treturn %q, err\n", caseName)
			b.WriteString("\t}\n")
			continue
		}

		caseName := "synth:" + fn.Name
		args := make([]string, len(fn.ParamTypes))
		for i, t := range fn.ParamTypes {
			args[i] = exampleValue(t)
		}
		call := fmt.Sprintf("%s(%s)", fn.Name, strings.Join(args, ", "))
		cases = append(cases, caseName)

		switch {
		case fn.NumResults == 0:
			fmt.Fprintf(&b, "\t%s\n", call)
		case fn.LastIsErr:
			lhs := make([]string, fn.NumResults)
			for i := range lhs {
				lhs[i] = "_"
			}
			lhs[len(lhs)-1] = "err"
			fmt.Fprintf(&b, "\tif %s := %s; err != nil {\n", strings.Join(lhs, ", "), call)
			fmt.Fprintf(&b, "\t\treturn %q, err\n", caseName)
			b.WriteString("\t}\n")
		default:
			lhs := make([]string, fn.NumResults)
			for i := range lhs {
				lhs[i] = "_"
			}
			fmt.Fprintf(&b, "\t%s = %s\n", strings.Join(lhs, ", "), call)
		}
	}
	b.WriteString("\t_ = input\n\treturn \"ok\", nil\n}\n")

	if len(cases) == 0 {
		return "", nil
	}
	return b.String(), cases
}

// exampleValue returns a literal for a parameter type, or "" when the
// type cannot be synthesized.
func exampleValue(typ string) string {
	switch typ {
	case "string":
		return `"example"`
	case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64", "byte", "rune":
		return typ + "(42)"
	case "float32", "float64":
		return typ + "(3.5)"
	case "bool":
		return "true"
	case "[]string":
		return `[]string{"a", "b"}`
	case "[]int":
		return "[]int{1, 2, 3}"
	case "[]byte":
		return `[]byte("example")`
	case "map[string]string":
		return `map[string]string{"k": "v"}`
	case "map[string]int":
		return `map[string]int{"k": 1}`
	default:
		return ""
	}
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.ArrayType:
		if t.Len == nil {
			return "[]" + typeString(t.Elt)
		}
	case *ast.MapType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	}
	return "<unsupported>"
}
