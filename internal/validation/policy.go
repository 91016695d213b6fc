package validation

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/mangle/analysis"
	mangleast "github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Violation is one derived violation(Rule, Subject) fact from the scan
// policy.
type Violation struct {
	Rule    string
	Subject string
}

// evalPolicy combines the policy rules with the extracted facts into one
// datalog program, evaluates it bottom-up, and returns all derived
// violations. Facts are serialized as unit clauses so the program is
// self-contained and needs no external declarations.
func evalPolicy(policy string, facts []Fact) ([]Violation, error) {
	var program bytes.Buffer
	program.WriteString(policy)
	program.WriteString("\n")
	// Sentinel facts keep every extractor predicate defined even when the
	// candidate produced no facts of that kind.
	seen := map[string]bool{}
	for _, f := range facts {
		seen[f.Predicate] = true
	}
	for _, pred := range []string{"imports", "calls"} {
		if !seen[pred] {
			fmt.Fprintf(&program, "%s(\"__none__\").\n", pred)
		}
	}
	for _, f := range facts {
		program.WriteString(f.Predicate)
		program.WriteString("(")
		for i, arg := range f.Args {
			if i > 0 {
				program.WriteString(", ")
			}
			fmt.Fprintf(&program, "%q", arg)
		}
		program.WriteString(").\n")
	}

	unit, err := parse.Unit(bytes.NewReader(program.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse scan policy: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze scan policy: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if err := mengine.EvalProgram(programInfo, store); err != nil {
		return nil, fmt.Errorf("scan policy evaluation failed: %w", err)
	}

	pattern := mangleast.NewQuery(mangleast.PredicateSym{Symbol: "violation", Arity: 2})
	var out []Violation
	err = store.GetFacts(pattern, func(fact mangleast.Atom) error {
		if len(fact.Args) != 2 {
			return nil
		}
		out = append(out, Violation{
			Rule:    termString(fact.Args[0]),
			Subject: termString(fact.Args[1]),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read violations: %w", err)
	}
	return out, nil
}

// termString unwraps a mangle constant into a plain string.
func termString(term mangleast.BaseTerm) string {
	c, ok := term.(mangleast.Constant)
	if !ok {
		return term.String()
	}
	if s, err := c.StringValue(); err == nil {
		return s
	}
	return strings.Trim(c.String(), `"`)
}
