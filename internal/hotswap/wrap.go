package hotswap

import "regexp"

var packageClause = regexp.MustCompile(`(?m)^package\s+\w+`)

// wrapModule rewrites the module's package clause to main so that the
// interpreter exposes its symbols under a known path.
func wrapModule(source string) string {
	if packageClause.MatchString(source) {
		return packageClause.ReplaceAllString(source, "package main")
	}
	return "package main\n\n" + source
}
