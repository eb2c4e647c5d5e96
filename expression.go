package sftpops

import (
	"fmt"
	"path"
	"strings"

	"github.com/expr-lang/expr"
)

// Move templates are plain text with ${...} placeholders. Each placeholder is
// an expr expression evaluated against:
//
//	file.name           the name as passed to StoreFile
//	file.onlyname       its base name
//	file.parent         its directory part
//	file.ext            extension without the dot
//	file.noext          file.name without extension
//	file.onlynamenoext  file.onlyname without extension
//
// plus expr builtins such as now(). The colon form ${file:name} is accepted
// as an alias of ${file.name}.
//
// Example: "archive/${file.onlynamenoext}-${now().Format('20060102')}.${file.ext}"

var colonSyntax = strings.NewReplacer(
	"file:name.noext", "file.noext",
	"file:onlyname.noext", "file.onlynamenoext",
	"file:", "file.",
)

func moveEnv(name string) map[string]any {
	name = NormalizePath(name)
	base := StripPath(name)
	ext := strings.TrimPrefix(path.Ext(base), ".")
	trimExt := func(s string) string {
		if ext == "" {
			return s
		}
		return strings.TrimSuffix(s, "."+ext)
	}

	return map[string]any{
		"file": map[string]any{
			"name":          name,
			"onlyname":      base,
			"parent":        OnlyPath(name),
			"ext":           ext,
			"noext":         trimExt(name),
			"onlynamenoext": trimExt(base),
		},
	}
}

// evaluateMoveExisting renders template for the existing file name.
func evaluateMoveExisting(template, name string) (string, error) {
	env := moveEnv(name)

	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+2:], "}")
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", template)
		}
		b.WriteString(rest[:start])

		code := colonSyntax.Replace(strings.TrimSpace(rest[start+2 : start+2+end]))
		value, err := evalPlaceholder(code, env)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		rest = rest[start+2+end+1:]
	}

	result := NormalizePath(strings.TrimSpace(b.String()))
	if result == "" {
		return "", fmt.Errorf("move template %q evaluated to an empty name", template)
	}
	return result, nil
}

func evalPlaceholder(code string, env map[string]any) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty placeholder")
	}

	program, err := expr.Compile(code, expr.Env(env))
	if err != nil {
		return "", fmt.Errorf("invalid placeholder '%s': %w", code, err)
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return "", fmt.Errorf("evaluation of '%s' failed: %w", code, err)
	}
	if output == nil {
		return "", nil
	}
	return fmt.Sprint(output), nil
}
