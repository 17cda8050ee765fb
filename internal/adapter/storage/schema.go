package storage

import (
	"embed"
	"strings"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// schemaStatements returns the statements of an embedded schema file. The
// drivers run one statement per Exec, so the file is split on semicolons.
func schemaStatements(name string) ([]string, error) {
	raw, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return nil, err
	}

	var stmts []string
	for _, part := range strings.Split(string(raw), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
