// Package migrations embeds the schema files applied by the migrate command.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql clickhouse/*.sql
var files embed.FS

// MySQL returns the statements of every MySQL migration, in file order.
func MySQL() ([]string, error) {
	return load(".")
}

// ClickHouse returns the statements of the reporting store migrations.
func ClickHouse() ([]string, error) {
	return load("clickhouse")
}

func load(dir string) ([]string, error) {
	pattern := "*.sql"
	if dir != "." {
		pattern = dir + "/" + pattern
	}
	names, err := fs.Glob(files, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var out []string
	for _, n := range names {
		b, err := files.ReadFile(n)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", n, err)
		}
		out = append(out, Split(string(b))...)
	}
	return out, nil
}

// Split breaks a script into statements on ';' line ends, dropping
// comment-only lines. Statements must not contain ';' inside literals.
func Split(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
			out = append(out, stmt)
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
