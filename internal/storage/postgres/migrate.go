package postgres

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schema string

func (s *Postgres) Migrate() error {
	stmts := strings.Split(schema, ";")

	for _, stmt := range stmts {
		st := strings.TrimSpace(stmt)
		if st == "" {
			continue
		}
		if _, err := s.Db.Exec(st); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
