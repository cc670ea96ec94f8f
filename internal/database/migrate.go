package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL for the given embedding dimension.
func Schema(dimension int) string {
	return strings.ReplaceAll(schemaSQL, "{{DIMENSION}}", strconv.Itoa(dimension))
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	if _, err := db.ExecContext(ctx, Schema(dimension)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
