package postgres

import (
	"fmt"
	"strings"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// buildWhere translates f into a WHERE clause numbered from startArg.
func buildWhere(f catalog.Filter, startArg int) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	argNum := startArg
	add := func(cond string, arg any) {
		conditions = append(conditions, fmt.Sprintf(cond, argNum))
		args = append(args, arg)
		argNum++
	}

	if f.CaseNumber != "" {
		if f.CasePrefix {
			add(`case_number LIKE $%d ESCAPE '\'`, catalog.EscapeLike(f.CaseNumber)+"%")
		} else {
			add("case_number = $%d", f.CaseNumber)
		}
	}
	if f.UploadedBy != "" {
		add("uploaded_by = $%d", f.UploadedBy)
	}
	if f.From != nil {
		add("ingested_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("ingested_at <= $%d", *f.To)
	}
	if f.MimeType != "" {
		add("mime_type = $%d", f.MimeType)
	}
	switch {
	case f.Status != "":
		add("status = $%d", string(f.Status))
	case !f.IncludeFailed:
		add("status <> $%d", string(model.StatusFailed))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// buildOrderBy only ever emits one of two fixed clauses.
func buildOrderBy(sortOrder string) string {
	if sortOrder == catalog.SortAsc {
		return "ORDER BY ingested_at ASC, cid ASC"
	}
	return "ORDER BY ingested_at DESC, cid ASC"
}
