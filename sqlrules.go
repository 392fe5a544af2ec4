package cfw

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// DefaultRuleQuery selects enabled rules from a detection_rules table:
//
//	CREATE TABLE detection_rules (
//	    id       SERIAL PRIMARY KEY,
//	    category VARCHAR(16) NOT NULL CHECK (category IN ('protocol', 'threat', 'llm')),
//	    label    VARCHAR(100) NOT NULL,
//	    pattern  VARCHAR(500) NOT NULL,
//	    weight   DOUBLE PRECISION,
//	    provider VARCHAR(50),
//	    risk     VARCHAR(16),
//	    enabled  BOOLEAN NOT NULL DEFAULT true
//	);
const DefaultRuleQuery = `SELECT category, label, pattern, weight, provider, risk
FROM detection_rules WHERE enabled = true ORDER BY id`

// ruleRow is one database row. Nullable columns are pointers so NULLs
// scan cleanly.
type ruleRow struct {
	Category string   `db:"category"`
	Label    string   `db:"label"`
	Pattern  string   `db:"pattern"`
	Weight   *float64 `db:"weight"`
	Provider *string  `db:"provider"`
	Risk     *string  `db:"risk"`
}

// SQLRuleLoader loads rules from a SQL database. The query must return
// category, label, pattern, weight, provider and risk columns; weight,
// provider and risk may be NULL. Pair it with ReloadableRules and
// StartAutoReload to pick up rule changes without a restart.
//
// The loader is driver-agnostic. Import the driver where the connection
// is opened, not here.
type SQLRuleLoader struct {
	DB    *sqlx.DB
	Query string

	// IncludeDefaults prepends the built-in catalog to the database
	// rules, so the table extends rather than replaces it.
	IncludeDefaults bool
}

// NewSQLRuleLoader creates a loader using DefaultRuleQuery.
func NewSQLRuleLoader(db *sqlx.DB) *SQLRuleLoader {
	return &SQLRuleLoader{DB: db, Query: DefaultRuleQuery}
}

// Load implements RuleLoader.
func (l *SQLRuleLoader) Load(ctx context.Context) ([]Rule, error) {
	var rows []ruleRow
	if err := l.DB.SelectContext(ctx, &rows, l.Query); err != nil {
		return nil, fmt.Errorf("load rules from database: %w", err)
	}
	rules := rulesFromRows(rows)
	if l.IncludeDefaults {
		rules = append(DefaultRules(), rules...)
	}
	return rules, nil
}

func rulesFromRows(rows []ruleRow) []Rule {
	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		r := Rule{
			Category: Category(row.Category),
			Label:    row.Label,
			Pattern:  row.Pattern,
		}
		if row.Weight != nil {
			r.Weight = *row.Weight
		}
		if row.Provider != nil {
			r.Provider = *row.Provider
		}
		if row.Risk != nil {
			r.Risk = *row.Risk
		}
		rules = append(rules, r)
	}
	return rules
}
