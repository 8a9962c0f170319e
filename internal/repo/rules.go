package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentpm/internal/domain"
)

const ruleColumns = `id,project_id,code,name,category,level,descriptor_json,params_json,applies_to_json,kinds_json,targets_json,enabled`

func scanRule(row rowScanner) (domain.Rule, error) {
	var (
		r                         domain.Rule
		descriptor, params        string
		appliesTo, kinds, targets string
		enabled                   int
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.Code, &r.Name, &r.Category, &r.Level,
		&descriptor, &params, &appliesTo, &kinds, &targets, &enabled)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Enabled = enabled != 0
	for _, f := range []struct {
		raw string
		dst any
	}{
		{descriptor, &r.Descriptor},
		{params, &r.Params},
		{appliesTo, &r.AppliesTo},
		{kinds, &r.Kinds},
		{targets, &r.Targets},
	} {
		if err := fromJSON(f.raw, f.dst); err != nil {
			return r, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func (r Repo) listRules(ctx context.Context, projectID string, enabledOnly bool) ([]domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE project_id=?`
	if enabledOnly {
		query += ` AND enabled=1`
	}
	query += ` ORDER BY code`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// ListEnabledRules returns the project's enabled rules ordered by code.
func (r Repo) ListEnabledRules(ctx context.Context, projectID string) ([]domain.Rule, error) {
	return r.listRules(ctx, projectID, true)
}

func (r Repo) ListRules(ctx context.Context, projectID string) ([]domain.Rule, error) {
	return r.listRules(ctx, projectID, false)
}

// SeedRules installs the default catalog for a project exactly once. The
// rule_seeds flag is written in the same transaction as the rules, so
// concurrent callers race on one row and only the first seeds. It reports
// whether this call performed the seeding.
func (r Repo) SeedRules(ctx context.Context, projectID string, catalog []domain.Rule) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var seeded int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_seeds WHERE project_id=?`, projectID).Scan(&seeded); err != nil {
		return false, err
	}
	if seeded > 0 {
		return false, nil
	}
	for _, rule := range catalog {
		if err := insertRule(ctx, tx, projectID, rule); err != nil {
			return false, err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rule_seeds(project_id,seeded_at,rule_count) VALUES (?,?,?)`,
		projectID, formatTime(time.Now()), len(catalog))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// IsSeeded reports whether the default catalog was installed for projectID.
func (r Repo) IsSeeded(ctx context.Context, projectID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_seeds WHERE project_id=?`, projectID).Scan(&n)
	return n > 0, err
}

// UpsertRule inserts or replaces a single rule by (project, code).
func (r Repo) UpsertRule(ctx context.Context, rule domain.Rule) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE project_id=? AND code=?`, rule.ProjectID, rule.Code); err != nil {
		return err
	}
	if err := insertRule(ctx, tx, rule.ProjectID, rule); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) SetRuleEnabled(ctx context.Context, projectID, code string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET enabled=? WHERE project_id=? AND code=?`, flag, projectID, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertRule(ctx context.Context, tx *sql.Tx, projectID string, rule domain.Rule) error {
	if rule.ID == "" {
		rule.ID = projectID + ":" + rule.Code
	}
	encoded := make([]string, 0, 5)
	for _, v := range []any{rule.Descriptor, nonNilMap(rule.Params), nonNilSlice(rule.AppliesTo), nonNilSlice(rule.Kinds), nonNilSlice(rule.Targets)} {
		s, err := toJSON(v)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		encoded = append(encoded, s)
	}
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id, code) DO NOTHING`,
		rule.ID, projectID, rule.Code, rule.Name, rule.Category, string(rule.Level),
		encoded[0], encoded[1], encoded[2], encoded[3], encoded[4], enabled)
	return err
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
