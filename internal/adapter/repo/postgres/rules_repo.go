package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// RuleRepo persists and loads rules and their actions. Rules are managed by
// the admin API and read-only to the workers.
type RuleRepo struct{ Pool PgxPool }

// NewRuleRepo constructs a RuleRepo with the given pool.
func NewRuleRepo(p PgxPool) *RuleRepo { return &RuleRepo{Pool: p} }

// Create inserts a rule with its actions in one transaction and returns the
// new rule id.
func (r *RuleRepo) Create(ctx domain.Context, rule domain.Rule) (string, error) {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.Create")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=rule.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	q := `INSERT INTO rules (name, enabled, match_source, match_type, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,now(),now()) RETURNING id`
	if err := tx.QueryRow(ctx, q, rule.Name, rule.Enabled, rule.Match.Source, rule.Match.Type).Scan(&id); err != nil {
		return "", fmt.Errorf("op=rule.create: %w", err)
	}
	if err := insertActions(ctx, tx, id, rule.Actions); err != nil {
		return "", fmt.Errorf("op=rule.create: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=rule.create: %w", err)
	}
	return id, nil
}

// Get loads one rule with its actions.
func (r *RuleRepo) Get(ctx domain.Context, id string) (domain.Rule, error) {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT id, name, enabled, match_source, match_type FROM rules WHERE id=$1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Rule{}, fmt.Errorf("op=rule.get: %w", domain.ErrNotFound)
		}
		return domain.Rule{}, fmt.Errorf("op=rule.get: %w", err)
	}
	actions, err := r.actionsFor(ctx, []string{id})
	if err != nil {
		return domain.Rule{}, fmt.Errorf("op=rule.get: %w", err)
	}
	rule.Actions = actions[id]
	return rule, nil
}

// Update rewrites the rule row and, when replaceActions is set, swaps the
// action list in the same transaction.
func (r *RuleRepo) Update(ctx domain.Context, rule domain.Rule, replaceActions bool) error {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.Update")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=rule.update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE rules SET name=$2, enabled=$3, match_source=$4, match_type=$5, updated_at=now() WHERE id=$1`,
		rule.ID, rule.Name, rule.Enabled, rule.Match.Source, rule.Match.Type)
	if err != nil {
		return fmt.Errorf("op=rule.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=rule.update: %w", domain.ErrNotFound)
	}
	if replaceActions {
		if _, err := tx.Exec(ctx, `DELETE FROM rule_actions WHERE rule_id=$1`, rule.ID); err != nil {
			return fmt.Errorf("op=rule.update: %w", err)
		}
		if err := insertActions(ctx, tx, rule.ID, rule.Actions); err != nil {
			return fmt.Errorf("op=rule.update: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=rule.update: %w", err)
	}
	return nil
}

// List loads rules newest first, optionally filtered by enabled, with their
// actions attached.
func (r *RuleRepo) List(ctx domain.Context, enabled *bool) ([]domain.Rule, error) {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.List")
	defer span.End()

	q := `SELECT id, name, enabled, match_source, match_type FROM rules`
	args := []any{}
	if enabled != nil {
		q += ` WHERE enabled=$1`
		args = append(args, *enabled)
	}
	q += ` ORDER BY created_at DESC`
	return r.listRules(ctx, q, args...)
}

// ListEnabled loads enabled rules with actions sorted by (rule_id, order_no);
// this is the read the fan-out consumer performs per event.
func (r *RuleRepo) ListEnabled(ctx domain.Context) ([]domain.Rule, error) {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.ListEnabled")
	defer span.End()
	return r.listRules(ctx, `SELECT id, name, enabled, match_source, match_type FROM rules WHERE enabled=true ORDER BY created_at ASC`)
}

func (r *RuleRepo) listRules(ctx domain.Context, q string, args ...any) ([]domain.Rule, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=rule.list: %w", err)
	}
	defer rows.Close()
	var rules []domain.Rule
	var ids []string
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("op=rule.list: %w", err)
		}
		rules = append(rules, rule)
		ids = append(ids, rule.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=rule.list: %w", err)
	}
	if len(ids) == 0 {
		return rules, nil
	}
	actions, err := r.actionsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=rule.list: %w", err)
	}
	for i := range rules {
		rules[i].Actions = actions[rules[i].ID]
	}
	return rules, nil
}

func (r *RuleRepo) actionsFor(ctx domain.Context, ruleIDs []string) (map[string][]domain.RuleAction, error) {
	q := `SELECT id, rule_id, kind, config, order_no FROM rule_actions WHERE rule_id = ANY($1) ORDER BY rule_id, order_no`
	rows, err := r.Pool.Query(ctx, q, ruleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]domain.RuleAction, len(ruleIDs))
	for rows.Next() {
		var a domain.RuleAction
		var config []byte
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Kind, &config, &a.OrderNo); err != nil {
			return nil, err
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &a.Config); err != nil {
				return nil, err
			}
		}
		out[a.RuleID] = append(out[a.RuleID], a)
	}
	return out, rows.Err()
}

func insertActions(ctx domain.Context, tx pgx.Tx, ruleID string, actions []domain.RuleAction) error {
	for _, a := range actions {
		config, err := json.Marshal(a.Config)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO rule_actions (rule_id, kind, config, order_no) VALUES ($1,$2,$3,$4)`,
			ruleID, a.Kind, config, a.OrderNo); err != nil {
			return err
		}
	}
	return nil
}

func scanRule(row pgx.Row) (domain.Rule, error) {
	var rule domain.Rule
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Enabled, &rule.Match.Source, &rule.Match.Type); err != nil {
		return domain.Rule{}, err
	}
	return rule, nil
}
