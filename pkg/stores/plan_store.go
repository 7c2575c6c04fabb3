package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/preservo/preservo/pkg/engine"
)

const planColumns = `id, name, description, owner_id, kind, source_format, target_format, condition,
	status, active_path_id, last_error, waiting_for, wait_confirmed, created_at, updated_at`

const itemColumns = `plan_id, position, object_id, identifier, status, error, result_identifier,
	hop_index, pending_token, updated_at`

const deliveryColumns = `id, object_identifier, owner_id, source_format, target_format, destination, status,
	paths, active_path_id, hop_index, pending_token, result_location, error, waiting_for, wait_confirmed,
	created_at, updated_at`

func planNotFound(id string) error {
	return fmt.Errorf("%w: %s", engine.ErrPlanNotFound, id)
}

// CreateMigrationPlan stores the plan with its paths and items in one transaction.
func (s *SQLiteStore) CreateMigrationPlan(ctx context.Context, plan *engine.MigrationPlan) error {
	condition, err := json.Marshal(plan.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO migration_plans (`+planColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID,
			plan.Name,
			plan.Description,
			plan.OwnerID,
			string(plan.Kind),
			plan.SourceFormat,
			plan.TargetFormat,
			string(condition),
			string(plan.Status),
			plan.ActivePathID,
			plan.LastError,
			plan.WaitingFor,
			plan.WaitConfirmed,
			plan.CreatedAt,
			plan.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}

		for _, path := range plan.Paths {
			hops, err := json.Marshal(path.Hops)
			if err != nil {
				return fmt.Errorf("failed to marshal path %s: %w", path.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO plan_paths (id, plan_id, position, hops) VALUES (?, ?, ?, ?)`,
				path.ID, plan.ID, path.Position, string(hops),
			); err != nil {
				return fmt.Errorf("failed to create path %s: %w", path.ID, err)
			}
		}

		for _, item := range plan.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO plan_items (`+itemColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				plan.ID,
				item.Position,
				int64(item.ObjectID),
				item.Identifier,
				string(item.Status),
				item.Error,
				item.ResultIdentifier,
				item.HopIndex,
				item.PendingToken,
				item.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to create item %s: %w", item.Identifier, err)
			}
		}
		return nil
	})
}

// GetMigrationPlan returns the plan with its paths and items.
func (s *SQLiteStore) GetMigrationPlan(ctx context.Context, id string) (*engine.MigrationPlan, error) {
	plan, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM migration_plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, planNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if plan.Paths, err = s.planPaths(ctx, id); err != nil {
		return nil, err
	}
	if plan.Items, err = s.planItems(ctx, id); err != nil {
		return nil, err
	}
	return plan, nil
}

// ListMigrationPlans returns plans without paths and items, newest first.
func (s *SQLiteStore) ListMigrationPlans(ctx context.Context, status engine.PlanStatus) ([]*engine.MigrationPlan, error) {
	query := `SELECT ` + planColumns + ` FROM migration_plans`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.MigrationPlan{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*engine.MigrationPlan, error) {
	plan := &engine.MigrationPlan{}
	var condition string
	if err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.Description,
		&plan.OwnerID,
		&plan.Kind,
		&plan.SourceFormat,
		&plan.TargetFormat,
		&condition,
		&plan.Status,
		&plan.ActivePathID,
		&plan.LastError,
		&plan.WaitingFor,
		&plan.WaitConfirmed,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(condition), &plan.Condition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal condition of %s: %w", plan.ID, err)
	}
	return plan, nil
}

func (s *SQLiteStore) planPaths(ctx context.Context, planID string) ([]engine.MigrationPath, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position, hops FROM plan_paths WHERE plan_id = ? ORDER BY position`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list paths: %w", err)
	}
	defer rows.Close()

	var paths []engine.MigrationPath
	for rows.Next() {
		var path engine.MigrationPath
		var hops string
		if err := rows.Scan(&path.ID, &path.Position, &hops); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		if err := json.Unmarshal([]byte(hops), &path.Hops); err != nil {
			return nil, fmt.Errorf("failed to unmarshal path %s: %w", path.ID, err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating paths: %w", err)
	}
	return paths, nil
}

func (s *SQLiteStore) planItems(ctx context.Context, planID string) ([]engine.PlanItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM plan_items WHERE plan_id = ? ORDER BY position`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []engine.PlanItem
	for rows.Next() {
		var item engine.PlanItem
		if err := rows.Scan(
			&item.PlanID,
			&item.Position,
			&item.ObjectID,
			&item.Identifier,
			&item.Status,
			&item.Error,
			&item.ResultIdentifier,
			&item.HopIndex,
			&item.PendingToken,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// UpdatePlanStatus changes the plan status.
func (s *SQLiteStore) UpdatePlanStatus(ctx context.Context, id string, status engine.PlanStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE migration_plans SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	return expectRows(result, planNotFound(id))
}

// SetActivePath activates a path of the plan and marks the plan ready.
func (s *SQLiteStore) SetActivePath(ctx context.Context, id, pathID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM plan_paths WHERE plan_id = ? AND id = ?`, id, pathID).Scan(&n); err != nil {
			return fmt.Errorf("failed to look up path: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", engine.ErrPathNotFound, pathID)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE migration_plans SET active_path_id = ?, status = ?, updated_at = ? WHERE id = ?`,
			pathID, string(engine.PlanStatusReady), s.now(), id)
		if err != nil {
			return fmt.Errorf("failed to set active path: %w", err)
		}
		return expectRows(result, planNotFound(id))
	})
}

// SetPlanError records the last systemic error.
func (s *SQLiteStore) SetPlanError(ctx context.Context, id, message string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE migration_plans SET last_error = ?, updated_at = ? WHERE id = ?`,
		message, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set plan error: %w", err)
	}
	return expectRows(result, planNotFound(id))
}

// SetPlanWait mirrors the plan's wait registry entry.
func (s *SQLiteStore) SetPlanWait(ctx context.Context, id, key string, confirmed bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE migration_plans SET waiting_for = ?, wait_confirmed = ?, updated_at = ? WHERE id = ?`,
		key, confirmed && key != "", s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set plan wait: %w", err)
	}
	return expectRows(result, planNotFound(id))
}

// UpdatePlanItem stores the item's processing state.
func (s *SQLiteStore) UpdatePlanItem(ctx context.Context, item *engine.PlanItem) error {
	item.UpdatedAt = s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE plan_items
		SET status = ?, error = ?, result_identifier = ?, hop_index = ?, pending_token = ?, updated_at = ?
		WHERE plan_id = ? AND position = ?`,
		string(item.Status),
		item.Error,
		item.ResultIdentifier,
		item.HopIndex,
		item.PendingToken,
		item.UpdatedAt,
		item.PlanID,
		item.Position,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	return expectRows(result, fmt.Errorf("item %d of plan %s not found", item.Position, item.PlanID))
}

// DeleteMigrationPlan removes the plan; paths and items cascade.
func (s *SQLiteStore) DeleteMigrationPlan(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM migration_plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	return expectRows(result, planNotFound(id))
}

// CreateDeliveryPlan stores a delivery plan.
func (s *SQLiteStore) CreateDeliveryPlan(ctx context.Context, plan *engine.DeliveryPlan) error {
	paths, err := json.Marshal(plan.Paths)
	if err != nil {
		return fmt.Errorf("failed to marshal paths: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_plans (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.ObjectIdentifier,
		plan.OwnerID,
		plan.SourceFormat,
		plan.TargetFormat,
		plan.Destination,
		string(plan.Status),
		string(paths),
		plan.ActivePathID,
		plan.HopIndex,
		plan.PendingToken,
		plan.ResultLocation,
		plan.Error,
		plan.WaitingFor,
		plan.WaitConfirmed,
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery plan: %w", err)
	}
	return nil
}

// GetDeliveryPlan returns a delivery plan.
func (s *SQLiteStore) GetDeliveryPlan(ctx context.Context, id string) (*engine.DeliveryPlan, error) {
	plan, err := scanDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM delivery_plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, planNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery plan: %w", err)
	}
	return plan, nil
}

// ListDeliveryPlans returns delivery plans, newest first.
func (s *SQLiteStore) ListDeliveryPlans(ctx context.Context, status engine.DeliveryStatus) ([]*engine.DeliveryPlan, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_plans`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.DeliveryPlan{}
	for rows.Next() {
		plan, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery plan: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery plans: %w", err)
	}
	return plans, nil
}

func scanDelivery(row scanner) (*engine.DeliveryPlan, error) {
	plan := &engine.DeliveryPlan{}
	var paths string
	if err := row.Scan(
		&plan.ID,
		&plan.ObjectIdentifier,
		&plan.OwnerID,
		&plan.SourceFormat,
		&plan.TargetFormat,
		&plan.Destination,
		&plan.Status,
		&paths,
		&plan.ActivePathID,
		&plan.HopIndex,
		&plan.PendingToken,
		&plan.ResultLocation,
		&plan.Error,
		&plan.WaitingFor,
		&plan.WaitConfirmed,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paths), &plan.Paths); err != nil {
		return nil, fmt.Errorf("failed to unmarshal paths of %s: %w", plan.ID, err)
	}
	return plan, nil
}

// UpdateDeliveryPlan stores the delivery's mutable state.
func (s *SQLiteStore) UpdateDeliveryPlan(ctx context.Context, plan *engine.DeliveryPlan) error {
	plan.UpdatedAt = s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_plans
		SET status = ?, active_path_id = ?, hop_index = ?, pending_token = ?, result_location = ?,
			error = ?, waiting_for = ?, wait_confirmed = ?, updated_at = ?
		WHERE id = ?`,
		string(plan.Status),
		plan.ActivePathID,
		plan.HopIndex,
		plan.PendingToken,
		plan.ResultLocation,
		plan.Error,
		plan.WaitingFor,
		plan.WaitConfirmed,
		plan.UpdatedAt,
		plan.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery plan: %w", err)
	}
	return expectRows(result, planNotFound(plan.ID))
}
