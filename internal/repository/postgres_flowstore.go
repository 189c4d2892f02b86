package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"migrateiq/backend/pkg/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every statement
// works inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresFlowStore is the PostgreSQL implementation of the FlowStore
// interface.
type PostgresFlowStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresFlowStore creates a new PostgresFlowStore.
func NewPostgresFlowStore(pool *pgxpool.Pool) *PostgresFlowStore {
	return &PostgresFlowStore{pool: pool, q: pool}
}

// InTx implements FlowStore. Nested calls join the enclosing transaction.
func (s *PostgresFlowStore) InTx(ctx context.Context, fn func(FlowStore) error) error {
	if s.inTx {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresFlowStore{pool: s.pool, q: tx, inTx: true})
	})
}

// CreateFlow implements FlowStore.
func (s *PostgresFlowStore) CreateFlow(ctx context.Context, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	transitions, err := json.Marshal(master.PhaseTransitions)
	if err != nil {
		return fmt.Errorf("marshal phase_transitions: %w", err)
	}
	history, err := json.Marshal(master.ErrorHistory)
	if err != nil {
		return fmt.Errorf("marshal error_history: %w", err)
	}
	if _, err := s.q.Exec(ctx, `
		INSERT INTO master_flows
			(flow_id, flow_type, client_account_id, engagement_id, lifecycle_status,
			 phase_transitions, error_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		master.FlowID, master.FlowType, master.ClientAccountID, master.EngagementID,
		master.Status, transitions, history, master.CreatedAt, master.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert master flow: %w", err)
	}

	table, err := childTable(child.FlowType)
	if err != nil {
		return err
	}
	completion, err := json.Marshal(child.PhaseCompletion)
	if err != nil {
		return fmt.Errorf("marshal phase_completion: %w", err)
	}
	if _, err := s.q.Exec(ctx, `
		INSERT INTO `+table+`
			(id, master_flow_id, client_account_id, engagement_id, current_phase,
			 phase_completion, progress_percentage, status, error_message,
			 error_details, domain_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		child.ID, child.MasterFlowID, child.ClientAccountID, child.EngagementID,
		child.CurrentPhase, completion, child.ProgressPercentage, child.Status,
		child.ErrorMessage, child.ErrorDetails, child.DomainPayload,
		child.CreatedAt, child.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert child flow: %w", err)
	}
	return nil
}

const masterColumns = `flow_id, flow_type, client_account_id, engagement_id,
	lifecycle_status, phase_transitions, error_history, created_at, updated_at`

func scanMaster(row pgx.Row) (*models.MasterFlowRecord, error) {
	var m models.MasterFlowRecord
	var transitions, history []byte
	err := row.Scan(&m.FlowID, &m.FlowType, &m.ClientAccountID, &m.EngagementID,
		&m.Status, &transitions, &history, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(transitions, &m.PhaseTransitions); err != nil {
		return nil, fmt.Errorf("unmarshal phase_transitions: %w", err)
	}
	if err := json.Unmarshal(history, &m.ErrorHistory); err != nil {
		return nil, fmt.Errorf("unmarshal error_history: %w", err)
	}
	return &m, nil
}

// GetMasterFlow implements FlowStore.
func (s *PostgresFlowStore) GetMasterFlow(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlowRecord, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+masterColumns+`
		FROM master_flows
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		flowID, tenant.ClientAccountID, tenant.EngagementID)
	return scanMaster(row)
}

func scanChild(row pgx.Row, flowType models.FlowType) (*models.ChildFlowRecord, error) {
	var c models.ChildFlowRecord
	var completion []byte
	err := row.Scan(&c.ID, &c.MasterFlowID, &c.ClientAccountID, &c.EngagementID,
		&c.CurrentPhase, &completion, &c.ProgressPercentage, &c.Status,
		&c.ErrorMessage, &c.ErrorDetails, &c.DomainPayload, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(completion, &c.PhaseCompletion); err != nil {
		return nil, fmt.Errorf("unmarshal phase_completion: %w", err)
	}
	c.FlowType = flowType
	return &c, nil
}

const childColumns = `id, master_flow_id, client_account_id, engagement_id,
	current_phase, phase_completion, progress_percentage, status, error_message,
	error_details, domain_payload, created_at, updated_at`

// GetChildFlow implements FlowStore.
func (s *PostgresFlowStore) GetChildFlow(ctx context.Context, tenant models.TenantContext, flowType models.FlowType, masterFlowID string) (*models.ChildFlowRecord, error) {
	table, err := childTable(flowType)
	if err != nil {
		return nil, err
	}
	row := s.q.QueryRow(ctx, `
		SELECT `+childColumns+`
		FROM `+table+`
		WHERE master_flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		masterFlowID, tenant.ClientAccountID, tenant.EngagementID)
	return scanChild(row, flowType)
}

// UpdateMasterFlow implements FlowStore. Tenant identity and created_at are
// never part of the update.
func (s *PostgresFlowStore) UpdateMasterFlow(ctx context.Context, tenant models.TenantContext, master *models.MasterFlowRecord) error {
	transitions, err := json.Marshal(master.PhaseTransitions)
	if err != nil {
		return fmt.Errorf("marshal phase_transitions: %w", err)
	}
	history, err := json.Marshal(master.ErrorHistory)
	if err != nil {
		return fmt.Errorf("marshal error_history: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE master_flows
		SET lifecycle_status = $1, phase_transitions = $2, error_history = $3, updated_at = $4
		WHERE flow_id = $5 AND client_account_id = $6 AND engagement_id = $7`,
		master.Status, transitions, history, master.UpdatedAt,
		master.FlowID, tenant.ClientAccountID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("update master flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateChildFields implements FlowStore.
func (s *PostgresFlowStore) UpdateChildFields(ctx context.Context, tenant models.TenantContext, flowType models.FlowType, masterFlowID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	table, err := childTable(flowType)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+3)
	for _, key := range keys {
		value := fields[key]
		switch key {
		case FieldCurrentPhase, FieldStatus, FieldProgress, FieldErrorMessage,
			FieldErrorDetails, FieldDomainPayload, FieldUpdatedAt:
			args = append(args, value)
		case FieldPhaseCompletion:
			encoded, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("marshal phase_completion: %w", err)
			}
			args = append(args, encoded)
		default:
			return fmt.Errorf("unknown child field %q", key)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", key, len(args)))
	}

	args = append(args, masterFlowID, tenant.ClientAccountID, tenant.EngagementID)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE master_flow_id = $%d AND client_account_id = $%d AND engagement_id = $%d`,
		table, strings.Join(sets, ", "), len(args)-2, len(args)-1, len(args))

	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update child fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFlows implements FlowStore.
func (s *PostgresFlowStore) ListFlows(ctx context.Context, tenant models.TenantContext) ([]*models.MasterFlowRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+masterColumns+`
		FROM master_flows
		WHERE client_account_id = $1 AND engagement_id = $2
		ORDER BY created_at`,
		tenant.ClientAccountID, tenant.EngagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMasters(rows)
}

// ListActiveFlows implements FlowStore.
func (s *PostgresFlowStore) ListActiveFlows(ctx context.Context, tenant models.TenantContext, flowType models.FlowType) ([]*models.ChildFlowRecord, error) {
	table, err := childTable(flowType)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, `
		SELECT `+childColumns+`
		FROM `+table+`
		WHERE client_account_id = $1 AND engagement_id = $2
		  AND status NOT IN ('completed','failed','cancelled')
		ORDER BY created_at`,
		tenant.ClientAccountID, tenant.EngagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ChildFlowRecord
	for rows.Next() {
		c, err := scanChild(rows, flowType)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const staleFilter = `client_account_id = $1 AND engagement_id = $2
	AND lifecycle_status IN ('running','paused') AND updated_at < $3`

// ListStaleFlows implements FlowStore.
func (s *PostgresFlowStore) ListStaleFlows(ctx context.Context, tenant models.TenantContext, cutoff time.Time) ([]*models.MasterFlowRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+masterColumns+`
		FROM master_flows
		WHERE `+staleFilter+`
		ORDER BY updated_at`,
		tenant.ClientAccountID, tenant.EngagementID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMasters(rows)
}

// CountStaleFlows implements FlowStore.
func (s *PostgresFlowStore) CountStaleFlows(ctx context.Context, tenant models.TenantContext, cutoff time.Time) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM master_flows WHERE `+staleFilter,
		tenant.ClientAccountID, tenant.EngagementID, cutoff).Scan(&count)
	return count, err
}

// DeleteFlow implements FlowStore. Child rows go with the master via the
// foreign-key cascade.
func (s *PostgresFlowStore) DeleteFlow(ctx context.Context, tenant models.TenantContext, flowID string) error {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM master_flows
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		flowID, tenant.ClientAccountID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAudit implements FlowStore.
func (s *PostgresFlowStore) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO flow_audit
			(id, client_account_id, engagement_id, flow_id, action, detail, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ClientAccountID, rec.EngagementID, rec.FlowID,
		rec.Action, rec.Detail, rec.Actor, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// BackfillChildStatuses repairs legacy child rows whose status column holds
// a phase name instead of a lifecycle value. Each corrected row takes its
// master's lifecycle_status, an audit record is written per row before the
// rewrite, and the remaining defect count is re-queried afterwards; a
// non-zero remainder is an error. The correction is monotonic: valid rows
// are never touched.
func (s *PostgresFlowStore) BackfillChildStatuses(ctx context.Context, flowType models.FlowType) (int, error) {
	table, err := childTable(flowType)
	if err != nil {
		return 0, err
	}

	invalidFilter := `status NOT IN ` + statusCheck
	var corrected int
	err = s.InTx(ctx, func(txStore FlowStore) error {
		tx := txStore.(*PostgresFlowStore)

		if _, err := tx.q.Exec(ctx, `
			INSERT INTO flow_audit (id, client_account_id, engagement_id, flow_id, action, detail, actor, created_at)
			SELECT gen_random_uuid(), c.client_account_id, c.engagement_id, c.master_flow_id,
			       'status_backfill', 'invalid status '''||c.status||''' replaced with master lifecycle_status', 'backfill', now()
			FROM `+table+` c WHERE c.`+invalidFilter,
		); err != nil {
			return fmt.Errorf("audit backfill candidates: %w", err)
		}

		tag, err := tx.q.Exec(ctx, `
			UPDATE `+table+` c
			SET status = m.lifecycle_status, updated_at = now()
			FROM master_flows m
			WHERE c.master_flow_id = m.flow_id AND c.`+invalidFilter,
		)
		if err != nil {
			return fmt.Errorf("backfill child statuses: %w", err)
		}
		corrected = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}

	var remaining int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE `+invalidFilter).Scan(&remaining); err != nil {
		return corrected, fmt.Errorf("verify backfill: %w", err)
	}
	if remaining != 0 {
		return corrected, fmt.Errorf("%d rows in %s still carry an invalid status after backfill", remaining, table)
	}
	return corrected, nil
}

func collectMasters(rows pgx.Rows) ([]*models.MasterFlowRecord, error) {
	var out []*models.MasterFlowRecord
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
