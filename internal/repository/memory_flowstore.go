package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"migrateiq/backend/pkg/models"
)

// MemoryFlowStore is an in-memory FlowStore used by orchestration unit tests
// and local development. Transactions are simulated with a snapshot that is
// restored when fn fails, which preserves the all-or-nothing contract.
type MemoryFlowStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	masters  map[string]*models.MasterFlowRecord
	children map[string]*models.ChildFlowRecord
	audits   []*models.AuditRecord

	// WriteCount increments on every mutating statement. Tests use it to
	// assert that unchanged fields produce zero writes.
	WriteCount int
}

// NewMemoryFlowStore creates an empty in-memory store.
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		masters:  make(map[string]*models.MasterFlowRecord),
		children: make(map[string]*models.ChildFlowRecord),
	}
}

func (s *MemoryFlowStore) snapshot() (map[string]*models.MasterFlowRecord, map[string]*models.ChildFlowRecord, []*models.AuditRecord) {
	masters := make(map[string]*models.MasterFlowRecord, len(s.masters))
	for k, v := range s.masters {
		masters[k] = copyMaster(v)
	}
	children := make(map[string]*models.ChildFlowRecord, len(s.children))
	for k, v := range s.children {
		children[k] = copyChild(v)
	}
	audits := make([]*models.AuditRecord, len(s.audits))
	copy(audits, s.audits)
	return masters, children, audits
}

// InTx implements FlowStore. Concurrent transactions are serialized.
func (s *MemoryFlowStore) InTx(ctx context.Context, fn func(FlowStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	masters, children, audits := s.snapshot()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.masters = masters
		s.children = children
		s.audits = audits
		s.mu.Unlock()
		return err
	}
	return nil
}

// CreateFlow implements FlowStore.
func (s *MemoryFlowStore) CreateFlow(ctx context.Context, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.masters[master.FlowID]; exists {
		return fmt.Errorf("flow %s already exists", master.FlowID)
	}
	s.masters[master.FlowID] = copyMaster(master)
	s.children[child.MasterFlowID] = copyChild(child)
	s.WriteCount++
	return nil
}

// GetMasterFlow implements FlowStore.
func (s *MemoryFlowStore) GetMasterFlow(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[flowID]
	if !ok || !tenantOwns(tenant, m.ClientAccountID, m.EngagementID) {
		return nil, ErrNotFound
	}
	return copyMaster(m), nil
}

// GetChildFlow implements FlowStore.
func (s *MemoryFlowStore) GetChildFlow(ctx context.Context, tenant models.TenantContext, flowType models.FlowType, masterFlowID string) (*models.ChildFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[masterFlowID]
	if !ok || c.FlowType != flowType || !tenantOwns(tenant, c.ClientAccountID, c.EngagementID) {
		return nil, ErrNotFound
	}
	return copyChild(c), nil
}

// UpdateMasterFlow implements FlowStore.
func (s *MemoryFlowStore) UpdateMasterFlow(ctx context.Context, tenant models.TenantContext, master *models.MasterFlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.masters[master.FlowID]
	if !ok || !tenantOwns(tenant, existing.ClientAccountID, existing.EngagementID) {
		return ErrNotFound
	}
	updated := copyMaster(master)
	// Tenant identity is immutable.
	updated.ClientAccountID = existing.ClientAccountID
	updated.EngagementID = existing.EngagementID
	updated.CreatedAt = existing.CreatedAt
	s.masters[master.FlowID] = updated
	s.WriteCount++
	return nil
}

// UpdateChildFields implements FlowStore.
func (s *MemoryFlowStore) UpdateChildFields(ctx context.Context, tenant models.TenantContext, flowType models.FlowType, masterFlowID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[masterFlowID]
	if !ok || c.FlowType != flowType || !tenantOwns(tenant, c.ClientAccountID, c.EngagementID) {
		return ErrNotFound
	}
	for key, value := range fields {
		switch key {
		case FieldCurrentPhase:
			c.CurrentPhase = value.(string)
		case FieldStatus:
			c.Status = value.(models.FlowStatus)
		case FieldProgress:
			c.ProgressPercentage = value.(int)
		case FieldPhaseCompletion:
			c.PhaseCompletion = copyCompletion(value.(map[string]bool))
		case FieldErrorMessage:
			if value == nil {
				c.ErrorMessage = nil
			} else {
				msg := value.(string)
				c.ErrorMessage = &msg
			}
		case FieldErrorDetails:
			c.ErrorDetails = copyBytes(value.([]byte))
		case FieldDomainPayload:
			c.DomainPayload = copyBytes(value.([]byte))
		case FieldUpdatedAt:
			c.UpdatedAt = value.(time.Time)
		default:
			return fmt.Errorf("unknown child field %q", key)
		}
	}
	s.WriteCount++
	return nil
}

// ListFlows implements FlowStore.
func (s *MemoryFlowStore) ListFlows(ctx context.Context, tenant models.TenantContext) ([]*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MasterFlowRecord
	for _, m := range s.masters {
		if tenantOwns(tenant, m.ClientAccountID, m.EngagementID) {
			out = append(out, copyMaster(m))
		}
	}
	return out, nil
}

// ListActiveFlows implements FlowStore.
func (s *MemoryFlowStore) ListActiveFlows(ctx context.Context, tenant models.TenantContext, flowType models.FlowType) ([]*models.ChildFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ChildFlowRecord
	for _, c := range s.children {
		if c.FlowType == flowType && !c.Status.Terminal() && tenantOwns(tenant, c.ClientAccountID, c.EngagementID) {
			out = append(out, copyChild(c))
		}
	}
	return out, nil
}

// ListStaleFlows implements FlowStore.
func (s *MemoryFlowStore) ListStaleFlows(ctx context.Context, tenant models.TenantContext, cutoff time.Time) ([]*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MasterFlowRecord
	for _, m := range s.masters {
		if isStale(m, cutoff) && tenantOwns(tenant, m.ClientAccountID, m.EngagementID) {
			out = append(out, copyMaster(m))
		}
	}
	return out, nil
}

// CountStaleFlows implements FlowStore.
func (s *MemoryFlowStore) CountStaleFlows(ctx context.Context, tenant models.TenantContext, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.masters {
		if isStale(m, cutoff) && tenantOwns(tenant, m.ClientAccountID, m.EngagementID) {
			count++
		}
	}
	return count, nil
}

// DeleteFlow implements FlowStore.
func (s *MemoryFlowStore) DeleteFlow(ctx context.Context, tenant models.TenantContext, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[flowID]
	if !ok || !tenantOwns(tenant, m.ClientAccountID, m.EngagementID) {
		return ErrNotFound
	}
	delete(s.masters, flowID)
	delete(s.children, flowID)
	s.WriteCount++
	return nil
}

// AppendAudit implements FlowStore.
func (s *MemoryFlowStore) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.audits = append(s.audits, &cp)
	s.WriteCount++
	return nil
}

// Audits returns the recorded audit entries; test helper.
func (s *MemoryFlowStore) Audits() []*models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}

func isStale(m *models.MasterFlowRecord, cutoff time.Time) bool {
	if m.Status != models.FlowStatusRunning && m.Status != models.FlowStatusPaused {
		return false
	}
	return m.UpdatedAt.Before(cutoff)
}

func tenantOwns(tenant models.TenantContext, clientAccountID, engagementID string) bool {
	return tenant.ClientAccountID == clientAccountID && tenant.EngagementID == engagementID
}

func copyMaster(m *models.MasterFlowRecord) *models.MasterFlowRecord {
	cp := *m
	cp.PhaseTransitions = make([]models.PhaseTransition, len(m.PhaseTransitions))
	copy(cp.PhaseTransitions, m.PhaseTransitions)
	for i := range cp.PhaseTransitions {
		if m.PhaseTransitions[i].ExitedAt != nil {
			t := *m.PhaseTransitions[i].ExitedAt
			cp.PhaseTransitions[i].ExitedAt = &t
		}
	}
	cp.ErrorHistory = make([]models.FlowError, len(m.ErrorHistory))
	copy(cp.ErrorHistory, m.ErrorHistory)
	return &cp
}

func copyChild(c *models.ChildFlowRecord) *models.ChildFlowRecord {
	cp := *c
	cp.PhaseCompletion = copyCompletion(c.PhaseCompletion)
	cp.ErrorDetails = copyBytes(c.ErrorDetails)
	cp.DomainPayload = copyBytes(c.DomainPayload)
	if c.ErrorMessage != nil {
		msg := *c.ErrorMessage
		cp.ErrorMessage = &msg
	}
	return &cp
}

func copyCompletion(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
