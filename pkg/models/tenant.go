package models

// TenantContext is the validated (client account, engagement, user) triple
// the auth layer hands to the orchestrator. Every data access is scoped by
// ClientAccountID and EngagementID.
type TenantContext struct {
	ClientAccountID string `json:"client_account_id"`
	EngagementID    string `json:"engagement_id"`
	UserID          string `json:"user_id"`
}

// Complete reports whether both tenant identifiers are present.
func (t TenantContext) Complete() bool {
	return t.ClientAccountID != "" && t.EngagementID != ""
}
