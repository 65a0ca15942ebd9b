package audit

import (
	"context"
	"errors"
	"time"
)

// EntityType is the closed set of record kinds an audit entry can reference.
type EntityType string

const (
	EntityUser                  EntityType = "user"
	EntityLead                  EntityType = "lead"
	EntityClient                EntityType = "client"
	EntityClientContact         EntityType = "client_contact"
	EntityTicket                EntityType = "ticket"
	EntityPayment               EntityType = "payment"
	EntitySubscription          EntityType = "subscription"
	EntitySingleCharge          EntityType = "single_charge"
	EntityCredential            EntityType = "credential"
	EntityWhatsApp              EntityType = "whatsapp"
	EntitySession               EntityType = "session"
	EntityRole                  EntityType = "role"
	EntityDevelopmentProject    EntityType = "development_project"
	EntityDevelopmentProjectLog EntityType = "development_project_log"
)

// Valid reports whether e is a member of the closed set.
func (e EntityType) Valid() bool {
	switch e {
	case EntityUser, EntityLead, EntityClient, EntityClientContact, EntityTicket, EntityPayment,
		EntitySubscription, EntitySingleCharge, EntityCredential, EntityWhatsApp, EntitySession,
		EntityRole, EntityDevelopmentProject, EntityDevelopmentProjectLog:
		return true
	}
	return false
}

// Action is the closed set of audited verbs.
type Action string

const (
	ActionCreate      Action = "create"
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionDecrypt     Action = "decrypt"
	ActionLogin       Action = "login"
	ActionLogout      Action = "logout"
	ActionFailedLogin Action = "failed_login"
)

// Valid reports whether a is a member of the closed set.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionDecrypt,
		ActionLogin, ActionLogout, ActionFailedLogin:
		return true
	}
	return false
}

// Sensitive reports whether losing an entry of this action is a compliance defect.
func (a Action) Sensitive() bool {
	switch a {
	case ActionDecrypt, ActionLogin, ActionFailedLogin, ActionLogout:
		return true
	}
	return false
}

// Metadata keys with defined meaning.
const (
	KeyBefore    = "before"
	KeyAfter     = "after"
	KeyIPAddress = "ip_address"
	KeyUserAgent = "user_agent"
	KeyContext   = "context"
)

// Metadata is the free-form JSON payload stored with an entry.
type Metadata map[string]any

// Event is what callers hand to the writer.
type Event struct {
	// UserID is the acting user; empty for system-initiated events.
	UserID     string
	EntityType EntityType
	EntityID   string
	Action     Action
	Metadata   Metadata
}

// Entry is an immutable persisted audit record.
type Entry struct {
	ID         string     `json:"id"`
	UserID     *string    `json:"user_id,omitempty"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Action     Action     `json:"action"`
	Metadata   Metadata   `json:"metadata"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Filter narrows Query results. Zero values mean "any".
type Filter struct {
	EntityType EntityType
	EntityID   string
	UserID     string
	Action     Action
	Before     time.Time
	// BeforeID breaks ties between entries sharing Before. It is only
	// honored together with Before.
	BeforeID   string
	Limit      int
}

// Store persists entries. Implementations expose no update or delete.
type Store interface {
	AppendAudit(ctx context.Context, entry *Entry) error
	QueryAudit(ctx context.Context, filter Filter) ([]Entry, error)
}

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrWriteFailed  = errors.New("audit: write failed")
)
