// Package identity verifies client credentials and maps roles to their
// default event subscriptions.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/schema"
)

// Role classifies a principal's position in the fleet organisation.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleOperations     Role = "operations"
	RoleFinance        Role = "finance"
	RoleRider          Role = "rider"
	RoleRiderApplicant Role = "rider-applicant"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperations, RoleFinance, RoleRider, RoleRiderApplicant:
		return true
	}
	return false
}

// Principal is an authenticated client identity.
type Principal struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
	Role    Role   `json:"role"`
}

// Verifier checks a bearer token and resolves the principal behind it.
// Implementations receive the bare token; transports strip the scheme with
// BearerToken before calling Verify.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// BearerToken extracts the bare credential from an Authorization header
// value. Values without the Bearer scheme pass through unchanged.
func BearerToken(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
}

// DefaultSubscription is a role's automatic subscription, applied when a
// duplex or stream client authenticates.
type DefaultSubscription struct {
	EventTypes []schema.EventType
	// FilterBySubject restricts delivery to events whose payload carries the
	// principal's own subject under this key.
	FilterBySubject string
}

// roleSubscriptions maps each role to the event types it is automatically
// subscribed to on connect. Riders see only their own events.
var roleSubscriptions = map[Role]DefaultSubscription{
	RoleAdmin: {
		EventTypes: []schema.EventType{
			schema.EventRiderStatusChanged,
			schema.EventRiderLocationUpdate,
			schema.EventExpenseSubmitted,
			schema.EventExpenseUpdated,
			schema.EventDocumentUploaded,
			schema.EventDocumentVerified,
			schema.EventBikeStatus,
			schema.EventFleetAlert,
			schema.EventSystemNotification,
		},
	},
	RoleOperations: {
		EventTypes: []schema.EventType{
			schema.EventRiderStatusChanged,
			schema.EventRiderLocationUpdate,
			schema.EventDocumentUploaded,
			schema.EventDocumentVerified,
			schema.EventBikeStatus,
			schema.EventFleetAlert,
		},
	},
	RoleFinance: {
		EventTypes: []schema.EventType{
			schema.EventExpenseSubmitted,
			schema.EventExpenseUpdated,
			schema.EventBudgetAlert,
		},
	},
	RoleRider: {
		EventTypes: []schema.EventType{
			schema.EventExpenseUpdated,
			schema.EventDocumentVerified,
			schema.EventBikeAssigned,
		},
		FilterBySubject: "riderId",
	},
	RoleRiderApplicant: {
		EventTypes: []schema.EventType{
			schema.EventExpenseUpdated,
			schema.EventDocumentVerified,
			schema.EventBikeAssigned,
		},
		FilterBySubject: "riderId",
	},
}

// Defaults returns the automatic subscription for a role. The boolean is
// false for unknown roles.
func Defaults(role Role) (DefaultSubscription, bool) {
	sub, ok := roleSubscriptions[role]
	if !ok {
		return DefaultSubscription{}, false
	}
	out := DefaultSubscription{
		EventTypes:      append([]schema.EventType(nil), sub.EventTypes...),
		FilterBySubject: sub.FilterBySubject,
	}
	return out, true
}

// DefaultFilters materialises the role's subscription filters for a concrete
// principal, or nil when the role has none.
func DefaultFilters(role Role, subject string) map[string]any {
	sub, ok := roleSubscriptions[role]
	if !ok || sub.FilterBySubject == "" {
		return nil
	}
	return map[string]any{sub.FilterBySubject: subject}
}

// StaticVerifier resolves tokens from a fixed table. Serves local runs and
// tests; production deployments plug in their own Verifier.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Principal
}

// NewStaticVerifier builds a verifier over the given token table.
func NewStaticVerifier(tokens map[string]Principal) *StaticVerifier {
	table := make(map[string]Principal, len(tokens))
	for token, principal := range tokens {
		table[token] = principal
	}
	return &StaticVerifier{tokens: table}
}

// Grant registers or replaces a token.
func (v *StaticVerifier) Grant(token string, principal Principal) {
	v.mu.Lock()
	v.tokens[token] = principal
	v.mu.Unlock()
}

// Revoke removes a token.
func (v *StaticVerifier) Revoke(token string) {
	v.mu.Lock()
	delete(v.tokens, token)
	v.mu.Unlock()
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, errs.New("identity", errs.CodeAuth, errs.WithMessage("credentials required"))
	}
	v.mu.RLock()
	principal, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return Principal{}, errs.New("identity", errs.CodeAuth, errs.WithMessage("unknown credentials"))
	}
	if principal.Subject == "" || !principal.Role.Valid() {
		return Principal{}, errs.New("identity", errs.CodeAuth, errs.WithMessage("malformed principal"))
	}
	return principal, nil
}
