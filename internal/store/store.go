package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Rooms
	UpsertRoom(ctx context.Context, roomID string) (*Room, error)
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	SaveRoomVariables(ctx context.Context, roomID string, vars map[string]any) error

	// Routes
	UpsertRoute(ctx context.Context, roomID, clientID string) (*Route, error)
	GetRoute(ctx context.Context, roomID, clientID string) (*Route, error)
	UpdateRoute(ctx context.Context, roomID, clientID string, update RouteUpdate) error
	SaveRouteVariables(ctx context.Context, roomID, clientID string, vars, nodeVars map[string]any) error
	CleanUpRoute(ctx context.Context, roomID, clientID string, keepExternal bool) error

	// Flows
	UpsertFlow(ctx context.Context, flow *FlowRecord) error
	GetFlow(ctx context.Context, id string) (*FlowRecord, error)
	ListFlows(ctx context.Context) ([]*FlowRecord, error)
	DeleteFlow(ctx context.Context, id string) error

	// Tags
	CreateTag(ctx context.Context, tag *Tag) error
	GetTag(ctx context.Context, id string) (*Tag, error)
	ListTags(ctx context.Context, filter TagFilter) ([]*Tag, error)
	ActivateTag(ctx context.Context, flowID, tagID string) error

	// Modules
	UpsertModule(ctx context.Context, mod *Module) error
	ListModules(ctx context.Context, flowID, tagID string) ([]*Module, error)
	DeleteModule(ctx context.Context, id string) error

	// Clients
	UpsertClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	ListClients(ctx context.Context, filter ClientFilter) ([]*Client, error)
	SetClientEnabled(ctx context.Context, id string, enabled bool) error

	// Webhook subscriptions
	CreateWebhookSubscription(ctx context.Context, sub *WebhookSubscription) error
	GetWebhookSubscription(ctx context.Context, roomID, clientID string) (*WebhookSubscription, error)
	ListWebhookSubscriptions(ctx context.Context) ([]*WebhookSubscription, error)
	DeleteWebhookSubscription(ctx context.Context, id string) error

	// Webhook queue
	EnqueueWebhookEvent(ctx context.Context, entry *WebhookQueueEntry) error
	ListPendingWebhookEvents(ctx context.Context) ([]*WebhookQueueEntry, error)
	ConsumeWebhookEvent(ctx context.Context, id string) (bool, error)
	DeleteExpiredWebhookEvents(ctx context.Context) (int64, error)

	// Secrets (encrypted blobs, managed by the secrets vault)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Timers
	SaveTimer(ctx context.Context, timer *Timer) error
	DeleteTimer(ctx context.Context, id string) error
	ListTimers(ctx context.Context) ([]*Timer, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
