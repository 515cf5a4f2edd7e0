package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/convoflow/convoflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Rooms ---

func (s *LibSQLStore) UpsertRoom(ctx context.Context, roomID string) (*Room, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, variables) VALUES (?, '{}')
		 ON CONFLICT(room_id) DO NOTHING`, roomID,
	)
	if err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, roomID)
}

func (s *LibSQLStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	r := &Room{}
	var varsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, variables, created_at, updated_at FROM rooms WHERE room_id = ?`, roomID,
	).Scan(&r.ID, &r.RoomID, &varsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("room", roomID)
	}
	if err != nil {
		return nil, err
	}
	r.Variables, err = unmarshalMap(varsJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal room variables: %w", err)
	}
	return r, nil
}

func (s *LibSQLStore) SaveRoomVariables(ctx context.Context, roomID string, vars map[string]any) error {
	varsJSON, err := marshalMapOrDefault(vars)
	if err != nil {
		return fmt.Errorf("marshal room variables: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET variables = ?, updated_at = CURRENT_TIMESTAMP WHERE room_id = ?`,
		string(varsJSON), roomID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "room", roomID)
}

// --- Routes ---

func (s *LibSQLStore) UpsertRoute(ctx context.Context, roomID, clientID string) (*Route, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (room_id, client_id) VALUES (?, ?)
		 ON CONFLICT(room_id, client_id) DO NOTHING`, roomID, clientID,
	)
	if err != nil {
		return nil, err
	}
	return s.GetRoute(ctx, roomID, clientID)
}

func (s *LibSQLStore) GetRoute(ctx context.Context, roomID, clientID string) (*Route, error) {
	r := &Route{}
	var state sql.NullString
	var varsJSON, nodeVarsJSON, stackJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, client_id, node_id, state, variables, node_vars, stack, created_at, updated_at
		 FROM routes WHERE room_id = ? AND client_id = ?`, roomID, clientID,
	).Scan(&r.ID, &r.RoomID, &r.ClientID, &r.NodeID, &state, &varsJSON, &nodeVarsJSON, &stackJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("route", roomID+"/"+clientID)
	}
	if err != nil {
		return nil, err
	}
	r.State = schema.RouteState(state.String)
	if r.Variables, err = unmarshalMap(varsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal route variables: %w", err)
	}
	if r.NodeVars, err = unmarshalMap(nodeVarsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal route node_vars: %w", err)
	}
	if err := json.Unmarshal([]byte(stackJSON), &r.Stack); err != nil {
		return nil, fmt.Errorf("unmarshal route stack: %w", err)
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRoute(ctx context.Context, roomID, clientID string, update RouteUpdate) error {
	var sets []string
	var args []any

	if update.NodeID != nil {
		sets = append(sets, "node_id = ?")
		args = append(args, *update.NodeID)
	}
	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, nullStr(string(*update.State)))
	}
	if update.Stack != nil {
		stackJSON, err := json.Marshal(*update.Stack)
		if err != nil {
			return fmt.Errorf("marshal route stack: %w", err)
		}
		if *update.Stack == nil {
			stackJSON = []byte("[]")
		}
		sets = append(sets, "stack = ?")
		args = append(args, string(stackJSON))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, roomID, clientID)

	query := fmt.Sprintf("UPDATE routes SET %s WHERE room_id = ? AND client_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "route", roomID+"/"+clientID)
}

func (s *LibSQLStore) SaveRouteVariables(ctx context.Context, roomID, clientID string, vars, nodeVars map[string]any) error {
	varsJSON, err := marshalMapOrDefault(vars)
	if err != nil {
		return fmt.Errorf("marshal route variables: %w", err)
	}
	nodeVarsJSON, err := marshalMapOrDefault(nodeVars)
	if err != nil {
		return fmt.Errorf("marshal route node_vars: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE routes SET variables = ?, node_vars = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE room_id = ? AND client_id = ?`,
		string(varsJSON), string(nodeVarsJSON), roomID, clientID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "route", roomID+"/"+clientID)
}

// CleanUpRoute resets the cursor to the start sentinel and clears variables.
// With keepExternal, the "external" namespace of the route variables survives
// the reset so values pushed in by outside systems are not lost.
func (s *LibSQLStore) CleanUpRoute(ctx context.Context, roomID, clientID string, keepExternal bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clean_up: %w", err)
	}
	defer tx.Rollback()

	var varsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT variables FROM routes WHERE room_id = ? AND client_id = ?`, roomID, clientID,
	).Scan(&varsJSON)
	if err == sql.ErrNoRows {
		return storeNotFound("route", roomID+"/"+clientID)
	}
	if err != nil {
		return err
	}

	kept := map[string]any{}
	if keepExternal {
		vars, err := unmarshalMap(varsJSON)
		if err != nil {
			return fmt.Errorf("unmarshal route variables: %w", err)
		}
		if ext, ok := vars["external"]; ok {
			kept["external"] = ext
		}
	}
	keptJSON, err := marshalMapOrDefault(kept)
	if err != nil {
		return fmt.Errorf("marshal kept variables: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE routes SET node_id = ?, state = NULL, variables = ?, node_vars = '{}', stack = '[]', updated_at = CURRENT_TIMESTAMP
		 WHERE room_id = ? AND client_id = ?`,
		schema.NodeStart, string(keptJSON), roomID, clientID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// --- Flows ---

func (s *LibSQLStore) UpsertFlow(ctx context.Context, flow *FlowRecord) error {
	flowVars, err := marshalMapOrDefault(flow.FlowVars)
	if err != nil {
		return fmt.Errorf("marshal flow_vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (id, definition, flow_vars, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition, flow_vars=excluded.flow_vars, updated_at=CURRENT_TIMESTAMP`,
		flow.ID, string(flow.Definition), string(flowVars), timeOrNow(flow.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*FlowRecord, error) {
	f := &FlowRecord{}
	var defJSON, flowVarsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition, flow_vars, created_at, updated_at FROM flows WHERE id = ?`, id,
	).Scan(&f.ID, &defJSON, &flowVarsJSON, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	if err != nil {
		return nil, err
	}
	f.Definition = json.RawMessage(defJSON)
	if f.FlowVars, err = unmarshalMap(flowVarsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal flow_vars: %w", err)
	}
	return f, nil
}

func (s *LibSQLStore) ListFlows(ctx context.Context) ([]*FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, definition, flow_vars, created_at, updated_at FROM flows ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*FlowRecord
	for rows.Next() {
		f := &FlowRecord{}
		var defJSON, flowVarsJSON string
		if err := rows.Scan(&f.ID, &defJSON, &flowVarsJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Definition = json.RawMessage(defJSON)
		if f.FlowVars, err = unmarshalMap(flowVarsJSON); err != nil {
			return nil, fmt.Errorf("unmarshal flow_vars: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

// --- Tags ---

func (s *LibSQLStore) CreateTag(ctx context.Context, tag *Tag) error {
	flowVars, err := marshalMapOrDefault(tag.FlowVars)
	if err != nil {
		return fmt.Errorf("marshal tag flow_vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tags (id, flow_id, name, author, active, flow_vars, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tag.ID, tag.FlowID, tag.Name, nullStr(tag.Author), tag.Active, string(flowVars), timeOrNow(tag.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTag(ctx context.Context, id string) (*Tag, error) {
	t := &Tag{}
	var author sql.NullString
	var flowVarsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, name, author, active, flow_vars, created_at FROM tags WHERE id = ?`, id,
	).Scan(&t.ID, &t.FlowID, &t.Name, &author, &t.Active, &flowVarsJSON, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tag", id)
	}
	if err != nil {
		return nil, err
	}
	t.Author = author.String
	if t.FlowVars, err = unmarshalMap(flowVarsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal tag flow_vars: %w", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTags(ctx context.Context, filter TagFilter) ([]*Tag, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}

	query := `SELECT id, flow_id, name, author, active, flow_vars, created_at FROM tags`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t := &Tag{}
		var author sql.NullString
		var flowVarsJSON string
		if err := rows.Scan(&t.ID, &t.FlowID, &t.Name, &author, &t.Active, &flowVarsJSON, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Author = author.String
		if t.FlowVars, err = unmarshalMap(flowVarsJSON); err != nil {
			return nil, fmt.Errorf("unmarshal tag flow_vars: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ActivateTag marks one tag of a flow active and deactivates the rest in a
// single transaction, so a publish or rollback is atomic.
func (s *LibSQLStore) ActivateTag(ctx context.Context, flowID, tagID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate tag: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tags SET active = 0 WHERE flow_id = ?`, flowID,
	); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tags SET active = 1 WHERE id = ? AND flow_id = ?`, tagID, flowID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "tag", tagID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Modules ---

func (s *LibSQLStore) UpsertModule(ctx context.Context, mod *Module) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modules (id, flow_id, tag_id, name, nodes, position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   flow_id=excluded.flow_id, tag_id=excluded.tag_id, name=excluded.name,
		   nodes=excluded.nodes, position=excluded.position, updated_at=CURRENT_TIMESTAMP`,
		mod.ID, mod.FlowID, nullStr(mod.TagID), mod.Name,
		rawOrDefault(mod.Nodes, "[]"), nullRaw(mod.Position), timeOrNow(mod.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListModules(ctx context.Context, flowID, tagID string) ([]*Module, error) {
	var where []string
	var args []any

	if flowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, flowID)
	}
	if tagID != "" {
		where = append(where, "tag_id = ?")
		args = append(args, tagID)
	}

	query := `SELECT id, flow_id, tag_id, name, nodes, position, created_at, updated_at FROM modules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mods []*Module
	for rows.Next() {
		m := &Module{}
		var tagIDCol, position sql.NullString
		var nodesJSON string
		if err := rows.Scan(&m.ID, &m.FlowID, &tagIDCol, &m.Name, &nodesJSON, &position, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.TagID = tagIDCol.String
		m.Nodes = json.RawMessage(nodesJSON)
		m.Position = rawOrNil(position)
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

func (s *LibSQLStore) DeleteModule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "module", id)
}

// --- Clients ---

func (s *LibSQLStore) UpsertClient(ctx context.Context, client *Client) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, homeserver, access_token, device_id, next_batch, filter_id, autojoin, enabled, flow_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   homeserver=excluded.homeserver, access_token=excluded.access_token,
		   device_id=excluded.device_id, next_batch=excluded.next_batch,
		   filter_id=excluded.filter_id, autojoin=excluded.autojoin,
		   enabled=excluded.enabled, flow_id=excluded.flow_id, updated_at=CURRENT_TIMESTAMP`,
		client.ID, nullStr(client.Homeserver), nullStr(client.AccessToken),
		nullStr(client.DeviceID), nullStr(client.NextBatch), nullStr(client.FilterID),
		client.Autojoin, client.Enabled, nullStr(client.FlowID), timeOrNow(client.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetClient(ctx context.Context, id string) (*Client, error) {
	c := &Client{}
	var homeserver, accessToken, deviceID, nextBatch, filterID, flowID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, homeserver, access_token, device_id, next_batch, filter_id, autojoin, enabled, flow_id, created_at, updated_at
		 FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &homeserver, &accessToken, &deviceID, &nextBatch, &filterID, &c.Autojoin, &c.Enabled, &flowID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("client", id)
	}
	if err != nil {
		return nil, err
	}
	c.Homeserver = homeserver.String
	c.AccessToken = accessToken.String
	c.DeviceID = deviceID.String
	c.NextBatch = nextBatch.String
	c.FilterID = filterID.String
	c.FlowID = flowID.String
	return c, nil
}

func (s *LibSQLStore) ListClients(ctx context.Context, filter ClientFilter) ([]*Client, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, homeserver, access_token, device_id, next_batch, filter_id, autojoin, enabled, flow_id, created_at, updated_at FROM clients`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c := &Client{}
		var homeserver, accessToken, deviceID, nextBatch, filterID, flowID sql.NullString
		if err := rows.Scan(&c.ID, &homeserver, &accessToken, &deviceID, &nextBatch, &filterID, &c.Autojoin, &c.Enabled, &flowID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Homeserver = homeserver.String
		c.AccessToken = accessToken.String
		c.DeviceID = deviceID.String
		c.NextBatch = nextBatch.String
		c.FilterID = filterID.String
		c.FlowID = flowID.String
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *LibSQLStore) SetClientEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, enabled, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "client", id)
}

// --- Webhook subscriptions ---

func (s *LibSQLStore) CreateWebhookSubscription(ctx context.Context, sub *WebhookSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, room_id, client_id, filter, subscription_time) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, client_id) DO UPDATE SET
		   id=excluded.id, filter=excluded.filter, subscription_time=excluded.subscription_time`,
		sub.ID, sub.RoomID, sub.ClientID, sub.Filter, timeOrNow(sub.SubscriptionTime),
	)
	return err
}

func (s *LibSQLStore) GetWebhookSubscription(ctx context.Context, roomID, clientID string) (*WebhookSubscription, error) {
	sub := &WebhookSubscription{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, client_id, filter, subscription_time FROM webhooks WHERE room_id = ? AND client_id = ?`,
		roomID, clientID,
	).Scan(&sub.ID, &sub.RoomID, &sub.ClientID, &sub.Filter, &sub.SubscriptionTime)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook subscription", roomID+"/"+clientID)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *LibSQLStore) ListWebhookSubscriptions(ctx context.Context) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, client_id, filter, subscription_time FROM webhooks ORDER BY subscription_time`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		sub := &WebhookSubscription{}
		if err := rows.Scan(&sub.ID, &sub.RoomID, &sub.ClientID, &sub.Filter, &sub.SubscriptionTime); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *LibSQLStore) DeleteWebhookSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook subscription", id)
}

// --- Webhook queue ---

func (s *LibSQLStore) EnqueueWebhookEvent(ctx context.Context, entry *WebhookQueueEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_queue (id, event, ending_time, creation_time) VALUES (?, ?, ?, ?)`,
		entry.ID, string(entry.Event), entry.EndingTime, timeOrNow(entry.CreationTime),
	)
	return err
}

func (s *LibSQLStore) ListPendingWebhookEvents(ctx context.Context) ([]*WebhookQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, ending_time, creation_time FROM webhook_queue
		 WHERE ending_time > CURRENT_TIMESTAMP ORDER BY creation_time`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*WebhookQueueEntry
	for rows.Next() {
		e := &WebhookQueueEntry{}
		var eventJSON string
		if err := rows.Scan(&e.ID, &eventJSON, &e.EndingTime, &e.CreationTime); err != nil {
			return nil, err
		}
		e.Event = json.RawMessage(eventJSON)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ConsumeWebhookEvent deletes the entry and reports whether this caller won
// it. The single-row delete is what makes consumption at-most-once under
// concurrent matchers.
func (s *LibSQLStore) ConsumeWebhookEvent(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_queue WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) DeleteExpiredWebhookEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_queue WHERE ending_time <= CURRENT_TIMESTAMP`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Timers ---

func (s *LibSQLStore) SaveTimer(ctx context.Context, timer *Timer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (id, room_id, client_id, node_id, kind, attempt, fire_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET attempt=excluded.attempt, fire_at=excluded.fire_at`,
		timer.ID, timer.RoomID, timer.ClientID, timer.NodeID, timer.Kind,
		timer.Attempt, timer.FireAt, timeOrNow(timer.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DeleteTimer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	return err
}

func (s *LibSQLStore) ListTimers(ctx context.Context) ([]*Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, client_id, node_id, kind, attempt, fire_at, created_at FROM timers ORDER BY fire_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*Timer
	for rows.Next() {
		tm := &Timer{}
		if err := rows.Scan(&tm.ID, &tm.RoomID, &tm.ClientID, &tm.NodeID, &tm.Kind, &tm.Attempt, &tm.FireAt, &tm.CreatedAt); err != nil {
			return nil, err
		}
		timers = append(timers, tm)
	}
	return timers, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func rawOrDefault(r json.RawMessage, def string) string {
	if len(r) == 0 {
		return def
	}
	return string(r)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
