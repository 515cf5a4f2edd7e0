package api

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/diagram"
	"github.com/convoflow/convoflow/internal/scope"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/pkg/schema"
)

// --- Flows ---

func (s *Server) handleUpsertFlow(c fiber.Ctx) error {
	flowID := schema.NormalizeFlowID(c.Params("id"))
	if flowID == "" {
		return badRequest(c, "flow id is required")
	}

	var req upsertFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}
	if err := s.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.store.UpsertFlow(c.Context(), &store.FlowRecord{
		ID:         flowID,
		Definition: req.Definition,
	}); err != nil {
		return handleStoreError(c, err)
	}

	// Reload so conversations pick the new definition up on their next
	// transition. A definition that fails validation stays stored but is not
	// served.
	graph, err := s.graphs.Init(c.Context(), flowID)
	if err != nil {
		return badRequest(c, "flow stored but failed to load: "+err.Error())
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"flow_id":    flowID,
		"node_count": graph.NodeCount(),
	})
}

func (s *Server) handleGetFlow(c fiber.Ctx) error {
	flowID := schema.NormalizeFlowID(c.Params("id"))

	rec, err := s.store.GetFlow(c.Context(), flowID)
	if err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) handleListFlows(c fiber.Ctx) error {
	recs, err := s.store.ListFlows(c.Context())
	if err != nil {
		return handleStoreError(c, err)
	}

	flows := make([]fiber.Map, 0, len(recs))
	for _, rec := range recs {
		entry := fiber.Map{"flow_id": rec.ID, "updated_at": rec.UpdatedAt}
		if g, err := s.graphs.Get(rec.ID); err == nil {
			entry["node_count"] = g.NodeCount()
			entry["loaded"] = true
		} else {
			entry["loaded"] = false
		}
		flows = append(flows, entry)
	}
	return c.JSON(fiber.Map{"flows": flows})
}

func (s *Server) handleDeleteFlow(c fiber.Ctx) error {
	flowID := schema.NormalizeFlowID(c.Params("id"))

	if err := s.store.DeleteFlow(c.Context(), flowID); err != nil {
		return handleStoreError(c, err)
	}
	s.graphs.Evict(flowID)
	return c.JSON(fiber.Map{"flow_id": flowID, "deleted": true})
}

// --- Node introspection ---

func (s *Server) handleListNodes(c fiber.Ctx) error {
	graph, err := s.graphs.Get(c.Params("id"))
	if err != nil {
		return notFound(c, err.Error())
	}
	return c.JSON(fiber.Map{"flow_id": graph.FlowID(), "nodes": graph.NodeIDs()})
}

func (s *Server) handleGetNode(c fiber.Ctx) error {
	graph, err := s.graphs.Get(c.Params("id"))
	if err != nil {
		return notFound(c, err.Error())
	}
	node := graph.Node(c.Params("nodeId"))
	if node == nil {
		return notFound(c, "node "+c.Params("nodeId")+" not found")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(node.Raw)
}

func (s *Server) handleFlowDiagram(c fiber.Ctx) error {
	graph, err := s.graphs.Get(c.Params("id"))
	if err != nil {
		return notFound(c, err.Error())
	}

	if c.Query("format") == "png" {
		png, err := diagram.Image(c.Context(), graph)
		if err != nil {
			return internalError(c, err)
		}
		c.Set(fiber.HeaderContentType, "image/png")
		return c.Send(png)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(diagram.Mermaid(graph))
}

// --- Tags (publish / rollback) ---

func (s *Server) handlePublishTag(c fiber.Ctx) error {
	flowID := schema.NormalizeFlowID(c.Params("id"))
	ctx := c.Context()

	var req publishTagRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}
	if err := s.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return handleStoreError(c, err)
	}

	tag := &store.Tag{
		ID:       uuid.New().String(),
		FlowID:   flowID,
		Name:     req.Name,
		Author:   req.Author,
		FlowVars: req.FlowVars,
	}
	if err := s.store.CreateTag(ctx, tag); err != nil {
		return handleStoreError(c, err)
	}

	for _, mod := range req.Modules {
		if err := s.store.UpsertModule(ctx, &store.Module{
			ID:       uuid.New().String(),
			FlowID:   flowID,
			TagID:    tag.ID,
			Name:     mod.Name,
			Nodes:    mod.Nodes,
			Position: mod.Position,
		}); err != nil {
			return handleStoreError(c, err)
		}
	}

	if req.Activate {
		if err := s.activateTag(c, flowID, tag.ID); err != nil {
			return err
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"tag_id": tag.ID,
		"name":   tag.Name,
		"active": req.Activate,
	})
}

func (s *Server) handleListTags(c fiber.Ctx) error {
	flowID := schema.NormalizeFlowID(c.Params("id"))

	tags, err := s.store.ListTags(c.Context(), store.TagFilter{FlowID: flowID})
	if err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(fiber.Map{"flow_id": flowID, "tags": tags})
}

// handleActivateTag switches the flow's served snapshot, which is both
// publish (activate the newest tag) and rollback (activate an older one).
func (s *Server) handleActivateTag(c fiber.Ctx) error {
	flowID := schema.NormalizeFlowID(c.Params("id"))
	tagID := c.Params("tagId")

	if err := s.activateTag(c, flowID, tagID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"flow_id": flowID, "tag_id": tagID, "active": true})
}

func (s *Server) activateTag(c fiber.Ctx, flowID, tagID string) error {
	ctx := c.Context()
	if err := s.store.ActivateTag(ctx, flowID, tagID); err != nil {
		return handleStoreError(c, err)
	}
	if _, err := s.graphs.Init(ctx, flowID); err != nil {
		return badRequest(c, "tag activated but flow failed to load: "+err.Error())
	}
	return nil
}

func (s *Server) handleListModules(c fiber.Ctx) error {
	flowID := schema.NormalizeFlowID(c.Params("id"))

	modules, err := s.store.ListModules(c.Context(), flowID, c.Query("tag_id"))
	if err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(fiber.Map{"flow_id": flowID, "modules": modules})
}

func (s *Server) handleDeleteModule(c fiber.Ctx) error {
	if err := s.store.DeleteModule(c.Context(), c.Params("moduleId")); err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(fiber.Map{"module_id": c.Params("moduleId"), "deleted": true})
}

// --- Clients ---

func (s *Server) handleUpsertClient(c fiber.Ctx) error {
	ctx := c.Context()

	var req upsertClientRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}
	if err := s.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	client := &store.Client{
		ID:         req.ID,
		Homeserver: req.Homeserver,
		DeviceID:   req.DeviceID,
		Autojoin:   req.Autojoin,
		Enabled:    enabled,
		FlowID:     schema.NormalizeFlowID(req.FlowID),
	}

	// Access tokens go through the vault; the clients row never carries the
	// plaintext when a vault is configured.
	if req.AccessToken != "" {
		if s.vault != nil {
			if err := s.vault.Store(ctx, clientTokenKey(req.ID), []byte(req.AccessToken)); err != nil {
				return internalError(c, err)
			}
		} else {
			client.AccessToken = req.AccessToken
		}
	}

	if err := s.store.UpsertClient(ctx, client); err != nil {
		return handleStoreError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(maskClient(client))
}

func (s *Server) handleGetClient(c fiber.Ctx) error {
	client, err := s.store.GetClient(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(maskClient(client))
}

func (s *Server) handleListClients(c fiber.Ctx) error {
	filter := store.ClientFilter{FlowID: schema.NormalizeFlowID(c.Query("flow_id"))}
	if v := c.Query("enabled"); v != "" {
		enabled := v == "true" || v == "1"
		filter.Enabled = &enabled
	}

	clients, err := s.store.ListClients(c.Context(), filter)
	if err != nil {
		return handleStoreError(c, err)
	}

	masked := make([]*store.Client, len(clients))
	for i, cl := range clients {
		masked[i] = maskClient(cl)
	}
	return c.JSON(fiber.Map{"clients": masked})
}

func (s *Server) handleSetClientEnabled(c fiber.Ctx) error {
	var req setClientEnabledRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}
	if err := s.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.store.SetClientEnabled(c.Context(), c.Params("id"), *req.Enabled); err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(fiber.Map{"client_id": c.Params("id"), "enabled": *req.Enabled})
}

func clientTokenKey(clientID string) string {
	return "client:" + clientID + ":access_token"
}

func maskClient(client *store.Client) *store.Client {
	masked := *client
	if masked.AccessToken != "" {
		masked.AccessToken = "***"
	}
	return &masked
}

// --- Room variables and conversation maintenance ---

func (s *Server) handleGetRoomVariables(c fiber.Ctx) error {
	room, err := s.store.GetRoom(c.Context(), c.Params("roomId"))
	if err != nil {
		return handleStoreError(c, err)
	}

	path := c.Query("path")
	if path == "" {
		return c.JSON(fiber.Map{"room_id": room.RoomID, "variables": room.Variables})
	}

	segs, err := scope.ParsePath(path)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(fiber.Map{
		"room_id": room.RoomID,
		"path":    path,
		"value":   scope.Get(room.Variables, segs),
	})
}

func (s *Server) handleSetRoomVariables(c fiber.Ctx) error {
	ctx := c.Context()

	var req setVariablesRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}
	if err := s.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	room, err := s.store.UpsertRoom(ctx, c.Params("roomId"))
	if err != nil {
		return handleStoreError(c, err)
	}
	if room.Variables == nil {
		room.Variables = map[string]any{}
	}

	for path, value := range req.Variables {
		segs, err := scope.ParsePath(path)
		if err != nil {
			return badRequest(c, "path "+path+": "+err.Error())
		}
		if err := scope.Set(room.Variables, segs, value); err != nil {
			return badRequest(c, "path "+path+": "+err.Error())
		}
	}

	if err := s.store.SaveRoomVariables(ctx, room.RoomID, room.Variables); err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(fiber.Map{"room_id": room.RoomID, "variables": room.Variables})
}

// handleCleanUpRoute resets a conversation to a fresh start. Unless
// keep_external=false, the external namespace written by integrations
// survives the reset.
func (s *Server) handleCleanUpRoute(c fiber.Ctx) error {
	roomID := c.Params("roomId")
	clientID := c.Params("clientId")

	keepExternal := true
	if v := c.Query("keep_external"); v != "" {
		keepExternal = v == "true" || v == "1"
	}

	if err := s.store.CleanUpRoute(c.Context(), roomID, clientID, keepExternal); err != nil {
		return handleStoreError(c, err)
	}
	return c.JSON(fiber.Map{"room_id": roomID, "client_id": clientID, "cleaned": true})
}

// --- Ingress ---

// handleWebhookIngress accepts an external callback (JSON object or form
// fields) and enqueues it durably for subscription matching.
func (s *Server) handleWebhookIngress(c fiber.Ctx) error {
	payload := map[string]any{}

	body := c.Body()
	if len(body) > 0 && json.Valid(body) {
		if err := json.Unmarshal(body, &payload); err != nil {
			return badRequest(c, "webhook body must be a JSON object")
		}
	} else {
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			payload[string(key)] = string(value)
		})
	}
	if len(payload) == 0 {
		return badRequest(c, "empty webhook payload")
	}

	ttl := s.webhookTTL
	if v := c.Query("ttl"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}

	entry, err := s.queue.Enqueue(c.Context(), payload, ttl)
	if err != nil {
		return internalError(c, err)
	}

	s.logger.InfoContext(c.Context(), "webhook accepted",
		slog.String("entry_id", entry.ID), slog.Duration("ttl", ttl))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":         entry.ID,
		"expires_at": entry.EndingTime,
	})
}

// handleInboundEvent is the transport bridge: it feeds one abstract
// conversation event into the state machine.
func (s *Server) handleInboundEvent(c fiber.Ctx) error {
	var req inboundEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}
	if err := s.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	event := &schema.Event{
		RoomID:     req.RoomID,
		ClientID:   req.ClientID,
		Type:       schema.EventType(req.Type),
		Body:       req.Body,
		MediaURL:   req.MediaURL,
		Sender:     req.Sender,
		Membership: schema.MembershipChange(req.Membership),
		Payload:    req.Payload,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.machine.HandleEvent(c.Context(), event); err != nil {
		return handleStoreError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
}
