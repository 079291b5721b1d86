package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/flowsync/internal/store"
	boardsync "github.com/hyperengineering/flowsync/internal/sync"
	"github.com/hyperengineering/flowsync/internal/types"
	"github.com/hyperengineering/flowsync/internal/validation"
)

// idempotencyTTL is how long push responses are cached for replay
// detection. A client retrying longer than this has bigger problems.
const idempotencyTTL = 24 * time.Hour

// Write handles POST /api/v1/sync/write: a transactional bulk write with
// push-id idempotency. A replayed push returns the cached response with
// an X-Idempotent-Replay header instead of applying twice.
func (h *Handler) Write(w http.ResponseWriter, r *http.Request) {
	var req boardsync.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	if req.CollectionID == "" {
		req.CollectionID = CollectionIDFromContext(r.Context())
	}
	if req.SourceID == "" {
		req.SourceID = ActorFromContext(r.Context())
	}

	var c validation.Collector
	c.Add(validation.ValidateRequired("push_id", req.PushID))
	c.Add(validation.ValidateULID("push_id", req.PushID))
	for i, t := range req.Tasks {
		validation.ValidateTaskPayload(&c, fmt.Sprintf("tasks[%d]", i), t)
	}
	for i, conn := range req.Connections {
		validation.ValidateConnectionPayload(&c, fmt.Sprintf("connections[%d]", i), conn)
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Write batch failed validation", c.Errors())
		return
	}

	// Replay detection before any validation of row state: a retried push
	// whose first attempt succeeded must see the original response.
	if cached, found, err := h.store.CheckPushIdempotency(r.Context(), req.PushID); err != nil {
		slog.Error("idempotency lookup failed", "push_id", req.PushID, "error", err)
		MapStoreError(w, r, err)
		return
	} else if found {
		slog.Info("replayed push detected", "push_id", req.PushID, "source", req.SourceID)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	resp, err := h.store.ApplyWrite(r.Context(), req)
	if err != nil {
		var regression *store.RegressionError
		if errors.As(err, &regression) {
			writeJSON(w, http.StatusConflict, boardsync.WriteErrorResponse{
				Accepted: 0,
				Errors: []boardsync.WriteError{{
					ID:   regression.ID,
					Kind: regression.Kind,
					Code: boardsync.WriteErrorVersionConflict,
					Message: fmt.Sprintf("stored version %d, incoming %d",
						regression.Stored, regression.Incoming),
				}},
			})
			return
		}
		slog.Error("write batch failed", "push_id", req.PushID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal write response", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if err := h.store.RecordPushIdempotency(r.Context(), req.PushID, req.CollectionID, body, idempotencyTTL); err != nil {
		// The write itself committed; losing the replay cache only risks a
		// duplicate apply on a retry, which version checks will reject.
		slog.Warn("failed to record push idempotency", "push_id", req.PushID, "error", err)
	}

	h.broadcastWrite(req, resp)

	slog.Info("write batch applied",
		"push_id", req.PushID,
		"collection", req.CollectionID,
		"accepted", resp.Accepted,
		"dropped", len(resp.Dropped),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// broadcastWrite emits one feed event per accepted row. Events carry the
// payload exactly as the client sent it, so feed subscribers see partial
// updates as partial and apply their own merge rules.
func (h *Handler) broadcastWrite(req boardsync.WriteRequest, resp *boardsync.WriteResponse) {
	if h.feed == nil {
		return
	}

	written := make(map[string]boardsync.WrittenRow, len(resp.Rows))
	for _, row := range resp.Rows {
		written[row.ID] = row
	}

	for i := range req.Tasks {
		row, ok := written[req.Tasks[i].ID]
		if !ok {
			continue
		}
		payload := req.Tasks[i]
		payload.UpdatedAt = row.UpdatedAt
		payload.Version = row.Version
		event := boardsync.FeedUpdate
		if row.Version == 1 {
			event = boardsync.FeedInsert
		}
		h.feed.Broadcast(req.CollectionID, boardsync.FeedEvent{
			Type:       types.KindTask,
			Event:      event,
			Task:       &payload,
			ServerTime: row.UpdatedAt,
		})
	}
	for i := range req.Connections {
		row, ok := written[req.Connections[i].ID]
		if !ok {
			continue
		}
		payload := req.Connections[i]
		payload.UpdatedAt = row.UpdatedAt
		payload.Version = row.Version
		event := boardsync.FeedUpdate
		if row.Version == 1 {
			event = boardsync.FeedInsert
		}
		h.feed.Broadcast(req.CollectionID, boardsync.FeedEvent{
			Type:       types.KindConnection,
			Event:      event,
			Connection: &payload,
			ServerTime: row.UpdatedAt,
		})
	}
}

// Purge handles POST /api/v1/sync/purge: permanent deletion with
// tombstones. Prior rows are captured before the purge so feed delete
// events can carry the full row, not just the id.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	var req boardsync.PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	if req.CollectionID == "" {
		req.CollectionID = CollectionIDFromContext(r.Context())
	}
	if req.DeletedBy == "" {
		req.DeletedBy = ActorFromContext(r.Context())
	}

	var c validation.Collector
	if len(req.EntityIDs) == 0 {
		c.Add(&validation.ValidationError{Field: "entity_ids", Message: "is required"})
	}
	for i, id := range req.EntityIDs {
		c.Add(validation.ValidateULID(fmt.Sprintf("entity_ids[%d]", i), id))
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Purge request failed validation", c.Errors())
		return
	}

	priors := h.capturePriorRows(r, req.EntityIDs)

	resp, err := h.store.Purge(r.Context(), req)
	if err != nil {
		slog.Error("purge failed", "collection", req.CollectionID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	now := time.Now().UTC()
	for _, prior := range priors {
		prior.ServerTime = now
		h.feed.Broadcast(req.CollectionID, prior)
	}

	slog.Info("entities purged",
		"collection", req.CollectionID,
		"purged", resp.Purged,
		"connections_removed", resp.ConnectionsRemoved,
		"actor", req.DeletedBy,
	)

	writeJSON(w, http.StatusOK, resp)
}

// capturePriorRows fetches current rows for ids about to be purged. Rows
// already gone are skipped; the purge itself remains authoritative.
func (h *Handler) capturePriorRows(r *http.Request, ids []string) []boardsync.FeedEvent {
	if h.feed == nil {
		return nil
	}
	events := make([]boardsync.FeedEvent, 0, len(ids))
	for _, id := range ids {
		if task, err := h.store.GetTask(r.Context(), id); err == nil {
			payload := task.FullPayload()
			events = append(events, boardsync.FeedEvent{
				Type:      types.KindTask,
				Event:     boardsync.FeedDelete,
				PriorTask: &payload,
			})
			continue
		}
		if conn, err := h.store.GetConnection(r.Context(), id); err == nil {
			payload := conn.FullPayload()
			events = append(events, boardsync.FeedEvent{
				Type:      types.KindConnection,
				Event:     boardsync.FeedDelete,
				PriorConn: &payload,
			})
		}
	}
	return events
}

// Delta handles GET /api/v1/sync/delta?since=<RFC3339>&limit=<n>: rows
// modified strictly after the cursor, paged, plus tombstones.
func (h *Handler) Delta(w http.ResponseWriter, r *http.Request) {
	req := boardsync.DeltaRequest{Limit: boardsync.DefaultDeltaLimit}

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "Invalid 'since' parameter: must be RFC 3339")
			return
		}
		req.Since = since
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "Invalid 'limit' parameter: must be a positive integer")
			return
		}
		if limit > boardsync.MaxDeltaLimit {
			limit = boardsync.MaxDeltaLimit
		}
		req.Limit = limit
	}

	collectionID := CollectionIDFromContext(r.Context())
	resp, err := h.store.Delta(r.Context(), collectionID, req)
	if err != nil {
		slog.Error("delta query failed", "collection", collectionID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ServerTime handles GET /api/v1/time: the authoritative server clock.
// Public so clients can measure skew before they authenticate.
func (h *Handler) ServerTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, boardsync.ServerTimeResponse{
		ServerTime: time.Now().UTC(),
	})
}
