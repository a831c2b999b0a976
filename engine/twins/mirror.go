package twins

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/twinhub/twincore/pkg/fn"
	"github.com/twinhub/twincore/pkg/metrics"
	"github.com/twinhub/twincore/pkg/natsutil"
	"github.com/twinhub/twincore/pkg/store"
)

// Analytics mirror tables. Append-only; the Active* views dedup to the
// latest non-deleted version.
const (
	TableTwins         = "Twins"
	TableRelationships = "Relationships"
	TableModels        = "Models"

	ViewActiveTwins         = "ActiveTwins"
	ViewActiveRelationships = "ActiveRelationships"
)

// ChangeEvent is the lifecycle event published after a successful primary
// write.
type ChangeEvent struct {
	Tenant string    `json:"tenant"`
	Kind   string    `json:"kind"` // twin, relationship, model
	ID     string    `json:"id"`
	Action string    `json:"action"` // updated, deleted
	Time   time.Time `json:"time"`
}

// Mirror applies the best-effort side effects of every mutation in one
// place: append the change to the analytics mirror and publish a change
// event. Failures are logged and counted, never returned — the primary
// write has already succeeded by the time the mirror runs, and canceling
// the request must not fail it either.
type Mirror struct {
	analytics store.Analytics
	nc        *nats.Conn // nil disables events
	tenant    string
	database  string
	log       *slog.Logger
	failures  *metrics.Counter // nil disables counting
	timeout   time.Duration
	now       func() time.Time
}

// NewMirror creates a mirror for one tenant.
func NewMirror(analytics store.Analytics, nc *nats.Conn, tenantID, database string, log *slog.Logger, failures *metrics.Counter) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{
		analytics: analytics,
		nc:        nc,
		tenant:    tenantID,
		database:  database,
		log:       log,
		failures:  failures,
		timeout:   10 * time.Second,
		now:       time.Now,
	}
}

// TwinUpserted mirrors a twin create/update.
func (m *Mirror) TwinUpserted(ctx context.Context, t Twin, userID string) {
	m.append(ctx, TableTwins, "twin", t.ID, "updated", map[string]any{
		"Id":         t.ID,
		"ModelId":    t.ModelID,
		"Name":       t.DisplayName(),
		"SiteId":     t.StringProperty(PropSiteID),
		"UniqueId":   t.UniqueID(),
		"ExportTime": m.now().UTC().Format(time.RFC3339Nano),
		"Deleted":    false,
		"Raw":        rawTwin(t),
		"UserId":     userID,
	})
}

// TwinDeleted mirrors a twin delete.
func (m *Mirror) TwinDeleted(ctx context.Context, id, userID string) {
	m.append(ctx, TableTwins, "twin", id, "deleted", map[string]any{
		"Id":         id,
		"ExportTime": m.now().UTC().Format(time.RFC3339Nano),
		"Deleted":    true,
		"UserId":     userID,
	})
}

// RelationshipUpserted mirrors a relationship create/update.
func (m *Mirror) RelationshipUpserted(ctx context.Context, r TwinRelationship, userID string) {
	raw, _ := json.Marshal(map[string]any{
		"id": r.ID, "name": r.Name, "sourceId": r.SourceID, "targetId": r.TargetID,
		"properties": r.Properties,
	})
	m.append(ctx, TableRelationships, "relationship", r.ID, "updated", map[string]any{
		"Id":         r.ID,
		"SourceId":   r.SourceID,
		"TargetId":   r.TargetID,
		"Name":       r.Name,
		"ExportTime": m.now().UTC().Format(time.RFC3339Nano),
		"Deleted":    false,
		"Raw":        string(raw),
		"UserId":     userID,
	})
}

// RelationshipDeleted mirrors a relationship delete.
func (m *Mirror) RelationshipDeleted(ctx context.Context, sourceID, relID, userID string) {
	m.append(ctx, TableRelationships, "relationship", relID, "deleted", map[string]any{
		"Id":         relID,
		"SourceId":   sourceID,
		"ExportTime": m.now().UTC().Format(time.RFC3339Nano),
		"Deleted":    true,
		"UserId":     userID,
	})
}

// ModelsUpserted mirrors model document creation.
func (m *Mirror) ModelsUpserted(ctx context.Context, models []store.ModelRecord, userID string) {
	rows := make([]map[string]any, len(models))
	exportTime := m.now().UTC().Format(time.RFC3339Nano)
	for i, md := range models {
		rows[i] = map[string]any{
			"Id":         md.ID,
			"ExportTime": exportTime,
			"Deleted":    false,
			"Raw":        string(md.Document),
			"UserId":     userID,
		}
	}
	m.appendRows(ctx, TableModels, "model", "batch", "updated", rows)
}

// ModelDeleted mirrors a model delete.
func (m *Mirror) ModelDeleted(ctx context.Context, id, userID string) {
	m.append(ctx, TableModels, "model", id, "deleted", map[string]any{
		"Id":         id,
		"ExportTime": m.now().UTC().Format(time.RFC3339Nano),
		"Deleted":    true,
		"UserId":     userID,
	})
}

func (m *Mirror) append(ctx context.Context, table, kind, id, action string, row map[string]any) {
	m.appendRows(ctx, table, kind, id, action, []map[string]any{row})
}

func (m *Mirror) appendRows(ctx context.Context, table, kind, id, action string, rows []map[string]any) {
	// Detach from the request: cancellation of the caller must not abort
	// the mirror write mid-flight.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	if err := m.analytics.Append(ctx, m.database, table, rows); err != nil {
		if m.failures != nil {
			m.failures.Inc()
		}
		m.log.Error("analytics mirror write failed",
			"tenant", m.tenant, "table", table, "kind", kind, "id", id, "action", action, "error", err)
	}

	m.publish(ctx, ChangeEvent{Tenant: m.tenant, Kind: kind, ID: id, Action: action, Time: m.now().UTC()})
}

func (m *Mirror) publish(ctx context.Context, ev ChangeEvent) {
	if m.nc == nil {
		return
	}
	subject := "twincore." + ev.Kind + "." + ev.Action
	err := fn.Retry(ctx, fn.RetryOpts{MaxAttempts: 3, InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Jitter: true},
		func(ctx context.Context) error {
			return natsutil.Publish(ctx, m.nc, subject, ev)
		})
	if err != nil {
		m.log.Warn("change event publish failed",
			"tenant", ev.Tenant, "subject", subject, "id", ev.ID, "error", err)
	}
}

func rawTwin(t Twin) string {
	raw, _ := json.Marshal(map[string]any{
		"id": t.ID, "modelId": t.ModelID, "etag": t.ETag, "properties": t.Properties,
	})
	return string(raw)
}
