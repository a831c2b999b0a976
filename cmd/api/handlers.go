package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/twinhub/twincore/engine/assets"
	"github.com/twinhub/twincore/engine/twins"
	"github.com/twinhub/twincore/pkg/metrics"
	"github.com/twinhub/twincore/pkg/tenant"
)

type server struct {
	tenants  *tenant.Registry
	twinSvcs map[string]*twins.Service
	assets   map[string]*assets.Service
	metrics  *metrics.Registry
	log      *slog.Logger
}

func newServer(tenants *tenant.Registry, reg *metrics.Registry, log *slog.Logger) *server {
	return &server{
		tenants:  tenants,
		twinSvcs: map[string]*twins.Service{},
		assets:   map[string]*assets.Service{},
		metrics:  reg,
		log:      log,
	}
}

func (s *server) register(tenantID string, tw *twins.Service, as *assets.Service) {
	s.twinSvcs[tenantID] = tw
	s.assets[tenantID] = as
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /api/{tenant}/twins", s.handleQueryTwins)
	mux.HandleFunc("GET /api/{tenant}/twins/{id}", s.handleGetTwin)
	mux.HandleFunc("PUT /api/{tenant}/twins/{id}", s.handlePutTwin)
	mux.HandleFunc("PATCH /api/{tenant}/twins/{id}", s.handlePatchTwin)
	mux.HandleFunc("DELETE /api/{tenant}/twins/{id}", s.handleDeleteTwin)
	mux.HandleFunc("GET /api/{tenant}/twins/{id}/history", s.handleTwinHistory)
	mux.HandleFunc("GET /api/{tenant}/twins/{id}/related", s.handleRelatedTwins)
	mux.HandleFunc("GET /api/{tenant}/twins/{id}/relationships", s.handleGetRelationships)
	mux.HandleFunc("PUT /api/{tenant}/twins/{id}/relationships/{relID}", s.handlePutRelationship)
	mux.HandleFunc("DELETE /api/{tenant}/twins/{id}/relationships/{relID}", s.handleDeleteRelationship)

	mux.HandleFunc("GET /api/{tenant}/models", s.handleGetModels)
	mux.HandleFunc("POST /api/{tenant}/models", s.handleCreateModels)
	mux.HandleFunc("DELETE /api/{tenant}/models/{id...}", s.handleDeleteModel)

	mux.HandleFunc("GET /api/{tenant}/tree", s.handleScopeTree)
	mux.HandleFunc("GET /api/{tenant}/scopes/{id}/sites", s.handleSitesByScope)

	mux.HandleFunc("GET /api/{tenant}/floors", s.handleFloors)
	mux.HandleFunc("GET /api/{tenant}/assets", s.handleAssets)
	mux.HandleFunc("GET /api/{tenant}/assets/categories", s.handleCategoryTree)
	mux.HandleFunc("GET /api/{tenant}/assets/summaries", s.handleAssetSummaries)
	mux.HandleFunc("GET /api/{tenant}/devices", s.handleDevices)
	mux.HandleFunc("GET /api/{tenant}/points", s.handlePoints)

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- DTOs ---

type twinDTO struct {
	ID         string         `json:"id"`
	ModelID    string         `json:"modelId"`
	ETag       string         `json:"etag,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type relationshipDTO struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Properties map[string]any `json:"properties,omitempty"`
}

type twinWithRelsDTO struct {
	twinDTO
	Relationships []relationshipDTO `json:"relationships,omitempty"`
}

type pageDTO[T any] struct {
	Content           []T    `json:"content"`
	ContinuationToken string `json:"continuationToken,omitempty"`
}

type versionDTO struct {
	Twin       twinDTO   `json:"twin"`
	ExportTime time.Time `json:"exportTime"`
	Deleted    bool      `json:"deleted"`
	UserID     string    `json:"userId,omitempty"`
}

type nestedTwinDTO struct {
	Twin     twinDTO         `json:"twin"`
	Children []nestedTwinDTO `json:"children,omitempty"`
}

func toTwinDTO(t twins.Twin) twinDTO {
	return twinDTO{ID: t.ID, ModelID: t.ModelID, ETag: t.ETag, Properties: t.Properties}
}

func toRelDTO(r twins.TwinRelationship) relationshipDTO {
	return relationshipDTO{ID: r.ID, Name: r.Name, SourceID: r.SourceID, TargetID: r.TargetID, Properties: r.Properties}
}

func toNestedDTO(n *twins.NestedTwin) nestedTwinDTO {
	out := nestedTwinDTO{Twin: toTwinDTO(n.Twin)}
	for _, c := range n.Children {
		out.Children = append(out.Children, toNestedDTO(c))
	}
	return out
}

// --- Twin handlers ---

func (s *server) handleGetTwin(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	loadRels := r.URL.Query().Get("includeRelationships") == "true"
	twin, err := svc.GetTwinByID(r.Context(), r.PathValue("id"), loadRels)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if twin == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "twin not found"})
		return
	}
	out := twinWithRelsDTO{twinDTO: toTwinDTO(twin.Twin)}
	for _, rel := range twin.Relationships {
		out.Relationships = append(out.Relationships, toRelDTO(rel))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleQueryTwins(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	models := q["model"]
	if len(models) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one model parameter is required"})
		return
	}
	page, err := svc.QueryTwinsByModels(r.Context(), models, q.Get("exact") == "true",
		intParam(q.Get("pageSize"), 100), q.Get("continuationToken"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := pageDTO[twinDTO]{ContinuationToken: page.ContinuationToken, Content: []twinDTO{}}
	for _, t := range page.Content {
		out.Content = append(out.Content, toTwinDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handlePutTwin(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	var body twinDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	twin, err := svc.AddOrUpdateTwin(r.Context(), twins.Twin{
		ID:         r.PathValue("id"),
		ModelID:    body.ModelID,
		Properties: body.Properties,
	}, userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTwinDTO(*twin))
}

func (s *server) handlePatchTwin(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	twin, err := svc.PatchTwin(r.Context(), r.PathValue("id"), patch, userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if twin == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "twin not found"})
		return
	}
	writeJSON(w, http.StatusOK, toTwinDTO(*twin))
}

func (s *server) handleDeleteTwin(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	var err error
	if r.URL.Query().Get("includeRelationships") == "true" {
		err = svc.DeleteTwinAndRelationships(r.Context(), r.PathValue("id"), userID(r))
	} else {
		err = svc.DeleteTwin(r.Context(), r.PathValue("id"), userID(r))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleTwinHistory(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	versions, err := svc.GetTwinHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]versionDTO, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionDTO{Twin: toTwinDTO(v.Twin), ExportTime: v.ExportTime, Deleted: v.Deleted, UserID: v.UserID})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleRelatedTwins(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	related, err := svc.GetRelatedTwinsByHops(r.Context(), r.PathValue("id"), q["rel"], intParam(q.Get("hops"), 1))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]twinWithRelsDTO, 0, len(related))
	for _, t := range related {
		dto := twinWithRelsDTO{twinDTO: toTwinDTO(t.Twin)}
		for _, rel := range t.Relationships {
			dto.Relationships = append(dto.Relationships, toRelDTO(rel))
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Relationship handlers ---

func (s *server) handleGetRelationships(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	var rels []twins.TwinRelationship
	var err error
	if r.URL.Query().Get("incoming") == "true" {
		rels, err = svc.GetIncomingRelationships(r.Context(), r.PathValue("id"))
	} else {
		rels, err = svc.GetRelationships(r.Context(), r.PathValue("id"))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]relationshipDTO, 0, len(rels))
	for _, rel := range rels {
		out = append(out, toRelDTO(rel))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handlePutRelationship(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	var body relationshipDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Name == "" || body.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and targetId are required"})
		return
	}
	rel, err := svc.AddOrUpdateRelationship(r.Context(), twins.TwinRelationship{
		ID:         r.PathValue("relID"),
		Name:       body.Name,
		SourceID:   r.PathValue("id"),
		TargetID:   body.TargetID,
		Properties: body.Properties,
	}, userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRelDTO(*rel))
}

func (s *server) handleDeleteRelationship(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	if err := svc.DeleteRelationship(r.Context(), r.PathValue("id"), r.PathValue("relID"), userID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Model handlers ---

func (s *server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	records, err := svc.GetModels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		out = append(out, json.RawMessage(rec.Document))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateModels(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a non-empty JSON array of models"})
		return
	}
	docs := make([][]byte, len(raw))
	for i, d := range raw {
		docs[i] = []byte(d)
	}
	if err := svc.CreateModels(r.Context(), docs, userID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	if err := svc.DeleteModel(r.Context(), r.PathValue("id"), userID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Scope handlers ---

func (s *server) handleScopeTree(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	tree, err := svc.GetScopeTree(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]nestedTwinDTO, 0, len(tree))
	for _, n := range tree {
		out = append(out, toNestedDTO(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSitesByScope(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.twinSvc(w, r)
	if !ok {
		return
	}
	sites, err := svc.GetSitesByScope(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]twinDTO, 0, len(sites))
	for _, t := range sites {
		out = append(out, toTwinDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Asset handlers ---

func (s *server) handleFloors(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.assetSvc(w, r)
	if !ok {
		return
	}
	floors, err := svc.GetFloors(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]twinDTO, 0, len(floors))
	for _, t := range floors {
		out = append(out, toTwinDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleAssets(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.assetSvc(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := svc.GetAssets(r.Context(), q["model"], q.Get("floorId"),
		intParam(q.Get("pageSize"), 100), q.Get("continuationToken"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageDTO[assets.Asset]{
		Content:           append([]assets.Asset{}, page.Content...),
		ContinuationToken: page.ContinuationToken,
	})
}

func (s *server) handleCategoryTree(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.assetSvc(w, r)
	if !ok {
		return
	}
	tree, err := svc.GetCategoryTree(r.Context(), r.URL.Query()["model"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *server) handleAssetSummaries(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.assetSvc(w, r)
	if !ok {
		return
	}
	summaries, err := svc.GetAssetSummaries(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *server) handleDevices(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.assetSvc(w, r)
	if !ok {
		return
	}
	devices, err := svc.GetDevicesWithPoints(r.Context(), r.URL.Query()["model"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *server) handlePoints(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.assetSvc(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := svc.GetPointAssetPairs(r.Context(), q["model"], q.Get("includeUnpaired") == "true",
		intParam(q.Get("pageSize"), 100), q.Get("continuationToken"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageDTO[assets.PointAssetPair]{
		Content:           append([]assets.PointAssetPair{}, page.Content...),
		ContinuationToken: page.ContinuationToken,
	})
}

// --- Helpers ---

func (s *server) twinSvc(w http.ResponseWriter, r *http.Request) (*twins.Service, bool) {
	svc, ok := s.twinSvcs[r.PathValue("tenant")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tenant"})
		return nil, false
	}
	return svc, true
}

func (s *server) assetSvc(w http.ResponseWriter, r *http.Request) (*assets.Service, bool) {
	svc, ok := s.assets[r.PathValue("tenant")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tenant"})
		return nil, false
	}
	return svc, true
}

// writeError maps domain errors onto status codes.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var verr *twins.ValidationError
	var dup *twins.DuplicateMatchError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{"error": dup.Error()})
	default:
		s.log.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
