package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/artifact"
	"github.com/zen-systems/pixelgate/pkg/dispatch"
	"github.com/zen-systems/pixelgate/pkg/history"
	"github.com/zen-systems/pixelgate/pkg/metering"
	"github.com/zen-systems/pixelgate/pkg/preprocess"
)

type generationRequest struct {
	Prompt       string `json:"prompt"`
	Model        string `json:"model"`
	Image        string `json:"image,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Size         string `json:"size,omitempty"`
	SourceLang   string `json:"source_lang,omitempty"`
	Optimize     bool   `json:"optimize,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Type         string `json:"type,omitempty"`
}

type videoRequest struct {
	RecordID string `json:"record_id,omitempty"`
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	Image    string `json:"image,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type generationResponse struct {
	ID       string          `json:"id"`
	Artifact string          `json:"artifact"`
	Prompt   string          `json:"prompt"`
	Model    string          `json:"model"`
	Provider string          `json:"provider"`
	Warning  string          `json:"warning,omitempty"`
	CostPTC  float64         `json:"cost_ptc"`
	Record   *history.Record `json:"record"`
}

type reportRequest struct {
	CostPTC float64 `json:"cost"`
	IsFinal bool    `json:"isFinal"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// sessionFromRequest derives the metered session from SessionHeader. No
// header means an unmetered request.
func (s *Server) sessionFromRequest(r *http.Request) (*metering.Session, error) {
	raw := r.Header.Get(SessionHeader)
	if raw == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, &metering.MeteringError{Op: metering.OpVerify, Err: fmt.Errorf("%w: %v", metering.ErrInvalidSignature, err)}
	}
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return metering.SessionFromParams(s.opts.PartnerSecret, params)
}

func sourceImage(image, imageURL string) (*adapter.SourceImage, error) {
	switch {
	case image != "":
		data, mimeType, err := artifact.DecodeBase64(image)
		if err != nil {
			return nil, fmt.Errorf("invalid image: %w", err)
		}
		return &adapter.SourceImage{Data: data, MIMEType: mimeType}, nil
	case imageURL != "":
		return &adapter.SourceImage{URL: imageURL}, nil
	default:
		return nil, nil
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generationRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Prompt) == "" || body.Model == "" {
		respondError(w, "prompt and model are required", http.StatusBadRequest)
		return
	}
	size := adapter.Size(body.Size)
	if size != "" && !size.Valid() {
		respondError(w, fmt.Sprintf("unsupported size %q", body.Size), http.StatusBadRequest)
		return
	}
	src, err := sourceImage(body.Image, body.ImageURL)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	imageType := body.Type
	if imageType == "" {
		imageType = "image"
	}
	gen, err := s.svc.GenerateImage(r.Context(), &dispatch.Request{
		Prompt:      body.Prompt,
		Model:       body.Model,
		SourceImage: src,
		Size:        size,
		SourceLang:  adapter.Language(strings.ToUpper(body.SourceLang)),
		Optimize:    preprocess.OptimizeOptions{Enabled: body.Optimize, SystemPrompt: body.SystemPrompt},
		Session:     session,
	}, imageType)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponse(gen.Record, gen.Result))
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	var body videoRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Model == "" {
		respondError(w, "model is required", http.StatusBadRequest)
		return
	}
	src, err := sourceImage(body.Image, body.ImageURL)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if src == nil && body.RecordID == "" {
		respondError(w, "image, image_url or record_id is required", http.StatusBadRequest)
		return
	}
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	gen, err := s.svc.GenerateVideo(r.Context(), body.RecordID, &dispatch.Request{
		Prompt:      body.Prompt,
		Model:       body.Model,
		SourceImage: src,
		Duration:    body.Duration,
		Session:     session,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toResponse(gen.Record, gen.Result))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeBody(w, r, &params) {
		return
	}
	if err := metering.Verify(s.opts.PartnerSecret, params); err != nil {
		respondError(w, err.Error(), http.StatusForbidden)
		return
	}
	out := map[string]any{"valid": true}
	if agent, ok := params["agentId"].(string); ok {
		out["agentId"] = agent
	}
	if sess, ok := params["sessionId"].(string); ok {
		out["sessionId"] = sess
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reporter == nil {
		respondError(w, "metering is not configured", http.StatusServiceUnavailable)
		return
	}
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !session.IsMetered() {
		respondError(w, "a metered session is required", http.StatusForbidden)
		return
	}
	var body reportRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.CostPTC < 0 {
		respondError(w, "cost must not be negative", http.StatusBadRequest)
		return
	}

	res, err := s.opts.Reporter.Report(r.Context(), metering.ReportRequest{
		AgentID:   session.AgentID,
		SessionID: session.SessionID,
		CostPTC:   body.CostPTC,
		IsFinal:   body.IsFinal,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := history.Query{Scope: scopeOf(session), PageSize: s.opts.PageSize}
	if v := r.URL.Query().Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			respondError(w, "invalid page", http.StatusBadRequest)
			return
		}
		q.Page = page
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 || size > 100 {
			respondError(w, "invalid page_size", http.StatusBadRequest)
			return
		}
		q.PageSize = size
	}

	page, err := s.svc.History().List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// recordInScope loads a record and hides it when it belongs to another
// partition.
func (s *Server) recordInScope(r *http.Request) (*history.Record, error) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		return nil, err
	}
	rec, err := s.svc.History().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if rec.SessionID != scopeOf(session).SessionID() {
		return nil, history.ErrNotFound
	}
	return rec, nil
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recordInScope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recordInScope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.History().Delete(r.Context(), rec.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		respondError(w, "artifact archive is not enabled", http.StatusNotFound)
		return
	}
	path, err := s.opts.Archive.Path(r.PathValue("name"))
	if err != nil {
		respondError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gate := s.svc.Dispatcher().Gate()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": gate.InFlight(),
		"capacity":  gate.Capacity(),
	})
}

func scopeOf(session *metering.Session) history.Scope {
	if session.IsMetered() {
		return history.ForSession(session.SessionID)
	}
	return history.Unmetered()
}

func toResponse(rec *history.Record, res *dispatch.Result) generationResponse {
	out := generationResponse{ID: rec.ID, Record: rec}
	if res != nil {
		out.Artifact = res.Payload()
		out.Prompt = res.Prompt
		out.Model = res.Model
		out.Provider = string(res.Provider)
		out.Warning = string(res.Warning)
		out.CostPTC = res.Cost
	}
	return out
}
