package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/thesyncim/abr/internal/metrics"
	"github.com/thesyncim/abr/internal/sim"
	"github.com/thesyncim/abr/pkg/abr"
	"github.com/thesyncim/abr/pkg/abr/ladder"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler exposes the decision endpoints using go-chi.
type Handler struct {
	registry   *Registry
	ladder     *ladder.Ladder
	base       abr.Config
	simTimeout time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewHandler returns a Handler. defaultLadder may be nil, in which case
// sessions must post their formats. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(registry *Registry, defaultLadder *ladder.Ladder, base abr.Config, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		registry:   registry,
		ladder:     defaultLadder,
		base:       base,
		simTimeout: 30 * time.Second,
		log:        log,
		metrics:    m,
	}
}

// Routes mounts the session and simulation endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Post("/simulate", h.Simulate)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", h.DeleteSession)
			r.Post("/transfers", h.RecordTransfer)
			r.Post("/evaluate", h.Evaluate)
			r.Post("/stalls", h.RecordStall)
			r.Get("/score", h.Score)
		})
	})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.registry.Len()})
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	config, meterConfig, formats, err := req.resolve(h.ladder, h.base)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := []abr.Option{abr.WithLogger(h.log.With(slog.String("strategy", config.Strategy.String())))}
	if h.metrics != nil {
		opts = append(opts, abr.WithObserver(h.metrics))
	}

	p, err := h.registry.create(config, meterConfig, formats, opts...)
	switch {
	case errors.Is(err, ErrTooManySessions):
		h.writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.log.Debug("session created",
		slog.String("session_id", p.sess.ID()),
		slog.String("strategy", config.Strategy.String()),
		slog.Int("formats", len(formats)))
	if h.metrics != nil {
		h.metrics.IncSessions(config.Strategy)
	}

	l := ladder.Ladder{Formats: formats}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		ID:       p.sess.ID(),
		Strategy: config.Strategy.String(),
		Formats:  l.Rungs(),
	})
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.remove(id); err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.log.Debug("session deleted", slog.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// RecordTransfer handles POST /sessions/{id}/transfers.
// Body: { "bytes": 1250000, "elapsed_ms": 800 }.
func (h *Handler) RecordTransfer(w http.ResponseWriter, r *http.Request) {
	p, ok := h.playback(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Bytes <= 0 || req.ElapsedMs <= 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("bytes and elapsed_ms must be positive"))
		return
	}

	elapsed := time.Duration(req.ElapsedMs) * time.Millisecond
	estimate := p.meter.AddTransfer(req.Bytes, elapsed)
	p.sess.RecordTransfer(p.sess.Elapsed(), req.Bytes, elapsed)
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()

	if h.metrics != nil {
		h.metrics.AddTransfer(req.Bytes)
	}
	writeJSON(w, http.StatusOK, transferResponse{Estimate: estimate})
}

// Evaluate handles POST /sessions/{id}/evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.playback(w, r)
	if !ok {
		return
	}

	var req evaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PositionUs < 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("position_us must not be negative"))
		return
	}

	queue, err := toQueue(req.Queue, p.formats)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	position := time.Duration(req.PositionUs) * time.Microsecond
	ev, ok := p.evaluate(queue, position, index)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, errors.New("no format selected"))
		return
	}
	if h.metrics != nil {
		h.metrics.IncEvaluations(p.strategy)
	}

	resp := evaluateResponse{
		Format:   ladder.RungOf(*ev.Format),
		Trigger:  ev.Trigger.String(),
		Estimate: p.meter.GetEstimate(),
	}
	if ev.QueueSize != abr.NoTruncation {
		n := ev.QueueSize
		resp.QueueSize = &n
	}
	if phase, ok := p.phase(); ok {
		resp.Phase = phase.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordStall handles POST /sessions/{id}/stalls.
func (h *Handler) RecordStall(w http.ResponseWriter, r *http.Request) {
	p, ok := h.playback(w, r)
	if !ok {
		return
	}

	var req stallRequest
	if !h.decode(w, r, &req) {
		return
	}

	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	switch {
	case req.StartMs != nil && req.EndMs != nil:
		if *req.StartMs < 0 || *req.EndMs < *req.StartMs {
			h.writeError(w, http.StatusBadRequest, errors.New("stall must satisfy 0 <= start_ms <= end_ms"))
			return
		}
		p.sess.RecordStall(ms(*req.StartMs), ms(*req.EndMs))
	case req.StartMs != nil:
		p.sess.BeginStall(ms(*req.StartMs))
	case req.EndMs != nil:
		p.sess.EndStall(ms(*req.EndMs))
	default:
		h.writeError(w, http.StatusBadRequest, errors.New("start_ms or end_ms is required"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Score handles GET /sessions/{id}/score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	p, ok := h.playback(w, r)
	if !ok {
		return
	}

	resp := newScoreResponse(p.sess.ID(), p.strategy, p.sess.Score())
	resp.Estimate = p.meter.GetEstimate()
	resp.Transfers, _ = p.meter.Stats()
	if phase, ok := p.phase(); ok {
		resp.Phase = phase.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Simulate handles POST /simulate.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !h.decode(w, r, &req) {
		return
	}

	config, trace, err := h.simulation(&req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.simTimeout)
	defer cancel()

	res, err := sim.Run(ctx, config, trace, abr.WithLogger(h.log))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusRequestTimeout, fmt.Errorf("simulation: %w", err))
		return
	case err != nil:
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.log.Debug("simulation complete",
		slog.String("strategy", res.Strategy),
		slog.Int("segments", res.Score.Segments),
		slog.Int("rebuffers", res.Score.Rebuffers))
	if h.metrics != nil {
		h.metrics.IncSimulations(config.Selector.Strategy)
	}
	writeJSON(w, http.StatusOK, newSimulateResponse(config.Selector.Strategy, res, req.Decisions))
}

// simulation builds the run configuration and trace for req.
func (h *Handler) simulation(req *simulateRequest) (sim.Config, *sim.Trace, error) {
	config := sim.DefaultConfig()

	selector, meterConfig, formats, err := req.resolve(h.ladder, h.base)
	if err != nil {
		return config, nil, err
	}
	config.Selector = selector
	config.Meter = meterConfig
	config.Formats = formats
	config.VideoDuration = selector.BufferBased.VideoDuration

	if config.ChunkDuration, err = parseOptionalDuration("chunk_duration", req.ChunkDuration, config.ChunkDuration); err != nil {
		return config, nil, err
	}
	if h.ladder != nil && req.ChunkDuration == "" && h.ladder.SegmentDuration > 0 {
		config.ChunkDuration = h.ladder.SegmentDuration
	}
	if config.MaxBuffer, err = parseOptionalDuration("max_buffer", req.MaxBuffer, config.MaxBuffer); err != nil {
		return config, nil, err
	}

	steps := make([]sim.Step, len(req.Trace))
	for i, s := range req.Trace {
		d, err := ladder.ParseDuration(s.Duration)
		if err != nil {
			return config, nil, fmt.Errorf("trace step %d: %w", i, err)
		}
		steps[i] = sim.Step{Duration: d, Bitrate: s.Bitrate}
	}
	trace, err := sim.NewTrace("request", steps...)
	if err != nil {
		return config, nil, err
	}
	return config, trace, nil
}

// toQueue converts posted chunks, matching formats against the ladder by
// bitrate.
func toQueue(chunks []chunkRequest, formats []abr.Format) ([]abr.Chunk, error) {
	queue := make([]abr.Chunk, len(chunks))
	for i, c := range chunks {
		if c.EndUs <= c.StartUs {
			return nil, fmt.Errorf("queue[%d]: end_us must be after start_us", i)
		}
		var f abr.Format
		if idx := abr.IndexOfBitrate(formats, c.Bitrate); idx >= 0 {
			f = formats[idx]
		} else {
			f = abr.Format{Bitrate: c.Bitrate, Width: c.Width, Height: c.Height}
		}
		queue[i] = abr.Chunk{
			Start:  time.Duration(c.StartUs) * time.Microsecond,
			End:    time.Duration(c.EndUs) * time.Microsecond,
			Format: f,
		}
	}
	return queue, nil
}

// playback resolves the {id} URL parameter, writing 404 if unknown.
func (h *Handler) playback(w http.ResponseWriter, r *http.Request) (*playback, bool) {
	p, err := h.registry.get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return p, true
}

// decode reads a JSON body into v, writing 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
