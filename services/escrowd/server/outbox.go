package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowdao/core/events"
	"escrowdao/native/escrow"
	"escrowdao/services/escrowd/models"
)

// Outbox persists every committed ledger event so the notification layer can
// deliver it at least once.
type Outbox struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewOutbox(db *gorm.DB, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{db: db, logger: logger, now: time.Now}
}

// Emit implements events.Emitter. Events are already committed to the
// ledger, so a failed insert is logged rather than surfaced.
func (o *Outbox) Emit(evt events.Event) {
	if o == nil || o.db == nil || evt == nil {
		return
	}
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	raw := payload.Event()
	attrs, err := json.Marshal(raw.Attributes)
	if err != nil {
		o.logger.Error("encode outbox event", slog.String("type", raw.Type), slog.Any("error", err))
		return
	}
	escrowID := raw.Attributes["id"]
	if escrowID == "" {
		escrowID = raw.Attributes["escrowId"]
	}
	record := models.EventRecord{
		ID:         uuid.NewString(),
		Type:       raw.Type,
		EscrowID:   escrowID,
		Attributes: string(attrs),
		CreatedAt:  o.now().UTC(),
	}
	if err := o.db.Create(&record).Error; err != nil {
		o.logger.Error("persist outbox event",
			slog.String("type", raw.Type),
			slog.String("escrow_id", record.EscrowID),
			slog.Any("error", err),
		)
	}
}

type outboxEntry struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// ListOutbox returns undelivered events; owner only.
func (s *Server) ListOutbox(w http.ResponseWriter, r *http.Request) {
	if err := s.requireOwner(r); err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			s.fail(w, r, badRequest("limit must be between 1 and 1000"))
			return
		}
		limit = parsed
	}
	records, err := models.PendingEvents(s.db, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]outboxEntry, 0, len(records))
	for _, record := range records {
		entry := outboxEntry{
			ID:        record.ID,
			Type:      record.Type,
			EscrowID:  record.EscrowID,
			CreatedAt: record.CreatedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(record.Attributes), &entry.Attributes); err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

// AckOutbox marks events as delivered; owner only.
func (s *Server) AckOutbox(w http.ResponseWriter, r *http.Request) {
	if err := s.requireOwner(r); err != nil {
		s.fail(w, r, err)
		return
	}
	var req ackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := models.MarkDelivered(s.db, req.IDs, time.Now().UTC()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": len(req.IDs)})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

// SetPause pauses or resumes a module; owner only.
func (s *Server) SetPause(w http.ResponseWriter, r *http.Request) {
	if err := s.requireOwner(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.pauses == nil {
		writeError(w, http.StatusServiceUnavailable, "pause control unavailable")
		return
	}
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	module := chi.URLParam(r, "module")
	s.pauses.Set(module, req.Paused)
	s.logger.Warn("module pause updated", slog.String("module", module), slog.Bool("paused", req.Paused))
	writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": s.pauses.IsPaused(module)})
}

func (s *Server) requireOwner(r *http.Request) error {
	from, err := caller(r)
	if err != nil {
		return err
	}
	if from != s.ledger.Owner() {
		return escrow.ErrNotOwner
	}
	return nil
}
