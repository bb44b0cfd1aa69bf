package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"refurb-tracker/internal/config"
	"refurb-tracker/internal/models"
	"refurb-tracker/internal/objstore"
	"refurb-tracker/internal/store"
)

// ThumbnailHandler renders a small preview for photo evidence so the UI
// can list a job's evidence without pulling full-size captures.
type ThumbnailHandler struct {
	cfg      config.Config
	store    *store.Store
	uploader objstore.Uploader
	log      *zap.Logger
}

func NewThumbnailHandler(cfg config.Config, st *store.Store, up objstore.Uploader, log *zap.Logger) *ThumbnailHandler {
	return &ThumbnailHandler{cfg: cfg, store: st, uploader: up, log: log}
}

// Handle renders the thumbnail for the effect's evidence item.
func (h *ThumbnailHandler) Handle(ctx context.Context, eff models.Effect) error {
	evidenceID := payloadString(eff.Payload, "evidence_id")
	if evidenceID == "" {
		return fmt.Errorf("effect %s has no evidence_id", eff.ID)
	}

	ev, err := h.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return fmt.Errorf("load evidence: %w", err)
	}
	if ev.Type != models.EvidencePhoto {
		h.log.Info("thumbnail skipped for non-photo evidence",
			zap.String("evidence_id", ev.ID), zap.String("type", ev.Type))
		return nil
	}

	data, err := h.uploader.Download(ctx, ev.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch original: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	width := h.cfg.ThumbnailWidth
	if width == 0 {
		width = 320
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}

	key := fmt.Sprintf("thumbs/%s.jpg", ev.ID)
	if _, err := h.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}

	h.log.Info("thumbnail rendered", zap.String("evidence_id", ev.ID), zap.String("key", key))
	return nil
}
