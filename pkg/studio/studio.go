// Package studio ties dispatch to the history store: every generation gets
// a pending record before the provider is called and ends success or failed.
package studio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/dispatch"
	"github.com/zen-systems/pixelgate/pkg/history"
	"github.com/zen-systems/pixelgate/pkg/logger"
)

// DefaultPollInterval is how often pending video tasks are checked.
const DefaultPollInterval = 10 * time.Second

// Generation is a dispatch result together with its history record. Result
// is nil when the generation failed.
type Generation struct {
	Record *history.Record
	Result *dispatch.Result
}

// Service runs generations and keeps their history.
type Service struct {
	dispatcher *dispatch.Dispatcher
	store      *history.Store
	log        *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a service.
func New(d *dispatch.Dispatcher, store *history.Store, opts ...Option) (*Service, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	s := &Service{dispatcher: d, store: store, log: logger.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dispatcher returns the underlying dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// History returns the underlying store.
func (s *Service) History() *history.Store {
	return s.store
}

// GenerateImage records a pending image, dispatches req and stores the
// outcome. On failure the record is marked failed with an empty artifact
// and the dispatch error is returned alongside it.
func (s *Service) GenerateImage(ctx context.Context, req *dispatch.Request, imageType string) (*Generation, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	// Unknown models never get a record. Video models go through
	// GenerateVideo so their task is tracked.
	a, _, err := s.dispatcher.Registry().Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	if a.Provider() == adapter.ProviderVideo {
		return nil, &adapter.ConfigurationError{Model: req.Model}
	}

	rec, err := s.store.Create(ctx, history.Draft{
		RawPrompt:      req.Prompt,
		ShouldOptimize: req.Optimize.Enabled,
		SessionID:      sessionID(req),
		Image: &history.Image{
			Prompt: req.Prompt,
			Model:  req.Model,
			Type:   imageType,
		},
	})
	if err != nil {
		return nil, err
	}

	res, genErr := s.dispatcher.Generate(ctx, req)
	updated, err := s.store.Modify(context.WithoutCancel(ctx), rec.ID, func(r *history.Record) error {
		if genErr != nil {
			r.Image.Status = history.StatusFailed
			r.Image.Base64 = ""
			r.Image.URL = ""
			return nil
		}
		r.Image.Status = history.StatusSuccess
		r.Image.Prompt = res.Prompt
		r.Image.Model = res.Model
		r.Image.Base64 = res.Artifact.Base64()
		r.Image.URL = res.Artifact.URL
		r.Image.Warning = string(res.Warning)
		r.Image.CostPTC = res.Cost
		return nil
	})
	if err != nil {
		s.log.Error("history update failed", "id", rec.ID, "error", err)
		if genErr != nil {
			return &Generation{Record: rec}, genErr
		}
		return &Generation{Record: rec, Result: res}, fmt.Errorf("update history %s: %w", rec.ID, err)
	}

	if genErr != nil {
		return &Generation{Record: updated}, genErr
	}
	return &Generation{Record: updated, Result: res}, nil
}

// GenerateVideo creates an image-to-video task. With a recordID the video
// is attached to that record and, when req has no source image, the
// record's image is used as the source. Without one a new record is made.
// The video stays pending until PollVideos sees the task finish.
func (s *Service) GenerateVideo(ctx context.Context, recordID string, req *dispatch.Request) (*Generation, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	a, _, err := s.dispatcher.Registry().Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	if a.Provider() != adapter.ProviderVideo {
		return nil, &adapter.ConfigurationError{Model: req.Model}
	}
	cp := *req
	req = &cp

	video := history.Video{
		Prompt:   req.Prompt,
		Model:    req.Model,
		Duration: adapter.DurationFor(req.Model, req.Duration),
	}

	var rec *history.Record
	if recordID != "" {
		existing, err := s.store.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if existing.SessionID != sessionID(req) {
			return nil, history.ErrNotFound
		}
		if req.SourceImage == nil && existing.Image != nil {
			req.SourceImage = sourceFromImage(existing.Image)
		}
		video.SourceImageBase64 = sourceBase64(req.SourceImage)
		rec, err = s.store.AddVideo(ctx, recordID, video)
		if err != nil {
			return nil, err
		}
	} else {
		video.SourceImageBase64 = sourceBase64(req.SourceImage)
		video.Status = history.StatusPending
		rec, err = s.store.Create(ctx, history.Draft{
			RawPrompt:      req.Prompt,
			ShouldOptimize: req.Optimize.Enabled,
			SessionID:      sessionID(req),
			Video:          &video,
		})
		if err != nil {
			return nil, err
		}
	}

	res, genErr := s.dispatcher.Generate(ctx, req)
	updated, err := s.store.Modify(context.WithoutCancel(ctx), rec.ID, func(r *history.Record) error {
		if genErr != nil {
			r.Video.Status = history.StatusFailed
			return nil
		}
		r.Video.TaskID = res.Artifact.TaskID
		r.Video.Prompt = res.Prompt
		r.Video.CostPTC = res.Cost
		return nil
	})
	if err != nil {
		s.log.Error("history update failed", "id", rec.ID, "error", err)
		if genErr != nil {
			return &Generation{Record: rec}, genErr
		}
		return &Generation{Record: rec, Result: res}, fmt.Errorf("update history %s: %w", rec.ID, err)
	}
	if genErr != nil {
		return &Generation{Record: updated}, genErr
	}
	s.log.Info("video task created", "id", rec.ID, "task_id", res.Artifact.TaskID, "model", res.Model)
	return &Generation{Record: updated, Result: res}, nil
}

// PollVideos checks every pending video task once and records finished
// ones. It returns the number of records moved out of pending.
func (s *Service) PollVideos(ctx context.Context) (int, error) {
	pending, err := s.store.PendingVideos(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, rec := range pending {
		if rec.Video.TaskID == "" {
			continue
		}
		checker, err := s.dispatcher.TaskChecker(rec.Video.Model)
		if err != nil {
			s.log.Warn("no task checker for video", "id", rec.ID, "model", rec.Video.Model, "error", err)
			continue
		}
		status, err := checker.TaskStatus(ctx, rec.Video.TaskID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return done, err
			}
			s.log.Warn("video status check failed", "id", rec.ID, "task_id", rec.Video.TaskID, "error", err)
			continue
		}

		var next history.Status
		switch status.State {
		case adapter.TaskSucceeded:
			next = history.StatusSuccess
		case adapter.TaskFailed:
			next = history.StatusFailed
		default:
			continue
		}
		if _, err := s.store.UpdateVideoStatus(ctx, rec.ID, next, status.VideoURL, status.CoverURL); err != nil {
			s.log.Error("video status update failed", "id", rec.ID, "error", err)
			continue
		}
		s.log.Info("video task finished", "id", rec.ID, "task_id", rec.Video.TaskID, "status", next)
		done++
	}
	return done, nil
}

// RunPoller calls PollVideos every interval until ctx is done.
func (s *Service) RunPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PollVideos(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("video poll failed", "error", err)
			}
		}
	}
}

func sessionID(req *dispatch.Request) string {
	if req.Session.IsMetered() {
		return req.Session.SessionID
	}
	return ""
}

func sourceFromImage(img *history.Image) *adapter.SourceImage {
	if img.Base64 != "" {
		if data, err := base64.StdEncoding.DecodeString(img.Base64); err == nil {
			return &adapter.SourceImage{Data: data}
		}
	}
	if img.URL != "" {
		return &adapter.SourceImage{URL: img.URL}
	}
	return nil
}

func sourceBase64(src *adapter.SourceImage) string {
	if src == nil || len(src.Data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(src.Data)
}
