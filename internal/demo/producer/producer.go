package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Service struct {
	cfg       Config
	log       *slog.Logger
	http      *http.Client
	generator *Generator
}

type putResponse struct {
	ID    int64 `json:"id"`
	Topic int64 `json:"topic"`
}

func NewService(cfg Config, logger *slog.Logger, client *http.Client) (*Service, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if cfg.FirstTopic < 0 {
		return nil, fmt.Errorf("first topic must be >= 0")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	return &Service{
		cfg:       cfg,
		log:       logger,
		http:      client,
		generator: NewGenerator(cfg.Seed, cfg.ProducerID, cfg.FirstTopic, cfg.TopicCount, cfg.UserCardinality),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.produceOnce(ctx); err != nil {
			s.log.Error("failed to publish demo batch", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// produceOnce puts BatchSize jobs and stops at the first failure.
func (s *Service) produceOnce(ctx context.Context) error {
	perTopic := map[int64]int{}
	var lastID int64
	for i := 0; i < s.cfg.BatchSize; i++ {
		envelope := s.generator.Next()
		response, err := s.put(ctx, envelope)
		if err != nil {
			return fmt.Errorf("put job %s: %w", envelope.Job.JobID, err)
		}
		perTopic[response.Topic]++
		lastID = response.ID
	}

	s.log.Info(
		"published demo batch",
		slog.String("producer_id", s.cfg.ProducerID),
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Int("topics", len(perTopic)),
		slog.Int64("last_message_id", lastID),
	)
	return nil
}

func (s *Service) put(ctx context.Context, envelope Envelope) (putResponse, error) {
	raw, err := json.Marshal(envelope.Job)
	if err != nil {
		return putResponse{}, fmt.Errorf("marshal job: %w", err)
	}

	path := "/v1/topics/" + strconv.FormatInt(envelope.Topic, 10) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return putResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return putResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return putResponse{}, err
	}
	if resp.StatusCode != http.StatusCreated {
		return putResponse{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response putResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return putResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return response, nil
}
