package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/leaseq/leaseq/internal/auth"
	"github.com/leaseq/leaseq/internal/queue"
)

type topicsResponse struct {
	Topics []queue.TopicCount `json:"topics"`
}

type putResponse struct {
	ID    int64 `json:"id"`
	Topic int64 `json:"topic"`
}

func handleListTopics(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queueConfigured(deps, w, r) || forbidden(w, r, auth.RoleReader) {
		return
	}
	topics, err := deps.Queue.Topics(r.Context())
	if err != nil {
		writeQueueError(r.Context(), w, err)
		return
	}
	if topics == nil {
		topics = []queue.TopicCount{}
	}
	writeJSON(w, http.StatusOK, topicsResponse{Topics: topics})
}

func handleTopicSize(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queueConfigured(deps, w, r) || forbidden(w, r, auth.RoleReader) {
		return
	}
	topic, ok := topicFromPath(w, r)
	if !ok {
		return
	}
	size, err := deps.Queue.Size(r.Context(), topic)
	if err != nil {
		writeQueueError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue.TopicCount{Topic: topic, Available: size})
}

func handlePutMessage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queueConfigured(deps, w, r) || forbidden(w, r, auth.RoleProducer) {
		return
	}
	topic, ok := topicFromPath(w, r)
	if !ok {
		return
	}

	body := io.Reader(r.Body)
	if limit := deps.Queue.Options().MaxPayloadSize; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, int64(limit)+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeQueueError(r.Context(), w, queue.ErrPayloadTooLarge)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body", false, map[string]any{"details": err.Error()})
		return
	}

	id, err := deps.Queue.Put(r.Context(), payload, topic)
	if err != nil {
		writeQueueError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, putResponse{ID: id, Topic: topic})
}

func queueConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Queue == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUEUE_NOT_CONFIGURED", "queue is not configured", false, nil)
		return false
	}
	return true
}

func topicFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue("topic"))
	topic, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || topic < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TOPIC", "topic must be a non-negative integer", false, map[string]any{"topic": raw})
		return 0, false
	}
	return topic, true
}
