package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Control message types.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgGetVersion  = "GET_VERSION"
	MsgClearCache  = "CLEAR_CACHE"
)

var (
	ErrUnknownMessage = errors.New("worker: unknown message")
	ErrNoActiveWorker = errors.New("worker: no active worker")
)

type Message struct {
	Type string `json:"type"`
}

type Reply struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handle processes one control message.
func (r *Registration) Handle(ctx context.Context, msg Message) (Reply, error) {
	switch msg.Type {
	case MsgSkipWaiting:
		activated, err := r.SkipWaiting(ctx)
		if err != nil {
			return Reply{}, err
		}
		reply := Reply{OK: true}
		if w := r.Active(); w != nil && activated {
			reply.Version = w.CacheName()
		}
		return reply, nil

	case MsgGetVersion:
		w := r.Active()
		if w == nil {
			return Reply{}, ErrNoActiveWorker
		}
		return Reply{OK: true, Version: w.CacheName()}, nil

	case MsgClearCache:
		names, err := r.storage.Names(ctx)
		if err != nil {
			return Reply{}, err
		}
		for _, name := range names {
			if _, err := r.storage.Delete(ctx, name); err != nil {
				return Reply{}, err
			}
		}
		r.logger.Info("caches cleared", zap.Int("caches", len(names)))
		return Reply{OK: true}, nil

	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// MessageHandler accepts control messages as JSON POST bodies.
func (r *Registration) MessageHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		var msg Message
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			writeReply(rw, http.StatusBadRequest, Reply{Error: "invalid message: " + err.Error()})
			return
		}

		reply, err := r.Handle(req.Context(), msg)
		switch {
		case errors.Is(err, ErrUnknownMessage):
			writeReply(rw, http.StatusBadRequest, Reply{Error: err.Error()})
		case errors.Is(err, ErrNoActiveWorker):
			writeReply(rw, http.StatusServiceUnavailable, Reply{Error: err.Error()})
		case err != nil:
			r.logger.Error("message failed", zap.String("type", msg.Type), zap.Error(err))
			writeReply(rw, http.StatusInternalServerError, Reply{Error: err.Error()})
		default:
			writeReply(rw, http.StatusOK, reply)
		}
	})
}

func writeReply(rw http.ResponseWriter, status int, reply Reply) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(reply)
}
