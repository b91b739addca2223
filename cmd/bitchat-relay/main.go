// bitchat-relay is a minimal store-and-forward relay for development and
// testing. It queues sealed frames per pseudonymous identity and hands
// them out on poll; it never sees plaintext or long-term identities.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type frameBatch struct {
	Frames [][]byte `json:"frames"`
}

type queueStore struct {
	mu     sync.Mutex
	queues map[string][][]byte
}

func newQueueStore() *queueStore {
	return &queueStore{queues: make(map[string][][]byte)}
}

func (s *queueStore) push(key string, frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[key] = append(s.queues[key], frames...)
}

func (s *queueStore) drain(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queues[key]
	delete(s.queues, key)
	return frames
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	qs := newQueueStore()

	http.HandleFunc("/publish/", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		key := strings.TrimPrefix(r.URL.Path, "/publish/")
		var batch frameBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		qs.push(key, batch.Frames)
		logger.Info("queued frames",
			zap.String("recipient", key),
			zap.Int("count", len(batch.Frames)))
		w.WriteHeader(http.StatusOK)
	})

	http.HandleFunc("/poll/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/poll/")
		frames := qs.drain(key)
		_ = json.NewEncoder(w).Encode(frameBatch{Frames: frames})
	})

	logger.Info("relay listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
