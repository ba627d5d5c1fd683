package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/breez/partial-sync/config"
	"github.com/breez/partial-sync/middleware"
	"github.com/breez/partial-sync/reconcile"
	"github.com/breez/partial-sync/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	allResources        = "*"
	maxNotificationSize = 1 << 20
)

type changeRecordEvent struct {
	record reconcile.ChangeRecord
}

// IntakeServer receives change notifications over HTTP, reconciles them into
// the local replica and streams the resulting changes to subscribers.
type IntakeServer struct {
	config        *config.Config
	reconciler    *reconcile.Reconciler
	eventsManager *eventsManager
	registry      *prometheus.Registry
	logger        zerolog.Logger
}

func NewIntakeServer(config *config.Config, storage store.LocalStorage, fetcher reconcile.Fetcher, logger zerolog.Logger) *IntakeServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	s := &IntakeServer{
		config:        config,
		eventsManager: newEventsManager(logger),
		registry:      registry,
		logger:        logger,
	}
	s.reconciler = reconcile.New(storage, fetcher,
		reconcile.WithCommitter(s.eventsManager),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(reconcile.NewMetrics(registry)),
	)
	return s
}

func (s *IntakeServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

func (s *IntakeServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /notify", s.Notify)
	mux.HandleFunc("GET /changes", s.TrackChanges)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(mux)
}

func (s *IntakeServer) Notify(w http.ResponseWriter, r *http.Request) {
	var n reconcile.ChangeNotification
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationSize)).Decode(&n); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "notification too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	if err := middleware.Authenticate(s.config, r, &n); err != nil {
		s.logger.Warn().Err(err).Str("tables", n.Tables).Msg("rejected notification")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if _, err := s.reconciler.Process(r.Context(), n); err != nil {
		if errors.Is(err, store.ErrTableNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("tables", n.Tables).Msg("failed to process notification")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// TrackChanges streams change records as newline delimited JSON until the
// client goes away.
func (s *IntakeServer) TrackChanges(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	subscription := s.eventsManager.subscribe(config.SplitList(r.URL.Query().Get("resources")))
	defer s.eventsManager.unsubscribe(subscription)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return
			}
			if err := encoder.Encode(event.record); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

type notifyChange struct {
	record reconcile.ChangeRecord
}

type unsubscribe struct {
	subscription *subscription
}

type subscription struct {
	id         int64
	resources  []string
	eventsChan chan *changeRecordEvent
}

// eventsManager fans committed change records out to the subscribers of
// their resource. It is the reconciler's Committer.
type eventsManager struct {
	globalIDs int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	quitChan  chan struct{}
	logger    zerolog.Logger
}

func newEventsManager(logger zerolog.Logger) *eventsManager {
	return &eventsManager{
		globalIDs: 0,
		streams:   make(map[string][]*subscription),
		msgChan:   make(chan interface{}),
		quitChan:  make(chan struct{}),
		logger:    logger,
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	c.quitChan = quitChan
	go func() {
		for {
			select {
			case msg := <-c.msgChan:
				if s, ok := msg.(*subscription); ok {
					for _, resource := range s.resources {
						c.streams[resource] = append(c.streams[resource], s)
					}
				}
				if u, ok := msg.(*unsubscribe); ok {
					for _, resource := range u.subscription.resources {
						var newSubs []*subscription
						for _, sub := range c.streams[resource] {
							if sub.id != u.subscription.id {
								newSubs = append(newSubs, sub)
							}
						}
						delete(c.streams, resource)
						if len(newSubs) > 0 {
							c.streams[resource] = newSubs
						}
					}
					close(u.subscription.eventsChan)
				}
				if n, ok := msg.(*notifyChange); ok {
					subs := append(append([]*subscription{}, c.streams[n.record.Resource]...), c.streams[allResources]...)
					for _, sub := range subs {
						select {
						case sub.eventsChan <- &changeRecordEvent{record: n.record}:
						default:
							c.logger.Warn().Int64("subscription", sub.id).Str("resource", n.record.Resource).
								Msg("dropping change for slow subscriber")
						}
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

func (c *eventsManager) send(ctx context.Context, msg interface{}) error {
	select {
	case c.msgChan <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quitChan:
		return errors.New("events manager stopped")
	}
}

// Commit implements reconcile.Committer.
func (c *eventsManager) Commit(ctx context.Context, record reconcile.ChangeRecord) error {
	return c.send(ctx, &notifyChange{record: record})
}

func (c *eventsManager) subscribe(resources []string) *subscription {
	s := &subscription{
		id:         atomic.AddInt64(&c.globalIDs, 1),
		resources:  uniqueResources(resources),
		eventsChan: make(chan *changeRecordEvent, 16),
	}
	c.send(context.Background(), s)
	return s
}

// uniqueResources drops repeated names so that every change reaches a
// subscription at most once. Subscribing to all resources subsumes the rest.
func uniqueResources(resources []string) []string {
	seen := make(map[string]bool, len(resources))
	unique := make([]string, 0, len(resources))
	for _, resource := range resources {
		if resource == allResources {
			return []string{allResources}
		}
		if !seen[resource] {
			seen[resource] = true
			unique = append(unique, resource)
		}
	}
	if len(unique) == 0 {
		return []string{allResources}
	}
	return unique
}

func (c *eventsManager) unsubscribe(s *subscription) {
	c.send(context.Background(), &unsubscribe{subscription: s})
}
