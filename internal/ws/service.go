package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentease/cdp-relay/internal/model"
	"github.com/agentease/cdp-relay/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CDP tooling connects from arbitrary origins.
		return true
	},
}

// Number of journal writes that may wait for the writer before new ones are
// dropped.
const journalQueueSize = 256

// Journal records bridge lifecycles. *repository.BridgeRepository implements it.
type Journal interface {
	Create(ctx context.Context, rec *model.BridgeRecord) error
	Update(ctx context.Context, rec *model.BridgeRecord) error
}

// ServiceConfig holds configuration for the bridge service.
type ServiceConfig struct {
	Logger        logrus.FieldLogger
	QueueCapacity int
}

// Service runs one Bridge per upgraded client connection.
type Service struct {
	connector     Connector
	journal       Journal
	log           logrus.FieldLogger
	queueCapacity int

	mu      sync.RWMutex
	bridges map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup

	writes     chan journalWrite
	writerDone chan struct{}
	stopWriter sync.Once
}

type journalWrite struct {
	rec    model.BridgeRecord
	create bool
}

// NewService creates a new bridge service. journal may be nil.
func NewService(connector Connector, journal Journal, config ServiceConfig) *Service {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	s := &Service{
		connector:     connector,
		journal:       journal,
		log:           config.Logger,
		queueCapacity: config.QueueCapacity,
		bridges:       make(map[string]context.CancelFunc),
	}
	if journal != nil {
		s.writes = make(chan journalWrite, journalQueueSize)
		s.writerDone = make(chan struct{})
		go s.runJournal()
	}
	return s
}

// ParseOptions reads keep_alive (milliseconds) and persistent from the
// request's query string.
func ParseOptions(r *http.Request) session.Options {
	query := r.URL.Query()

	keepAlive := session.DefaultKeepAlive
	if ms, err := strconv.ParseInt(query.Get("keep_alive"), 10, 64); err == nil && ms > 0 {
		keepAlive = time.Duration(ms) * time.Millisecond
	}

	return session.Options{
		KeepAlive:  keepAlive,
		Persistent: query.Get("persistent") != "false",
	}
}

// Serve upgrades the request and relays it until the bridge closes.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	bridge := NewBridge(BridgeConfig{
		ID:            uuid.New().String(),
		Client:        conn,
		RemoteAddr:    r.RemoteAddr,
		Connector:     s.connector,
		Options:       ParseOptions(r),
		Logger:        s.log,
		Observer:      s,
		QueueCapacity: s.queueCapacity,
	})
	rec := bridge.Record()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.bridges[rec.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.bridges, rec.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.enqueueJournal(rec, true)
	bridge.Run(ctx)
	return nil
}

// BridgeChanged queues the new state of a bridge for the journal. It never
// blocks the calling bridge.
func (s *Service) BridgeChanged(rec model.BridgeRecord) {
	s.enqueueJournal(rec, false)
}

func (s *Service) enqueueJournal(rec model.BridgeRecord, create bool) {
	if s.journal == nil {
		return
	}
	select {
	case s.writes <- journalWrite{rec: rec, create: create}:
	default:
		s.log.WithFields(logrus.Fields{"bridge": rec.ID, "state": rec.State}).Warn("journal queue full, dropping bridge update")
	}
}

// runJournal applies queued writes in order until the queue is closed.
func (s *Service) runJournal() {
	defer close(s.writerDone)

	for w := range s.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if w.create {
			err = s.journal.Create(ctx, &w.rec)
		} else {
			err = s.journal.Update(ctx, &w.rec)
		}
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("bridge", w.rec.ID).Warn("failed to journal bridge")
		}
	}
}

// ActiveCount returns the number of live bridges.
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bridges)
}

// Close closes every live bridge, waits for them to finish and flushes the
// journal. Later upgrade requests are refused.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.bridges {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.stopWriter.Do(func() {
		if s.writes != nil {
			close(s.writes)
			<-s.writerDone
		}
	})
}
