package services

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"knowledgehub/internal/models"
	"knowledgehub/internal/services/collaboration"
)

// changeJob is one live edit waiting for durable recording.
type changeJob struct {
	sessionID string
	userID    string
	change    collaboration.InboundChange
}

// ChangeRecorderImpl is the durable write path for live edits: a worker pool
// with one bounded queue per worker, jobs routed by session id so all writes
// to a given session land on the same worker. That preserves the aggregate's
// single-writer contract without any session-level locking.
//
// Record never blocks the broadcast path: when a queue is full the durable
// write is dropped with a warning. The live stream self-heals on reconnect via
// the session sync snapshot.
type ChangeRecorderImpl struct {
	store  SessionWriter
	queues []chan changeJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewChangeRecorder creates the recorder pool. Call Start before Record.
func NewChangeRecorder(store SessionWriter, workers, queueSize int, log zerolog.Logger) *ChangeRecorderImpl {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	queues := make([]chan changeJob, workers)
	for i := range queues {
		queues[i] = make(chan changeJob, queueSize)
	}
	return &ChangeRecorderImpl{
		store:  store,
		queues: queues,
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "recorder").Logger(),
	}
}

// Start spawns the workers.
func (s *ChangeRecorderImpl) Start() {
	for i := range s.queues {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info().Int("workers", len(s.queues)).Msg("change recorder started")
}

// Record queues a change for durable recording. Non-blocking.
func (s *ChangeRecorderImpl) Record(sessionID, userID string, change collaboration.InboundChange) {
	job := changeJob{sessionID: sessionID, userID: userID, change: change}
	q := s.queues[s.shard(sessionID)]
	select {
	case q <- job:
	default:
		s.log.Warn().
			Str("session_id", sessionID).
			Str("change_id", change.ChangeID).
			Msg("recorder queue full, dropping durable write")
	}
}

func (s *ChangeRecorderImpl) shard(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *ChangeRecorderImpl) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case job := <-s.queues[id]:
					s.process(job)
				default:
					return
				}
			}
		case job := <-s.queues[id]:
			s.process(job)
		}
	}
}

// process runs the validated aggregate entry point. Domain rejections (ended
// session, missing participant, viewer role) are dropped quietly apart from a
// log line: the broadcast already happened and must not be retroactively
// failed. A version conflict means a lifecycle write from the REST path landed
// between load and save; the job reloads and retries.
func (s *ChangeRecorderImpl) process(job changeJob) {
	ctx := context.Background()
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := s.store.GetSessionByID(ctx, job.sessionID)
		if err != nil {
			s.log.Error().Err(err).Str("session_id", job.sessionID).Msg("recorder session load failed")
			return
		}
		if _, err := sess.ApplyChange(job.userID, job.change.ChangeType, job.change.Position, job.change.Data); err != nil {
			s.log.Warn().Err(err).
				Str("session_id", job.sessionID).
				Str("user_id", job.userID).
				Msg("change rejected by aggregate")
			return
		}
		err = s.store.Save(ctx, sess)
		if err == nil {
			return
		}
		if errors.Is(err, models.ErrSessionConflict) {
			continue
		}
		s.log.Error().Err(err).Str("session_id", job.sessionID).Msg("recorder save failed")
		return
	}
	s.log.Error().
		Str("session_id", job.sessionID).
		Str("change_id", job.change.ChangeID).
		Msg("recorder gave up after repeated version conflicts")
}

// Shutdown stops the workers after draining queued jobs.
func (s *ChangeRecorderImpl) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("change recorder stopped")
}
