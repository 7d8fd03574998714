package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/skypro1111/voice-turn-service/internal/audio"
)

// Player renders one chunk of audio. Play returns when the chunk finished
// or ctx was cancelled.
type Player interface {
	Play(ctx context.Context, format audio.Format, data []byte) error
}

// Chunk is one received piece of a response.
type Chunk struct {
	ResponseID  string
	Index       int
	Format      audio.Format
	Data        []byte
	Placeholder bool
	Terminal    bool
}

// Stats are cumulative queue counters.
type Stats struct {
	Enqueued    uint64 `json:"enqueued"`
	Played      uint64 `json:"played"`
	Dropped     uint64 `json:"dropped"`
	Interrupted uint64 `json:"interrupted"`
	Queued      int    `json:"queued"`
}

// cancelledMemory bounds how many interrupted response ids are remembered.
const cancelledMemory = 32

// Queue plays chunks strictly in arrival order, one at a time. Chunks of an
// interrupted response are dropped on arrival by response id, so audio that
// was already in flight when Interrupt ran never plays.
type Queue struct {
	player     Player
	onComplete func(responseID string)
	logger     *slog.Logger

	mu         sync.Mutex
	items      []Chunk
	current    string
	stopPlay   context.CancelFunc
	lastSeen   string
	cancelled  map[string]struct{}
	cancelList []string
	stats      Stats

	wake chan struct{}
}

// NewQueue creates a queue. onComplete, if set, is called after the terminal
// chunk of a response finished playing uninterrupted.
func NewQueue(player Player, onComplete func(responseID string), logger *slog.Logger) *Queue {
	return &Queue{
		player:     player,
		onComplete: onComplete,
		logger:     logger.With(slog.String("component", "playback")),
		cancelled:  make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue appends c. It reports false if c belongs to an interrupted
// response and was dropped.
func (q *Queue) Enqueue(c Chunk) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, gone := q.cancelled[c.ResponseID]; gone {
		q.stats.Dropped++
		return false
	}
	q.lastSeen = c.ResponseID
	q.items = append(q.items, c)
	q.stats.Enqueued++

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Interrupt stops the chunk playing now, clears the queue and marks every
// response it knew about as cancelled. Calling it again is harmless.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.items {
		q.cancelLocked(c.ResponseID)
	}
	q.cancelLocked(q.current)
	q.cancelLocked(q.lastSeen)
	if len(q.items) > 0 || q.stopPlay != nil {
		q.stats.Interrupted++
	}
	q.stats.Dropped += uint64(len(q.items))
	q.items = nil
	if q.stopPlay != nil {
		q.stopPlay()
		q.stopPlay = nil
	}
}

// Cancel marks responseID as cancelled and drops its queued chunks. It
// covers responses whose audio has not arrived yet.
func (q *Queue) Cancel(responseID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancelLocked(responseID)
	kept := q.items[:0]
	for _, c := range q.items {
		if c.ResponseID == responseID {
			q.stats.Dropped++
			continue
		}
		kept = append(kept, c)
	}
	q.items = kept
	if q.current == responseID && q.stopPlay != nil {
		q.stopPlay()
		q.stopPlay = nil
	}
}

func (q *Queue) cancelLocked(id string) {
	if id == "" {
		return
	}
	if _, ok := q.cancelled[id]; ok {
		return
	}
	q.cancelled[id] = struct{}{}
	q.cancelList = append(q.cancelList, id)
	if len(q.cancelList) > cancelledMemory {
		delete(q.cancelled, q.cancelList[0])
		q.cancelList = q.cancelList[1:]
	}
}

// Playing returns the response currently being played.
func (q *Queue) Playing() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current, q.current != ""
}

// Len returns the number of chunks waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.items)
	return s
}

// Run plays queued chunks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		c, playCtx, ok := q.next(ctx)
		if !ok {
			return ctx.Err()
		}

		var err error
		if len(c.Data) > 0 {
			err = q.player.Play(playCtx, c.Format, c.Data)
		}

		q.mu.Lock()
		_, interrupted := q.cancelled[c.ResponseID]
		if q.stopPlay != nil {
			q.stopPlay()
			q.stopPlay = nil
		}
		q.current = ""
		if !interrupted && len(c.Data) > 0 {
			q.stats.Played++
		}
		q.mu.Unlock()

		if err != nil && !interrupted && ctx.Err() == nil {
			q.logger.Warn("Playback failed",
				slog.String("response_id", c.ResponseID),
				slog.Int("segment", c.Index),
				slog.String("error", err.Error()))
		}
		if c.Terminal && !interrupted && q.onComplete != nil {
			q.onComplete(c.ResponseID)
		}
	}
}

// next blocks until a chunk is available and marks it as playing.
func (q *Queue) next(ctx context.Context) (Chunk, context.Context, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items = q.items[1:]
			playCtx, stop := context.WithCancel(ctx)
			q.current = c.ResponseID
			q.stopPlay = stop
			q.mu.Unlock()
			return c, playCtx, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, nil, false
		case <-q.wake:
		}
	}
}
