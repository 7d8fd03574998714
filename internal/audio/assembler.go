package audio

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNoUtterance    = errors.New("no open utterance")
	ErrLateFrame      = errors.New("frame belongs to a finalized utterance")
	ErrDuplicateFrame = errors.New("duplicate or stale frame")
	ErrSequenceJump   = errors.New("frame too far ahead of expected sequence")
	ErrFormatMismatch = errors.New("frame format differs from utterance format")
	ErrUtteranceFull  = errors.New("utterance reached maximum size")
	ErrEmptyUtterance = errors.New("utterance has no frames")
	ErrTooShort       = errors.New("utterance below minimum duration")
)

// Frame is one inbound slice of audio. Sequence numbers start at 0 for every
// utterance.
type Frame struct {
	UtteranceID string
	Sequence    uint32
	Format      Format
	Data        []byte
}

// SeqRange is a run of Count lost sequence numbers starting at From.
type SeqRange struct {
	From  uint32 `json:"from"`
	Count uint32 `json:"count"`
}

// Utterance is a finalized, immutable block of audio ready for transcription.
type Utterance struct {
	ID             string        `json:"id"`
	Format         Format        `json:"format"`
	Audio          []byte        `json:"-"`
	Frames         int           `json:"frames"`
	Missing        []SeqRange    `json:"missing,omitempty"`
	LostFrames     int           `json:"lost_frames"`
	Degraded       bool          `json:"degraded"`
	SpeechDuration time.Duration `json:"speech_duration"`
	AudioDuration  time.Duration `json:"audio_duration"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
}

// AssemblerConfig bounds utterance assembly.
type AssemblerConfig struct {
	MinDuration  time.Duration // shortest speech accepted
	MinBytes     int           // shortest payload accepted
	MaxBytes     int           // cap on buffered audio per utterance
	GapWait      time.Duration // how long a missing frame is waited for
	MaxGapFrames int           // how many frames may queue behind a gap
}

// DefaultAssemblerConfig returns the defaults used by the service.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		MinDuration:  500 * time.Millisecond,
		MinBytes:     1000,
		MaxBytes:     16000 * 2 * 120,
		GapWait:      300 * time.Millisecond,
		MaxGapFrames: 20,
	}
}

// AssemblerStats are cumulative counters for monitoring.
type AssemblerStats struct {
	Finalized       uint64 `json:"finalized"`
	Discarded       uint64 `json:"discarded"`
	Rejected        uint64 `json:"rejected"`
	Degraded        uint64 `json:"degraded"`
	LostFrames      uint64 `json:"lost_frames"`
	LateFrames      uint64 `json:"late_frames"`
	DuplicateFrames uint64 `json:"duplicate_frames"`
	JumpFrames      uint64 `json:"jump_frames"`
}

type openUtterance struct {
	id          string
	format      Format
	hasFormat   bool
	data        []byte
	frames      int
	expectedSeq uint32
	pending     map[uint32][]byte
	gapSince    time.Time
	missing     []SeqRange
	lost        int
	startedAt   time.Time
}

// finalizedMemory is how many closed utterance ids are remembered for late
// frame rejection.
const finalizedMemory = 16

// Assembler accumulates frames of the active utterance in sequence order.
//
// Gap policy: a frame that arrives ahead of the expected sequence is held.
// The gap is abandoned, and the utterance marked degraded, once more than
// MaxGapFrames frames are held, once the oldest hole has been open for
// GapWait, or at finalization. Frames at or behind the expected sequence are
// dropped as duplicates, and frames more than twice MaxGapFrames ahead of it
// are refused. Lost frames are recorded as ranges.
//
// An Assembler is owned by one session loop and is not safe for concurrent
// use.
type Assembler struct {
	cfg       AssemblerConfig
	now       func() time.Time
	current   *openUtterance
	finalized []string
	stats     AssemblerStats
}

// NewAssembler creates an assembler. Zero config fields fall back to the
// defaults.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	def := DefaultAssemblerConfig()
	if cfg.MinDuration < 0 {
		cfg.MinDuration = 0
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.GapWait <= 0 {
		cfg.GapWait = def.GapWait
	}
	if cfg.MaxGapFrames <= 0 {
		cfg.MaxGapFrames = def.MaxGapFrames
	}
	return &Assembler{cfg: cfg, now: time.Now}
}

// SetMinDuration changes the minimum accepted speech duration.
func (a *Assembler) SetMinDuration(d time.Duration) {
	a.cfg.MinDuration = d
}

// Open starts a new utterance. Any utterance still open is discarded.
func (a *Assembler) Open(id string) {
	if a.current != nil {
		a.Discard()
	}
	a.current = &openUtterance{
		id:        id,
		pending:   make(map[uint32][]byte),
		startedAt: a.now(),
	}
}

// Active returns the id of the open utterance.
func (a *Assembler) Active() (string, bool) {
	if a.current == nil {
		return "", false
	}
	return a.current.id, true
}

// Append adds a frame to the open utterance.
func (a *Assembler) Append(f Frame) error {
	if f.UtteranceID != "" && a.wasFinalized(f.UtteranceID) {
		a.stats.LateFrames++
		return fmt.Errorf("%w: %s seq %d", ErrLateFrame, f.UtteranceID, f.Sequence)
	}
	u := a.current
	if u == nil {
		return ErrNoUtterance
	}
	if f.UtteranceID != "" && f.UtteranceID != u.id {
		return fmt.Errorf("%w: frame for %s, open is %s", ErrNoUtterance, f.UtteranceID, u.id)
	}
	if len(f.Data) == 0 {
		return nil
	}

	if !u.hasFormat {
		u.format = f.Format
		u.hasFormat = true
	} else if f.Format != u.format {
		return fmt.Errorf("%w: %s vs %s", ErrFormatMismatch, f.Format, u.format)
	}

	if f.Sequence < u.expectedSeq {
		a.stats.DuplicateFrames++
		return fmt.Errorf("%w: seq %d, expected %d", ErrDuplicateFrame, f.Sequence, u.expectedSeq)
	}
	if f.Sequence-u.expectedSeq > uint32(2*a.cfg.MaxGapFrames) {
		a.stats.JumpFrames++
		return fmt.Errorf("%w: seq %d, expected %d", ErrSequenceJump, f.Sequence, u.expectedSeq)
	}
	if _, held := u.pending[f.Sequence]; held {
		a.stats.DuplicateFrames++
		return fmt.Errorf("%w: seq %d already held", ErrDuplicateFrame, f.Sequence)
	}
	if len(u.data)+len(f.Data) > a.cfg.MaxBytes {
		return ErrUtteranceFull
	}

	if f.Sequence == u.expectedSeq {
		a.appendData(u, f.Data)
		a.drainPending(u)
		return nil
	}

	// Ahead of the expected sequence: hold it until the hole fills.
	held := make([]byte, len(f.Data))
	copy(held, f.Data)
	u.pending[f.Sequence] = held
	if u.gapSince.IsZero() {
		u.gapSince = a.now()
	}
	if len(u.pending) > a.cfg.MaxGapFrames {
		a.skipGap(u)
	}
	return nil
}

// Tick abandons a gap that has been open longer than GapWait. The session
// loop calls it periodically. It reports whether a gap was skipped.
func (a *Assembler) Tick() bool {
	u := a.current
	if u == nil || len(u.pending) == 0 || u.gapSince.IsZero() {
		return false
	}
	if a.now().Sub(u.gapSince) < a.cfg.GapWait {
		return false
	}
	a.skipGap(u)
	return true
}

// Finalize closes the open utterance and returns it. speechDuration is the
// duration reported by the detector; zero means measure the audio instead.
// Utterances with no audio or shorter than the minimum are discarded and an
// error is returned.
func (a *Assembler) Finalize(speechDuration time.Duration) (*Utterance, error) {
	u := a.current
	if u == nil {
		return nil, ErrNoUtterance
	}
	a.current = nil
	a.remember(u.id)

	for len(u.pending) > 0 {
		a.skipGap(u)
	}

	if u.frames == 0 {
		a.stats.Rejected++
		return nil, ErrEmptyUtterance
	}

	audioDuration := u.format.Duration(len(u.data))
	effective := speechDuration
	if effective == 0 {
		effective = audioDuration
	}
	if effective < a.cfg.MinDuration || (u.format.IsPCM() && audioDuration < a.cfg.MinDuration) {
		a.stats.Rejected++
		return nil, fmt.Errorf("%w: %v < %v", ErrTooShort, effective, a.cfg.MinDuration)
	}
	if len(u.data) < a.cfg.MinBytes {
		a.stats.Rejected++
		return nil, fmt.Errorf("%w: %d bytes < %d", ErrTooShort, len(u.data), a.cfg.MinBytes)
	}

	a.stats.Finalized++
	if len(u.missing) > 0 {
		a.stats.Degraded++
	}
	return &Utterance{
		ID:             u.id,
		Format:         u.format,
		Audio:          u.data,
		Frames:         u.frames,
		Missing:        u.missing,
		LostFrames:     u.lost,
		Degraded:       len(u.missing) > 0,
		SpeechDuration: speechDuration,
		AudioDuration:  audioDuration,
		StartedAt:      u.startedAt,
		EndedAt:        a.now(),
	}, nil
}

// Discard drops the open utterance without finalizing it. Frames that arrive
// for it later are rejected as late.
func (a *Assembler) Discard() {
	if a.current == nil {
		return
	}
	a.remember(a.current.id)
	a.current = nil
	a.stats.Discarded++
}

// Stats returns a copy of the counters.
func (a *Assembler) Stats() AssemblerStats {
	return a.stats
}

func (a *Assembler) appendData(u *openUtterance, data []byte) {
	u.data = append(u.data, data...)
	u.frames++
	u.expectedSeq++
}

func (a *Assembler) drainPending(u *openUtterance) {
	for {
		data, ok := u.pending[u.expectedSeq]
		if !ok {
			break
		}
		delete(u.pending, u.expectedSeq)
		a.appendData(u, data)
	}
	if len(u.pending) == 0 {
		u.gapSince = time.Time{}
	} else {
		u.gapSince = a.now()
	}
}

// skipGap gives up on the lowest hole and resumes from the next held frame.
func (a *Assembler) skipGap(u *openUtterance) {
	if len(u.pending) == 0 {
		return
	}
	seqs := make([]uint32, 0, len(u.pending))
	for seq := range u.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	next := seqs[0]
	count := next - u.expectedSeq
	u.missing = append(u.missing, SeqRange{From: u.expectedSeq, Count: count})
	u.lost += int(count)
	a.stats.LostFrames += uint64(count)
	u.expectedSeq = next
	a.drainPending(u)
}

func (a *Assembler) remember(id string) {
	if id == "" {
		return
	}
	a.finalized = append(a.finalized, id)
	if len(a.finalized) > finalizedMemory {
		a.finalized = a.finalized[len(a.finalized)-finalizedMemory:]
	}
}

func (a *Assembler) wasFinalized(id string) bool {
	for _, f := range a.finalized {
		if f == id {
			return true
		}
	}
	return false
}
