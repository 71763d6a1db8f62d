package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/metrics"
	"github.com/veilsend/veilsend/pkg/pool"
	"github.com/veilsend/veilsend/pkg/signal"
	"github.com/veilsend/veilsend/pkg/wire"
)

// Link sends protocol messages to the peer. A session satisfies it; tests
// substitute an in-memory pipe.
type Link interface {
	Send(inner wire.Inner) error
}

// backoffDelay returns the bounded exponential delay before retry attempt
// (zero-based).
func backoffDelay(attempt int) time.Duration {
	d := constants.TransportRetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= constants.TransportRetryCap {
			return constants.TransportRetryCap
		}
	}
	return d
}

// sleep waits for d or ctx, whichever ends first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SenderConfig configures an outbound transfer.
type SenderConfig struct {
	Link     Link
	Executor pool.Executor
	Store    *Store
	Observer *metrics.TransferObserver
	Sizer    *Sizer

	// Limiter caps outbound bandwidth. Nil means unlimited.
	Limiter *rate.Limiter

	// Cancel aborts the transfer when set, from either side.
	Cancel signal.Signal

	// Notify, when set, receives progress updates during the transfer and
	// one terminal event. Called inline from the transfer's own paths; it
	// must not block or call back into the sender.
	Notify func(Event)
}

func (c *SenderConfig) applyDefaults() {
	if c.Cancel == nil {
		c.Cancel = signal.NewAtomic()
	}
}

// Sender drives one outbound transfer. Run pushes chunks; HandleAck and
// HandleControl must be fed from the session's event loop.
type Sender struct {
	cfg     SenderConfig
	job     *Job
	chunker *Chunker
	tracker *Tracker

	mu        sync.Mutex
	acked     Bitmap
	window    uint32
	sent      map[uint64]time.Time
	paused    bool
	rejected  bool
	accepted  chan struct{}
	acceptOne sync.Once
	ackNotify chan struct{}
}

// NewSender prepares a transfer of the file at path.
func NewSender(cfg SenderConfig, path, name string) (*Sender, error) {
	cfg.applyDefaults()

	chunkSize := uint32(constants.DefaultChunkSize)
	if cfg.Sizer != nil {
		chunkSize = cfg.Sizer.ChunkSize()
	}

	chunker, err := NewChunker(path, chunkSize)
	if err != nil {
		return nil, err
	}
	fileHash, err := chunker.FileHash()
	if err != nil {
		chunker.Close()
		return nil, err
	}
	job, err := NewJob(name, path, chunker.Size(), chunkSize, fileHash)
	if err != nil {
		chunker.Close()
		return nil, err
	}

	return &Sender{
		cfg:       cfg,
		job:       job,
		chunker:   chunker,
		tracker:   NewTracker(chunker.Size()),
		acked:     NewBitmap(job.NumChunks()),
		window:    constants.DefaultWindowSize,
		sent:      make(map[uint64]time.Time),
		accepted:  make(chan struct{}),
		ackNotify: make(chan struct{}, 1),
	}, nil
}

// ResumeSender reopens a persisted outbound transfer under its original
// id. Chunks the receiver already acked are not resent.
func ResumeSender(cfg SenderConfig, job *Job) (*Sender, error) {
	cfg.applyDefaults()
	if job.State.Terminal() {
		return nil, verrors.NewProtocolError("transfer resume", verrors.ErrInvalidState)
	}

	chunker, err := NewChunker(job.Path, job.ChunkSize)
	if err != nil {
		return nil, err
	}

	job.State = StateInitializing
	s := &Sender{
		cfg:       cfg,
		job:       job,
		chunker:   chunker,
		tracker:   NewTracker(job.Size),
		acked:     Bitmap(job.Bitmap).Clone(),
		window:    constants.DefaultWindowSize,
		sent:      make(map[uint64]time.Time),
		accepted:  make(chan struct{}),
		ackNotify: make(chan struct{}, 1),
	}
	s.tracker.SetDone(s.acked.Count(job.NumChunks()) * uint64(job.ChunkSize))
	return s, nil
}

// ResumeOrNewSender resumes the persisted non-terminal job for path when the
// store holds one and the file is unchanged, and starts a fresh transfer
// otherwise. A stale record for the path is discarded.
func ResumeOrNewSender(cfg SenderConfig, path, name string) (*Sender, error) {
	if cfg.Store != nil {
		jobs, err := cfg.Store.List()
		if err == nil {
			for _, job := range jobs {
				if job.Path != path || job.State.Terminal() {
					continue
				}
				if info, err := os.Stat(path); err == nil && uint64(info.Size()) == job.Size {
					if s, err := ResumeSender(cfg, job); err == nil {
						return s, nil
					}
				}
				cfg.Store.Delete(job.ID)
				break
			}
		}
	}
	return NewSender(cfg, path, name)
}

// Job returns the sender's job record.
func (s *Sender) Job() *Job { return s.job }

func (s *Sender) notify(kind EventKind, err error) {
	if s.cfg.Notify == nil {
		return
	}
	s.cfg.Notify(Event{Kind: kind, TransferID: s.job.ID, Progress: s.tracker.Snapshot(), Err: err})
}

// Progress returns the current transfer progress.
func (s *Sender) Progress() Progress { return s.tracker.Snapshot() }

// Cancel aborts the transfer and tells the peer.
func (s *Sender) Cancel() {
	s.cfg.Cancel.Set()
	s.cfg.Link.Send(&wire.TransferControl{TransferID: s.job.ID, Op: wire.ControlCancel})
}

// HandleAck folds the receiver's bitmap and window into the sender's view.
func (s *Sender) HandleAck(ack *wire.ChunkAck) {
	if ack.TransferID != s.job.ID {
		return
	}

	s.mu.Lock()
	now := time.Now()
	n := s.job.NumChunks()
	for i := uint64(0); i < n; i++ {
		if Bitmap(ack.Bitmap).IsSet(i) && !s.acked.IsSet(i) {
			s.acked.Set(i)
			if sentAt, ok := s.sent[i]; ok {
				rtt := now.Sub(sentAt)
				delete(s.sent, i)
				if s.cfg.Sizer != nil {
					s.cfg.Sizer.Observe(rtt)
				}
			}
		}
	}
	if ack.Window > 0 {
		s.window = ack.Window
	}
	s.mu.Unlock()

	select {
	case s.ackNotify <- struct{}{}:
	default:
	}
}

// HandleControl reacts to the receiver's transfer decisions.
func (s *Sender) HandleControl(ctl *wire.TransferControl) {
	if ctl.TransferID != s.job.ID {
		return
	}
	switch ctl.Op {
	case wire.ControlAccept:
		s.acceptOne.Do(func() { close(s.accepted) })
	case wire.ControlReject:
		s.mu.Lock()
		s.rejected = true
		s.mu.Unlock()
		s.acceptOne.Do(func() { close(s.accepted) })
	case wire.ControlPause:
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
	case wire.ControlResume:
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
		select {
		case s.ackNotify <- struct{}{}:
		default:
		}
	case wire.ControlCancel:
		s.cfg.Cancel.Set()
	}
}

// Run offers the file and pushes chunks until the receiver has everything.
// It returns once the transfer completes, fails, or is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	defer s.chunker.Close()

	offer := &wire.TransferControl{
		TransferID: s.job.ID,
		Op:         wire.ControlOffer,
		Name:       s.job.Name,
		Size:       s.job.Size,
		ChunkSize:  s.job.ChunkSize,
		FileHash:   s.job.FileHash,
	}
	if err := s.cfg.Link.Send(offer); err != nil {
		return s.fail(err)
	}

	select {
	case <-s.accepted:
	case <-ctx.Done():
		return s.fail(ctx.Err())
	case <-s.cfg.Cancel.Done():
		return s.cancelled()
	}

	s.mu.Lock()
	rejected := s.rejected
	s.mu.Unlock()
	if rejected {
		return s.fail(verrors.NewProtocolError("transfer offer", verrors.ErrInvalidState))
	}

	if err := s.job.Transition(StateTransferring); err != nil {
		return err
	}
	s.persist()

	if err := s.sendLoop(ctx); err != nil {
		return err
	}

	if err := s.job.Transition(StateVerifying); err != nil {
		return err
	}
	if err := s.cfg.Link.Send(&wire.TransferControl{TransferID: s.job.ID, Op: wire.ControlComplete}); err != nil {
		return s.fail(err)
	}
	if err := s.job.Transition(StateCompleted); err != nil {
		return err
	}
	s.persist()
	if s.cfg.Store != nil {
		s.cfg.Store.Delete(s.job.ID)
	}

	p := s.tracker.Snapshot()
	s.cfg.Observer.OnComplete(p.BytesDone, p.Elapsed)
	s.notify(EventCompleted, nil)
	return nil
}

// sendLoop pushes missing chunks in rounds until the receiver acks all of
// them. Each round only resends what the latest bitmap reports missing.
func (s *Sender) sendLoop(ctx context.Context) error {
	n := s.job.NumChunks()
	rounds := 0
	for {
		s.mu.Lock()
		missing := s.acked.Missing(n)
		s.mu.Unlock()
		if len(missing) == 0 {
			return nil
		}
		if rounds > constants.MaxTransportRetries {
			s.cfg.Observer.OnStall(missing[0])
			s.fail(verrors.ErrTransferStalled)
			return verrors.ErrTransferStalled
		}

		for _, index := range missing {
			if err := s.waitSendable(ctx, index); err != nil {
				return err
			}
			if err := s.sendChunk(ctx, index); err != nil {
				return err
			}
		}

		if err := s.waitAckProgress(ctx, n, rounds); err != nil {
			return err
		}
		rounds++
	}
}

// waitSendable blocks while paused or while the in-flight count fills the
// receiver's window.
func (s *Sender) waitSendable(ctx context.Context, index uint64) error {
	tick := time.NewTicker(constants.TransportRetryBase * 4)
	defer tick.Stop()
	for {
		s.mu.Lock()
		// Unacked sends older than the retry cap count as lost, not
		// in-flight, so a burst of dropped acks cannot wedge the window.
		cutoff := time.Now().Add(-constants.TransportRetryCap)
		for i, at := range s.sent {
			if at.Before(cutoff) {
				delete(s.sent, i)
			}
		}
		ready := !s.paused && uint32(len(s.sent)) < s.window
		alreadyAcked := s.acked.IsSet(index)
		s.mu.Unlock()
		if alreadyAcked || ready {
			return nil
		}

		select {
		case <-s.ackNotify:
		case <-tick.C:
		case <-ctx.Done():
			return s.fail(ctx.Err())
		case <-s.cfg.Cancel.Done():
			return s.cancelled()
		}
	}
}

// sendChunk reads, hashes and transmits one chunk, retrying transport
// failures with bounded backoff. Repeated failure on the same index probes
// the link once more and then declares the transfer stalled.
func (s *Sender) sendChunk(ctx context.Context, index uint64) error {
	chunk, err := s.readChunk(ctx, index)
	if err != nil {
		return s.fail(err)
	}

	if s.cfg.Limiter != nil && len(chunk.Data) > 0 {
		if err := s.cfg.Limiter.WaitN(ctx, len(chunk.Data)); err != nil {
			return s.fail(err)
		}
	}

	msg := &wire.ChunkData{
		TransferID:  s.job.ID,
		Index:       index,
		ContentHash: chunk.Hash,
		Data:        chunk.Data,
	}

	for attempt := 0; ; attempt++ {
		err := s.cfg.Link.Send(msg)
		if err == nil {
			s.mu.Lock()
			if _, resend := s.sent[index]; !resend {
				s.tracker.Add(uint64(len(chunk.Data)))
			}
			s.sent[index] = time.Now()
			s.mu.Unlock()
			s.cfg.Observer.OnChunkSent(len(chunk.Data), 0)
			s.notify(EventProgress, nil)
			return nil
		}

		if attempt+1 >= constants.MaxChunkRetries {
			if probeErr := s.probe(ctx); probeErr != nil {
				s.cfg.Observer.OnStall(index)
				s.fail(verrors.ErrTransferStalled)
				return verrors.ErrTransferStalled
			}
			attempt = -1
			continue
		}

		s.cfg.Observer.OnRetry(index, attempt+1)
		if err := sleep(ctx, backoffDelay(attempt)); err != nil {
			return s.fail(err)
		}
	}
}

// readChunk runs the read and hash on the executor when one is configured.
func (s *Sender) readChunk(ctx context.Context, index uint64) (*Chunk, error) {
	if s.cfg.Executor == nil {
		return s.chunker.ReadChunk(index)
	}

	var chunk *Chunk
	f, err := s.cfg.Executor.Submit(pool.Task{
		ID: fmt.Sprintf("chunk-read-%d", index),
		Run: func(context.Context) error {
			var err error
			chunk, err = s.chunker.ReadChunk(index)
			return err
		},
	})
	if err != nil {
		// Pool saturated or closed; fall back to the calling goroutine.
		return s.chunker.ReadChunk(index)
	}
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	return chunk, nil
}

// probe checks the link is still alive after repeated chunk failures by
// sending a minimal control message with full backoff.
func (s *Sender) probe(ctx context.Context) error {
	for attempt := 0; attempt < constants.MaxChunkRetries; attempt++ {
		if err := sleep(ctx, backoffDelay(attempt)); err != nil {
			return err
		}
		err := s.cfg.Link.Send(&wire.TransferControl{TransferID: s.job.ID, Op: wire.ControlResume})
		if err == nil {
			return nil
		}
	}
	return verrors.ErrTransportFailure
}

// waitAckProgress waits for ack movement after a full round. The wait
// grows with each fruitless round on the usual backoff schedule.
func (s *Sender) waitAckProgress(ctx context.Context, n uint64, round int) error {
	s.mu.Lock()
	before := s.acked.Count(n)
	allAcked := before == n
	s.mu.Unlock()
	if allAcked {
		return nil
	}

	deadline := time.NewTimer(backoffDelay(round))
	defer deadline.Stop()
	for {
		select {
		case <-s.ackNotify:
			s.mu.Lock()
			after := s.acked.Count(n)
			s.mu.Unlock()
			if after > before || after == n {
				return nil
			}
		case <-deadline.C:
			// No movement; the round loop decides whether to resend or
			// give up.
			return nil
		case <-ctx.Done():
			return s.fail(ctx.Err())
		case <-s.cfg.Cancel.Done():
			return s.cancelled()
		}
	}
}

func (s *Sender) fail(cause error) error {
	if !s.job.State.Terminal() {
		s.job.Transition(StateFailed)
		s.persist()
	}
	s.cfg.Observer.OnFail(cause)
	s.notify(EventFailed, cause)
	return cause
}

func (s *Sender) cancelled() error {
	if !s.job.State.Terminal() {
		s.job.Transition(StateCancelled)
		s.persist()
	}
	s.notify(EventCancelled, nil)
	return context.Canceled
}

func (s *Sender) persist() {
	if s.cfg.Store == nil {
		return
	}
	s.mu.Lock()
	s.job.Bitmap = s.acked.Clone()
	s.mu.Unlock()
	s.cfg.Store.Save(s.job)
}

// ReceiverConfig configures an inbound transfer.
type ReceiverConfig struct {
	Link     Link
	Executor pool.Executor
	Store    *Store
	Observer *metrics.TransferObserver

	// Window advertised to the sender. Zero means the default.
	Window uint32

	// AckInterval is how many chunks between acks. Zero means 16.
	AckInterval int

	// Cancel aborts the transfer when set.
	Cancel signal.Signal

	// Notify, when set, receives progress updates during the transfer and
	// one terminal event. Called inline from the transfer's own paths; it
	// must not block or call back into the receiver.
	Notify func(Event)
}

func (c *ReceiverConfig) applyDefaults() {
	if c.Window == 0 {
		c.Window = constants.DefaultWindowSize
	}
	if c.AckInterval <= 0 {
		c.AckInterval = 16
	}
	if c.Cancel == nil {
		c.Cancel = signal.NewAtomic()
	}
}

// Receiver assembles one inbound transfer. HandleChunk and HandleControl
// must be fed from the session's event loop.
type Receiver struct {
	cfg     ReceiverConfig
	job     *Job
	writer  *ChunkWriter
	tracker *Tracker

	mu       sync.Mutex
	sinceAck int
	done     bool
}

// NewReceiver accepts an offered transfer, writing to destPath.
func NewReceiver(cfg ReceiverConfig, offer *wire.TransferControl, destPath string) (*Receiver, error) {
	cfg.applyDefaults()
	if offer.Op != wire.ControlOffer {
		return nil, verrors.NewProtocolError("transfer accept", verrors.ErrInvalidState)
	}

	writer, err := NewChunkWriter(destPath, offer.Size, offer.ChunkSize)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        offer.TransferID,
		Name:      offer.Name,
		Path:      destPath,
		Size:      offer.Size,
		ChunkSize: offer.ChunkSize,
		FileHash:  offer.FileHash,
		State:     StateInitializing,
		Bitmap:    writer.Received(),
	}

	r := &Receiver{
		cfg:     cfg,
		job:     job,
		writer:  writer,
		tracker: NewTracker(offer.Size),
	}
	if err := r.accept(); err != nil {
		writer.Close()
		return nil, err
	}
	return r, nil
}

// ResumeReceiver reopens a persisted inbound transfer. The ack it sends
// carries the existing bitmap, so the sender only resends what is missing.
func ResumeReceiver(cfg ReceiverConfig, job *Job) (*Receiver, error) {
	cfg.applyDefaults()
	if job.State.Terminal() {
		return nil, verrors.NewProtocolError("transfer resume", verrors.ErrInvalidState)
	}

	writer, err := ResumeChunkWriter(job.Path, job.Size, job.ChunkSize, job.Bitmap)
	if err != nil {
		return nil, err
	}

	job.State = StateInitializing
	r := &Receiver{
		cfg:     cfg,
		job:     job,
		writer:  writer,
		tracker: NewTracker(job.Size),
	}
	r.tracker.SetDone(writer.ReceivedCount() * uint64(job.ChunkSize))

	if err := r.accept(); err != nil {
		writer.Close()
		return nil, err
	}
	if err := r.sendAck(); err != nil {
		writer.Close()
		return nil, err
	}
	return r, nil
}

func (r *Receiver) accept() error {
	if err := r.cfg.Link.Send(&wire.TransferControl{TransferID: r.job.ID, Op: wire.ControlAccept}); err != nil {
		return err
	}
	if err := r.job.Transition(StateTransferring); err != nil {
		return err
	}
	r.persist()
	return nil
}

// Job returns the receiver's job record.
func (r *Receiver) Job() *Job { return r.job }

func (r *Receiver) notify(kind EventKind, err error) {
	if r.cfg.Notify == nil {
		return
	}
	r.cfg.Notify(Event{Kind: kind, TransferID: r.job.ID, Progress: r.tracker.Snapshot(), Err: err})
}

// Progress returns the current transfer progress.
func (r *Receiver) Progress() Progress { return r.tracker.Snapshot() }

// Done reports whether the file is fully received and verified.
func (r *Receiver) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Cancel aborts the transfer and tells the sender.
func (r *Receiver) Cancel() {
	r.cfg.Cancel.Set()
	r.cfg.Link.Send(&wire.TransferControl{TransferID: r.job.ID, Op: wire.ControlCancel})
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.job.State.Terminal() {
		r.job.Transition(StateCancelled)
		r.persistLocked()
		r.notify(EventCancelled, nil)
	}
	r.writer.Close()
}

// HandleChunk verifies and stores one inbound chunk. A content hash
// mismatch is reported and the chunk stays unacked, which makes the
// sender retransmit it.
func (r *Receiver) HandleChunk(chunk *wire.ChunkData) error {
	if chunk.TransferID != r.job.ID {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done || r.job.State.Terminal() {
		return nil
	}
	if r.writer.received.IsSet(chunk.Index) {
		// Duplicate from a resend round; re-ack so the sender catches up.
		return r.sendAckLocked()
	}

	if err := r.writeChunk(chunk); err != nil {
		if errors.Is(err, verrors.ErrContentHashMismatch) {
			r.cfg.Observer.OnRetry(chunk.Index, 1)
			r.sendAckLocked()
		}
		return err
	}

	r.tracker.Add(uint64(len(chunk.Data)))
	r.cfg.Observer.OnChunkReceived(len(chunk.Data))
	r.notify(EventProgress, nil)

	r.sinceAck++
	if r.sinceAck >= r.cfg.AckInterval || r.writer.IsComplete() {
		r.sinceAck = 0
		r.persistLocked()
		if err := r.sendAckLocked(); err != nil {
			return err
		}
	}

	if r.writer.IsComplete() {
		return r.finishLocked()
	}
	return nil
}

// writeChunk runs hash verification and the write on the executor when one
// is configured.
func (r *Receiver) writeChunk(chunk *wire.ChunkData) error {
	if r.cfg.Executor == nil {
		return r.writer.WriteChunk(chunk.Index, chunk.Data, chunk.ContentHash)
	}

	f, err := r.cfg.Executor.Submit(pool.Task{
		ID: fmt.Sprintf("chunk-write-%d", chunk.Index),
		Run: func(context.Context) error {
			return r.writer.WriteChunk(chunk.Index, chunk.Data, chunk.ContentHash)
		},
	})
	if err != nil {
		return r.writer.WriteChunk(chunk.Index, chunk.Data, chunk.ContentHash)
	}
	return f.Wait(context.Background())
}

func (r *Receiver) finishLocked() error {
	if err := r.job.Transition(StateVerifying); err != nil {
		return err
	}
	if err := r.writer.VerifyFileHash(r.job.FileHash); err != nil {
		r.job.Transition(StateFailed)
		r.persistLocked()
		r.cfg.Observer.OnFail(err)
		r.notify(EventFailed, err)
		return err
	}
	if err := r.job.Transition(StateCompleted); err != nil {
		return err
	}
	r.done = true
	r.writer.Close()
	if r.cfg.Store != nil {
		r.cfg.Store.Delete(r.job.ID)
	}

	p := r.tracker.Snapshot()
	r.cfg.Observer.OnComplete(p.BytesDone, p.Elapsed)
	r.notify(EventCompleted, nil)
	return r.cfg.Link.Send(&wire.TransferControl{TransferID: r.job.ID, Op: wire.ControlComplete})
}

// HandleControl reacts to the sender's transfer decisions.
func (r *Receiver) HandleControl(ctl *wire.TransferControl) {
	if ctl.TransferID != r.job.ID {
		return
	}
	switch ctl.Op {
	case wire.ControlCancel:
		r.cfg.Cancel.Set()
		r.mu.Lock()
		if !r.job.State.Terminal() {
			r.job.Transition(StateCancelled)
			r.persistLocked()
			r.notify(EventCancelled, nil)
		}
		r.writer.Close()
		r.mu.Unlock()
	case wire.ControlPause:
		r.mu.Lock()
		if r.job.State == StateTransferring {
			r.job.Transition(StatePaused)
		}
		r.mu.Unlock()
	case wire.ControlResume:
		r.mu.Lock()
		if r.job.State == StatePaused {
			r.job.Transition(StateTransferring)
		}
		r.mu.Unlock()
	case wire.ControlComplete:
		// Completion is driven by the bitmap, nothing to do here.
	}
}

func (r *Receiver) sendAck() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendAckLocked()
}

func (r *Receiver) sendAckLocked() error {
	return r.cfg.Link.Send(&wire.ChunkAck{
		TransferID: r.job.ID,
		Bitmap:     r.writer.Received(),
		Window:     r.cfg.Window,
	})
}

func (r *Receiver) persist() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistLocked()
}

func (r *Receiver) persistLocked() {
	if r.cfg.Store == nil {
		return
	}
	r.job.Bitmap = r.writer.Received()
	r.cfg.Store.Save(r.job)
}
