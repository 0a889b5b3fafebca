// Package vcmtp implements the sender side of VCMTP-v3, a reliable
// multicast file transfer protocol: a product is sent once over UDP
// multicast, and any receiver that misses part of it recovers the
// missing bytes over a unicast TCP control connection back to this
// sender.
package vcmtp

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vcmtp-project/sender3/internal/acceptor"
	"github.com/vcmtp-project/sender3/internal/config"
	"github.com/vcmtp-project/sender3/internal/connid"
	"github.com/vcmtp-project/sender3/internal/delayqueue"
	"github.com/vcmtp-project/sender3/internal/mcast"
	"github.com/vcmtp-project/sender3/internal/notify"
	"github.com/vcmtp-project/sender3/internal/retx"
	"github.com/vcmtp-project/sender3/internal/stream"
	"github.com/vcmtp-project/sender3/internal/timer"
	"github.com/vcmtp-project/sender3/internal/util"
	"github.com/vcmtp-project/sender3/internal/vcmtperr"
	"github.com/vcmtp-project/sender3/internal/wire"
)

// Sender is a VCMTP-v3 sender instance: one multicast sink, one TCP
// control-connection acceptor, and the retransmission bookkeeping that
// ties them together.
type Sender struct {
	id  uuid.UUID
	cfg config.Config
	log *util.Logger

	sink  *mcast.Sink
	acc   *acceptor.Task
	table *retx.Table
	queue *delayqueue.Queue
	timer *timer.Task

	nextProdIndex atomic.Uint32
	onComplete    notify.Func

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopErr  error
}

// New constructs a Sender bound to the addresses in cfg. It does not
// start accepting connections or sending data; call Start for that.
func New(cfg config.Config) (*Sender, error) {
	cfg = cfg.WithDefaults()

	sink, err := mcast.Open(cfg.McastAddr, cfg.McastPort, cfg.TTL, cfg.DefaultIF)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vcmtperr.ErrSystem, err)
	}

	listener, err := stream.Listen(cfg.TCPAddr, cfg.TCPPort)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("%w: %v", vcmtperr.ErrSystem, err)
	}

	id := uuid.New()
	s := &Sender{
		id:    id,
		cfg:   cfg,
		log:   util.Tagged(id.String()[:8]),
		sink:  sink,
		table: retx.NewTable(),
		queue: delayqueue.New(),
	}
	s.nextProdIndex.Store(cfg.InitProdIndex)
	s.acc = acceptor.New(listener, s.table, s.completionTrampoline(), func(prodIndex uint32) { s.queue.Remove(prodIndex) })
	s.timer = timer.New(s.queue, s.table, s.completionTrampoline())

	if cfg.Debug {
		util.EnableDebug()
	}

	return s, nil
}

// completionTrampoline returns a notify.Func that forwards to whatever
// callback is registered via SetCompletionHandler at call time, so the
// acceptor and timer tasks can be wired before a handler is set.
func (s *Sender) completionTrampoline() notify.Func {
	return func(prodIndex uint32) {
		s.mu.Lock()
		fn := s.onComplete
		s.mu.Unlock()
		fn.Call(prodIndex)
	}
}

// SetCompletionHandler registers fn to be called exactly once per
// product, when every receiver connected at multicast time has confirmed
// completion or disconnected, or the product's retransmission entry has
// aged out, whichever happens first.
func (s *Sender) SetCompletionHandler(fn notify.Func) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// GetTCPPort returns the bound TCP control port, resolved by the OS if
// the sender was configured with port 0.
func (s *Sender) GetTCPPort() int {
	return s.acc.Port()
}

// SetDefaultIF selects the outgoing multicast interface by local IP.
// Must be called before Start.
func (s *Sender) SetDefaultIF(iface string) error {
	return s.sink.SetDefaultIF(iface)
}

// SetLinkSpeed paces multicast data sends to approximately bytesPerSec
// bytes per second. A value of 0 disables pacing. Safe to call at any
// time, including while Start is running.
func (s *Sender) SetLinkSpeed(bytesPerSec uint64) {
	s.sink.SetLinkSpeed(bytesPerSec)
}

// Start launches the background accept and timer tasks. It returns once
// both are running; they continue until Stop is called or ctx is
// cancelled. Start must be called at most once.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: sender already started", vcmtperr.ErrInvalidArgument)
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.acc.Run(runCtx); err != nil {
			s.log.Error("accept task exited: %v", err)
			s.taskExitAsync(err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.timer.Run(runCtx)
	}()

	s.log.Info("sender %s started: multicast %s:%d, control port %d", s.id, s.cfg.McastAddr, s.cfg.McastPort, s.GetTCPPort())
	return nil
}

// SendProduct multicasts one complete product: a BOP message carrying
// metadata and product size, the data itself split into fixed-size
// blocks, and a closing EOP message. It registers a retransmission entry
// scoped to the receivers connected at the moment multicast begins, so
// a receiver that never saw the BOP is never waited on. If no receiver
// is connected at that moment, no entry is kept and the completion
// handler fires before SendProduct returns.
//
// SendProduct does not copy data; the caller must not mutate it until
// the product's completion handler fires or it otherwise knows every
// receiver is done. Metadata is copied immediately, since it is
// typically small and the entry keeps it for BOP retransmissions that
// workers answer later.
func (s *Sender) SendProduct(data []byte, metadata []byte) (prodIndex uint32, err error) {
	if err := validateProduct(data, metadata); err != nil {
		return 0, err
	}

	// The counter is only advanced on success (see below), so a failed
	// send leaves this product index free for the next attempt.
	prodIndex = s.nextProdIndex.Load()

	metaCopy := make([]byte, len(metadata))
	copy(metaCopy, metadata)

	receivers := s.acc.ConnectedIDs()
	mcastStart := time.Now()

	if err := s.sink.SendBOP(prodIndex, uint32(len(data)), metaCopy); err != nil {
		s.taskExitSync(err)
		return prodIndex, err
	}

	for offset := 0; offset < len(data); offset += wire.DataLen {
		end := offset + wire.DataLen
		if end > len(data) {
			end = len(data)
		}
		if err := s.sink.SendData(prodIndex, uint32(offset), data[offset:end]); err != nil {
			s.taskExitSync(err)
			return prodIndex, err
		}
	}

	if err := s.sink.SendEOP(prodIndex); err != nil {
		s.taskExitSync(err)
		return prodIndex, err
	}

	mcastEnd := time.Now()
	s.nextProdIndex.Store(prodIndex + 1)

	if len(receivers) == 0 {
		s.completionTrampoline().Call(prodIndex)
		return prodIndex, nil
	}

	unfinished := make(map[connid.ID]struct{}, len(receivers))
	for _, id := range receivers {
		unfinished[id] = struct{}{}
	}

	e := &retx.Entry{
		ProdIndex:    prodIndex,
		ProdLength:   uint32(len(data)),
		Metadata:     metaCopy,
		Data:         data,
		McastStart:   mcastStart,
		McastEnd:     mcastEnd,
		TimeoutRatio: s.cfg.TimeoutRatio,
		Unfinished:   unfinished,
	}
	s.table.Add(e)
	s.queue.Push(delayqueue.Item{ProdIndex: prodIndex, Due: mcastEnd.Add(e.Timeout())})

	return prodIndex, nil
}

// validateProduct rejects a SendProduct call before any bytes go on the
// wire: nil data, a product too large to address with a u32 byte offset,
// or metadata that wouldn't fit in a single-datagram BOP message.
func validateProduct(data []byte, metadata []byte) error {
	if data == nil {
		return fmt.Errorf("%w: data must not be nil", vcmtperr.ErrInvalidArgument)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%w: data size %d exceeds maximum product size", vcmtperr.ErrInvalidArgument, len(data))
	}
	if metadata != nil && len(metadata) > wire.AvailBOPLen {
		return fmt.Errorf("%w: metadata size %d exceeds maximum %d", vcmtperr.ErrInvalidArgument, len(metadata), wire.AvailBOPLen)
	}
	return nil
}

// taskExitAsync performs the non-blocking half of shutdown: it is safe
// to call from one of the background goroutines joined by Stop, since it
// never itself waits on them.
func (s *Sender) taskExitAsync(cause error) {
	s.recordStopErr(cause)
	s.shutdown()
}

// taskExitSync performs a full blocking shutdown from SendProduct's own
// goroutine (the external caller's goroutine, never one of the joined
// background goroutines), matching the reference implementation's
// catch-and-rethrow behavior around a multicast send failure.
func (s *Sender) taskExitSync(cause error) {
	s.recordStopErr(cause)
	s.Stop()
}

func (s *Sender) recordStopErr(cause error) {
	s.mu.Lock()
	if s.stopErr == nil {
		s.stopErr = cause
	}
	s.mu.Unlock()
}

// shutdown signals every background task to stop without waiting for
// them to actually exit. It is idempotent and non-blocking, so it is
// safe to call from within one of the goroutines Stop would otherwise
// join — calling the blocking Stop from there would deadlock.
func (s *Sender) shutdown() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	s.cancel()
	s.queue.Disable()
	s.acc.Shutdown()
}

// Stop shuts the sender down: it stops accepting new connections, signals
// every per-receiver worker and the timer task to exit, waits for all of
// them to finish, and releases the multicast and TCP sockets. Stop is
// idempotent; subsequent calls return the same error, if any, as the
// first. Stop must not be called from one of the sender's own background
// goroutines — use the non-blocking shutdown path (triggered
// automatically on a fatal send or accept error) instead.
func (s *Sender) Stop() error {
	s.stopOnce.Do(func() {
		s.shutdown()
		s.acc.Wait()
		s.timer.Wait()
		s.wg.Wait()

		if err := s.sink.Close(); err != nil {
			s.recordStopErr(err)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}
