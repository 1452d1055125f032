package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// workerPool recycles goroutines across connections, in the style of
// fasthttp's worker pool: a fixed-size stack of idle workerChans is reused
// instead of spawning a fresh goroutine per request.
type workerPool struct {
	WorkerFunc      func(ctx *context) error
	MaxWorkersCount int
	MaxIdleDuration time.Duration
	Logger          *zap.Logger

	lock         sync.Mutex
	workersCount int
	mustStop     bool

	ready []*workerChan

	stopCh chan struct{}

	workerChanPool sync.Pool
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan *context
}

func (wp *workerPool) Start() {
	if wp.stopCh != nil {
		return
	}
	wp.stopCh = make(chan struct{})
	stopCh := wp.stopCh
	go func() {
		var scratch []*workerChan
		idle := wp.MaxIdleDuration
		if idle == 0 {
			idle = 10 * time.Second
		}
		t := time.NewTicker(idle)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				wp.cleanIdleWorkerChans(&scratch)
			case <-stopCh:
				return
			}
		}
	}()
}

func (wp *workerPool) Stop() {
	if wp.stopCh == nil {
		return
	}
	close(wp.stopCh)
	wp.stopCh = nil

	wp.lock.Lock()
	ready := wp.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	wp.ready = ready[:0]
	wp.mustStop = true
	wp.lock.Unlock()
}

func (wp *workerPool) cleanIdleWorkerChans(scratch *[]*workerChan) {
	maxIdle := wp.MaxIdleDuration
	if maxIdle == 0 {
		maxIdle = 10 * time.Second
	}
	criticalTime := time.Now().Add(-maxIdle)

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)
	l, r := 0, n
	for l < r {
		mid := (l + r) / 2
		if criticalTime.After(ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid
		}
	}
	*scratch = append((*scratch)[:0], ready[:l]...)
	if l > 0 {
		m := copy(ready, ready[l:])
		wp.ready = ready[:m]
	}
	wp.lock.Unlock()

	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
	}
}

// Serve enqueues ctx onto an idle (or newly spawned) worker. Returns false
// if the pool is at MaxWorkersCount capacity.
func (wp *workerPool) Serve(ctx *context) bool {
	ch := wp.getCh()
	if ch == nil {
		return false
	}
	ch.ch <- ctx
	return true
}

func (wp *workerPool) getCh() *workerChan {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready) - 1
	if n < 0 {
		if wp.workersCount < wp.MaxWorkersCount {
			createWorker = true
			wp.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		wp.ready = ready[:n]
	}
	wp.lock.Unlock()

	if ch == nil {
		if !createWorker {
			return nil
		}
		vch := wp.workerChanPool.Get()
		if vch == nil {
			vch = &workerChan{ch: make(chan *context, 1)}
		}
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerChanPool.Put(vch)
		}()
	}
	return ch
}

func (wp *workerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return false
	}
	wp.ready = append(wp.ready, ch)
	wp.lock.Unlock()
	return true
}

func (wp *workerPool) workerFunc(ch *workerChan) {
	for ctx := range ch.ch {
		if ctx == nil {
			break
		}
		if err := wp.WorkerFunc(ctx); err != nil && wp.Logger != nil {
			wp.Logger.Debug("worker func failed", zap.Error(err))
		}
		putContext(ctx)
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}
