// Package shutdown provides the cooperative, cascading shutdown primitive
// used by sowback's long-lived objects (Server and Client embed it
// directly; Server cascades into every live Session as a Child): a
// pause/activate/start/wait state machine with child-cascading shutdown.
package shutdown

import (
	"context"
	"sync"

	"github.com/sowback/sowback/internal/logging"
)

// OnceActivateHandler runs exactly once, with shutdown paused, to bring an
// object up. Returning an error aborts activation and begins shutdown.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a Helper manages. It is
// invoked exactly once, in its own goroutine, and should release every
// resource the object owns before returning.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// Child is anything that can be cascaded into by a parent Helper.
type Child interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	WaitShutdown() error
}

// Helper manages activation and cascading, idempotent shutdown for one
// object. Embed it by value and call InitHelper from the owning
// constructor.
type Helper struct {
	logging.Logger

	lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount int
	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool
	shutdownErr         error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	wg sync.WaitGroup
}

// InitHelper initializes a Helper in place. Must be called before any other
// method.
func (h *Helper) InitHelper(logger logging.Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

func (h *Helper) asyncDoStartedShutdown() {
	h.DLogf("shutdown started")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.lock.Lock()
		h.isDoneShutdown = true
		h.lock.Unlock()
		h.DLogf("shutdown done")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown prevents shutdown from actually starting until a matching
// ResumeShutdown call. Returns an error if shutdown has already started.
func (h *Helper) PauseShutdown() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown call; if the pause count reaches
// zero and shutdown was scheduled in the meantime, shutdown now begins.
func (h *Helper) ResumeShutdown() {
	h.lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.lock.Unlock()
		panic("ResumeShutdown before PauseShutdown")
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.lock.Unlock()
	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Activate marks the object activated, unless shutdown has already begun.
func (h *Helper) Activate() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs the activation handler, then resumes
// shutdown. If activation fails, shutdown is started with that error and,
// if waitOnFail, this call blocks until shutdown is complete.
func (h *Helper) DoOnceActivate(activate OnceActivateHandler, waitOnFail bool) error {
	h.lock.Lock()
	if h.isActivated {
		h.lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.lock.Unlock()
		if waitOnFail {
			return h.WaitShutdown()
		}
		return h.Errorf("shutdown already started; cannot activate")
	}
	h.shutdownPauseCount++
	h.lock.Unlock()

	err := activate()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// StartShutdown schedules shutdown, which begins as soon as the pause count
// reaches zero. Idempotent: only the first call's completionErr is used.
func (h *Helper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.lock.Unlock()
	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext begins shutdown (with ctx.Err() as the advisory
// completion error) as soon as ctx is done.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown reports whether shutdown has begun.
func (h *Helper) IsStartedShutdown() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown reports whether shutdown has finished.
func (h *Helper) IsDoneShutdown() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownStartedChan is closed the moment shutdown begins.
func (h *Helper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan is closed once shutdown has fully completed.
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown blocks until shutdown is complete and returns its status.
func (h *Helper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown starts (if needed) and waits for shutdown, returning its status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close is a convenience synchronous shutdown with no advisory error.
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// ShutdownWG exposes the internal WaitGroup so callers can Add() extra
// in-flight work that must finish before shutdown is considered complete.
func (h *Helper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// AddChild registers a child that will be actively shut down (with the
// parent's completion error) once the parent's own HandleOnceShutdown
// returns, and waited on before the parent itself is considered fully shut
// down.
func (h *Helper) AddChild(child Child) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
