// Package lifecycle delivers install and fetch signals to the offline worker
// and tracks which worker version is in control.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrHandlerRegistered 表示同一信号重复注册处理器。
	ErrHandlerRegistered = errors.New("lifecycle handler already registered")
	// ErrAlreadyResponded 表示 RespondWith 被调用了不止一次。
	ErrAlreadyResponded = errors.New("fetch event already responded")
	// ErrEventSettled 表示事件处理结束后才调用 WaitUntil/RespondWith。
	ErrEventSettled = errors.New("event already settled")
	// ErrNoResponse 表示 RespondWith 的任务既没有响应也没有错误。
	ErrNoResponse = errors.New("fetch event resolved without a response")
)

// Fetcher 是事件未被接管时使用的默认网络能力。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// InstallHandler 处理 install 信号。
type InstallHandler func(*ExtendableEvent)

// FetchHandler 处理 fetch 信号。
type FetchHandler func(*FetchEvent)

// ExtendableEvent 是 install 信号。WaitUntil 注册的任务全部完成前安装不算结束，
// 任一任务失败则安装失败，其余任务的 ctx 随之取消。
type ExtendableEvent struct {
	ctx   context.Context
	group *errgroup.Group

	mu      sync.Mutex
	settled bool
}

// Context 返回事件的上下文。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 延长事件生命周期直至 task 完成。
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrEventSettled
	}
	e.group.Go(func() (err error) {
		if perr := invoke(func() { err = task(e.ctx) }); perr != nil {
			return fmt.Errorf("wait until: %w", perr)
		}
		return err
	})
	return nil
}

func (e *ExtendableEvent) settle() {
	e.mu.Lock()
	e.settled = true
	e.mu.Unlock()
}

// RespondFunc 产出 fetch 信号的最终响应。
type RespondFunc func(ctx context.Context) (*http.Response, error)

// FetchEvent 是 fetch 信号，携带原始请求。
type FetchEvent struct {
	Request *http.Request

	mu      sync.Mutex
	respond RespondFunc
	settled bool
}

// RespondWith 接管请求的响应，只能调用一次。
func (e *FetchEvent) RespondWith(fn RespondFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrEventSettled
	}
	if e.respond != nil {
		return ErrAlreadyResponded
	}
	e.respond = fn
	return nil
}

func (e *FetchEvent) takeResponder() RespondFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settled = true
	return e.respond
}

// Dispatcher 为单个 worker 版本分发生命周期信号，每种信号至多一个处理器。
type Dispatcher struct {
	network Fetcher

	mu      sync.RWMutex
	install InstallHandler
	fetch   FetchHandler
}

// NewDispatcher 构造分发器；network 用于未被 RespondWith 接管的请求。
func NewDispatcher(network Fetcher) *Dispatcher {
	return &Dispatcher{network: network}
}

// OnInstall 注册 install 处理器。
func (d *Dispatcher) OnInstall(handler InstallHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.install != nil {
		return fmt.Errorf("install: %w", ErrHandlerRegistered)
	}
	d.install = handler
	return nil
}

// OnFetch 注册 fetch 处理器。
func (d *Dispatcher) OnFetch(handler FetchHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fetch != nil {
		return fmt.Errorf("fetch: %w", ErrHandlerRegistered)
	}
	d.fetch = handler
	return nil
}

// Install 派发 install 信号并等待所有 WaitUntil 任务结束，返回第一个失败。
func (d *Dispatcher) Install(ctx context.Context) (err error) {
	d.mu.RLock()
	handler := d.install
	d.mu.RUnlock()
	if handler == nil {
		return nil
	}

	group, gctx := errgroup.WithContext(ctx)
	event := &ExtendableEvent{ctx: gctx, group: group}
	if err := invoke(func() { handler(event) }); err != nil {
		event.settle()
		_ = group.Wait()
		return fmt.Errorf("install handler: %w", err)
	}
	err = group.Wait()
	event.settle()
	return err
}

// Fetch 派发 fetch 信号并返回最终响应。处理器未调用 RespondWith 时直接走网络。
func (d *Dispatcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	d.mu.RLock()
	handler := d.fetch
	d.mu.RUnlock()
	if handler == nil {
		return d.network.Fetch(ctx, req)
	}

	event := &FetchEvent{Request: req}
	if err := invoke(func() { handler(event) }); err != nil {
		event.takeResponder()
		return nil, fmt.Errorf("fetch handler: %w", err)
	}

	respond := event.takeResponder()
	if respond == nil {
		return d.network.Fetch(ctx, req)
	}
	resp, err := respond(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	return resp, nil
}

// invoke 把处理器 panic 转为错误，避免单个事件拖垮进程。
func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
