package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State 描述 worker 版本所处阶段。
type State string

const (
	StateInstalling State = "installing"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const historyLimit = 16

// VersionInfo 是版本状态快照，供诊断接口与日志使用。
type VersionInfo struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type version struct {
	info       VersionInfo
	dispatcher *Dispatcher
}

// Registration 记录当前接管请求的 worker 版本。新版本安装成功才会替换旧版本；
// 安装失败时旧版本继续接管。
type Registration struct {
	network Fetcher
	logger  *logrus.Logger

	installMu sync.Mutex

	mu      sync.RWMutex
	active  *version
	history []VersionInfo
}

// NewRegistration 构造 Registration；没有激活版本时请求直接走 network。
func NewRegistration(network Fetcher, logger *logrus.Logger) *Registration {
	return &Registration{network: network, logger: logger}
}

// Register 安装新版本并在成功后激活。版本安装串行进行。
func (r *Registration) Register(ctx context.Context, id string, d *Dispatcher) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	r.installMu.Lock()
	defer r.installMu.Unlock()

	v := &version{
		info:       VersionInfo{ID: id, State: StateInstalling, StartedAt: time.Now().UTC()},
		dispatcher: d,
	}
	r.logState(v.info, nil)

	if err := d.Install(ctx); err != nil {
		v.info.State = StateRedundant
		v.info.Error = err.Error()
		r.record(v.info)
		r.logState(v.info, err)
		return err
	}

	v.info.InstalledAt = time.Now().UTC()
	v.info.State = StateActivated

	r.mu.Lock()
	previous := r.active
	r.active = v
	r.mu.Unlock()

	if previous != nil {
		retired := previous.info
		retired.State = StateRedundant
		r.record(retired)
		r.logState(retired, nil)
	}
	r.logState(v.info, nil)
	return nil
}

// Fetch 把请求交给当前激活版本；没有激活版本时直接走网络。
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()
	if active == nil {
		return r.network.Fetch(ctx, req)
	}
	return active.dispatcher.Fetch(ctx, req)
}

// Active 返回当前激活版本。
func (r *Registration) Active() (VersionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return VersionInfo{}, false
	}
	return r.active.info, true
}

// History 返回已退役或安装失败的版本，最新的在前。
func (r *Registration) History() []VersionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VersionInfo, len(r.history))
	for i, info := range r.history {
		out[len(r.history)-1-i] = info
	}
	return out
}

func (r *Registration) record(info VersionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, info)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}

func (r *Registration) logState(info VersionInfo, err error) {
	if r.logger == nil {
		return
	}
	entry := r.logger.WithFields(logrus.Fields{
		"action":     "lifecycle",
		"cache_name": info.ID,
		"state":      info.State,
	})
	if err != nil {
		entry.WithError(err).Warn("worker install failed")
		return
	}
	entry.Info("worker state changed")
}
