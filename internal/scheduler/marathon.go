package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	marathon "github.com/gambol99/go-marathon"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/hubot-paas/orchestrator/pkg/config"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

type Options struct {
	Servers   []string
	Username  string
	Password  string
	RateLimit float64
	Timeout   time.Duration
}

func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Servers:   c.MarathonServers,
		Username:  c.MarathonUsername,
		Password:  c.MarathonPassword,
		RateLimit: c.MarathonRateLimit,
		Timeout:   c.MarathonTimeout,
	}
}

// Marathon drives a Marathon cluster through go-marathon, which skips
// members it found down. The event feed is opened directly so it can be
// read line by line; it moves on to the next server when the transport
// fails.
type Marathon struct {
	opts    Options
	api     marathon.Marathon
	stream  *http.Client
	limiter *rate.Limiter
	current atomic.Int32
	log     *zap.Logger
}

var (
	_ Client      = (*Marathon)(nil)
	_ EventSource = (*Marathon)(nil)
)

func NewMarathon(opts Options) (*Marathon, error) {
	if len(opts.Servers) == 0 {
		return nil, appErr.New(appErr.CodeInvalid, "no marathon servers configured")
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	servers := make([]string, len(opts.Servers))
	for i, s := range opts.Servers {
		servers[i] = strings.TrimSuffix(strings.TrimSpace(s), "/")
	}
	opts.Servers = servers

	log := logger.Named("marathon")
	cfg := marathon.NewDefaultConfig()
	cfg.URL = strings.Join(servers, ",")
	cfg.HTTPBasicAuthUser = opts.Username
	cfg.HTTPBasicPassword = opts.Password
	cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	if std, err := zap.NewStdLogAt(log, zapcore.DebugLevel); err == nil {
		cfg.LogOutput = std.Writer()
	}
	api, err := marathon.NewClient(cfg)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "marathon client setup failed")
	}

	return &Marathon{
		opts:    opts,
		api:     api,
		stream:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit)+1),
		log:     log,
	}, nil
}

func appID(id string) string {
	return "/" + strings.TrimPrefix(id, "/")
}

func (m *Marathon) GetApp(ctx context.Context, id string) (*App, error) {
	var got *marathon.Application
	if err := m.call(ctx, "get app "+id, func() (err error) {
		got, err = m.api.Application(appID(id))
		return err
	}); err != nil {
		return nil, err
	}
	var out App
	if err := recode(got, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Marathon) CreateApp(ctx context.Context, app *App) (*DeploymentResult, error) {
	var in marathon.Application
	if err := recode(app, &in); err != nil {
		return nil, err
	}
	var created *marathon.Application
	if err := m.call(ctx, "create app "+app.ID, func() (err error) {
		created, err = m.api.CreateApplication(&in)
		return err
	}); err != nil {
		return nil, err
	}
	res := &DeploymentResult{Version: created.Version}
	if len(created.Deployments) > 0 {
		res.DeploymentID = created.Deployments[0]["id"]
	}
	return res, nil
}

func (m *Marathon) UpdateApp(ctx context.Context, id string, app *App, force bool) (*DeploymentResult, error) {
	spec := app.Spec()
	spec.ID = appID(id)
	var in marathon.Application
	if err := recode(&spec, &in); err != nil {
		return nil, err
	}
	return m.deployment(ctx, "update app "+id, func() (*marathon.DeploymentID, error) {
		return m.api.UpdateApplication(&in, force)
	})
}

func (m *Marathon) DeleteApp(ctx context.Context, id string, force bool) (*DeploymentResult, error) {
	return m.deployment(ctx, "delete app "+id, func() (*marathon.DeploymentID, error) {
		return m.api.DeleteApplication(appID(id), force)
	})
}

func (m *Marathon) ScaleApp(ctx context.Context, id string, instances int, force bool) (*DeploymentResult, error) {
	return m.deployment(ctx, "scale app "+id, func() (*marathon.DeploymentID, error) {
		return m.api.ScaleApplicationInstances(appID(id), instances, force)
	})
}

func (m *Marathon) ListDeployments(ctx context.Context) ([]Deployment, error) {
	var deps []*marathon.Deployment
	if err := m.call(ctx, "list deployments", func() (err error) {
		deps, err = m.api.Deployments()
		return err
	}); err != nil {
		return nil, err
	}
	out := make([]Deployment, 0, len(deps))
	for _, d := range deps {
		if d == nil {
			continue
		}
		out = append(out, Deployment{ID: d.ID, Version: d.Version, AffectedApps: d.AffectedApps})
	}
	return out, nil
}

func (m *Marathon) DeleteDeployment(ctx context.Context, id string, force bool) (*DeploymentResult, error) {
	return m.deployment(ctx, "delete deployment "+id, func() (*marathon.DeploymentID, error) {
		return m.api.DeleteDeployment(id, force)
	})
}

func (m *Marathon) deployment(ctx context.Context, op string, fn func() (*marathon.DeploymentID, error)) (*DeploymentResult, error) {
	var dep *marathon.DeploymentID
	if err := m.call(ctx, op, func() (err error) {
		dep, err = fn()
		return err
	}); err != nil {
		return nil, err
	}
	if dep == nil {
		return &DeploymentResult{}, nil
	}
	return &DeploymentResult{Version: dep.Version, DeploymentID: dep.DeploymentID}, nil
}

// call rate limits fn and maps its error. go-marathon takes no context, so
// ctx only gates the start of the request; the client timeout bounds it.
func (m *Marathon) call(ctx context.Context, op string, fn func() error) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return appErr.Wrap(err, appErr.CodeDeadline, "rate limiter wait failed")
	}
	start := time.Now()
	err := fn()
	m.log.Debug("marathon request",
		zap.String("op", op),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return apiError(err, op)
	}
	return nil
}

// apiError maps a go-marathon failure onto an application error. Anything
// that is not an API answer means no member could be reached.
func apiError(err error, op string) error {
	var ae *marathon.APIError
	if !errors.As(err, &ae) {
		return appErr.Wrap(err, appErr.CodeUnavailable, op+" failed")
	}
	code := appErr.CodeInvalid
	switch ae.ErrCode {
	case marathon.ErrCodeNotFound:
		code = appErr.CodeNotFound
	case marathon.ErrCodeAppLocked, marathon.ErrCodeDuplicateID:
		code = appErr.CodeConflict
	case marathon.ErrCodeServer, marathon.ErrCodeUnknown:
		code = appErr.CodeUnavailable
	}
	return appErr.Wrap(err, code, op).WithMeta("marathon_code", ae.ErrCode)
}

// recode copies between our wire types and go-marathon's; both follow the
// Marathon JSON schema.
func recode(from, to any) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "encode app failed")
	}
	if err := json.Unmarshal(raw, to); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "decode app failed")
	}
	return nil
}

// OpenEventStream subscribes to /v2/events. The caller owns the body.
func (m *Marathon) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.server()+"/v2/events", nil)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "build request failed")
	}
	req.Header.Set("Accept", "text/event-stream")
	if m.opts.Username != "" {
		req.SetBasicAuth(m.opts.Username, m.opts.Password)
	}
	resp, err := m.stream.Do(req)
	if err != nil {
		m.rotate()
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "open event stream failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		m.rotate()
		return nil, appErr.Newf(appErr.CodeUnavailable, "open event stream: marathon returned %d", resp.StatusCode).
			WithMeta("status", resp.StatusCode)
	}
	return resp.Body, nil
}

func (m *Marathon) server() string {
	return m.opts.Servers[int(m.current.Load())%len(m.opts.Servers)]
}

func (m *Marathon) rotate() {
	if len(m.opts.Servers) > 1 {
		m.current.Add(1)
		m.log.Warn("switching marathon server for events", zap.String("server", m.server()))
	}
}
