package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterHandsRequestToProxy(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://localhost:5000/app", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	if app.proxy.lastPath != "/app" {
		t.Fatalf("expected proxy to see /app, got %q", app.proxy.lastPath)
	}
	if app.proxy.lastRequestID == "" {
		t.Fatalf("expected request id to be available to the proxy")
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID != app.proxy.lastRequestID {
		t.Fatalf("expected X-Request-ID %q, got %q", app.proxy.lastRequestID, reqID)
	}
}

func TestRouterLetsLocalPathsFallThrough(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})
	app.Get("/sw.js", func(c fiber.Ctx) error {
		return c.SendString("script")
	})

	for path, want := range map[string]string{"/-/ping": "pong", "/sw.js": "script"} {
		resp, err := app.Test(httptest.NewRequest("GET", "http://localhost:5000"+path, nil))
		if err != nil {
			t.Fatalf("app.Test %s failed: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != want {
			t.Fatalf("%s: expected %q, got %q (status %d)", path, want, string(body), resp.StatusCode)
		}
	}
	if app.proxy.calls != 0 {
		t.Fatalf("local paths must not reach the proxy, got %d calls", app.proxy.calls)
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := NewApp(AppOptions{
		Logger:     logger,
		ListenPort: 5000,
		Proxy: ProxyHandlerFunc(func(fiber.Ctx) error {
			panic("boom")
		}),
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost:5000/app", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	proxy := ProxyHandlerFunc(func(c fiber.Ctx) error { return nil })

	cases := map[string]AppOptions{
		"missing logger": {Proxy: proxy, ListenPort: 5000},
		"missing proxy":  {Logger: logger, ListenPort: 5000},
		"invalid port":   {Logger: logger, Proxy: proxy},
	}
	for name, opts := range cases {
		if _, err := NewApp(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

type testApp struct {
	*fiber.App
	proxy *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: port,
		LocalPaths: []string{"/sw.js"},
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, proxy: recorder}
}

type proxyRecorder struct {
	calls         int
	lastPath      string
	lastRequestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = c.Path()
	p.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
