package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderScriptEmbedsOptions(t *testing.T) {
	raw, err := RenderScript(Options{
		CacheName:    "app-v2",
		PrecacheURLs: []string{"/app", "/offline"},
		OfflineURL:   "/offline",
	})
	require.NoError(t, err)

	script := string(raw)
	assert.Contains(t, script, `const CACHE_NAME = "app-v2";`)
	assert.Contains(t, script, `const PRECACHE_URLS = ["/app","/offline"];`)
	assert.Contains(t, script, `const OFFLINE_URL = "/offline";`)
	assert.Contains(t, script, "caches.match(OFFLINE_URL)")
}

func TestRenderScriptEscapesValues(t *testing.T) {
	raw, err := RenderScript(Options{CacheName: `</script>"`, OfflineURL: "/offline"})
	require.NoError(t, err)

	script := string(raw)
	assert.False(t, strings.Contains(script, "</script>"))
	assert.Contains(t, script, `const PRECACHE_URLS = [];`)
}
