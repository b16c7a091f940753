package worker

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"text/template"
)

//go:embed sw.js.tmpl
var scriptSource string

var scriptTemplate = template.Must(template.New("sw.js").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	},
}).Parse(scriptSource))

// RenderScript 生成浏览器端 service worker 脚本，与代理使用相同的缓存名、预取列表与离线页。
func RenderScript(opts Options) ([]byte, error) {
	if opts.PrecacheURLs == nil {
		opts.PrecacheURLs = []string{}
	}
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, opts); err != nil {
		return nil, fmt.Errorf("render worker script: %w", err)
	}
	return buf.Bytes(), nil
}
