package portal

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"
)

//go:embed static/*
var static embed.FS

type assets struct {
	css  []byte
	js   []byte
	page *template.Template
}

func loadAssets() (*assets, error) {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("application/javascript", js.Minify)

	a := &assets{}
	var err error
	if a.css, err = minifyFile(m, "text/css", "static/style.css"); err != nil {
		return nil, err
	}
	if a.js, err = minifyFile(m, "application/javascript", "static/script.js"); err != nil {
		return nil, err
	}
	if a.page, err = template.ParseFS(static, "static/configure.html"); err != nil {
		return nil, fmt.Errorf("configure page: %w", err)
	}
	return a, nil
}

func minifyFile(m *minify.M, mediatype, name string) ([]byte, error) {
	src, err := static.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := m.Minify(mediatype, &out, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("minify %s: %w", name, err)
	}
	return out.Bytes(), nil
}

func (a *assets) serve(contentType string, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write(body)
	}
}
