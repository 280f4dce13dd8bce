package ota

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
)

// Station runs the teardown and restart that follow a successful update.
type Station interface {
	Delay(d time.Duration)
	Restart(reason string)
}

type Routes interface {
	Router() *mux.Router
	Exclusive(route *mux.Route) *mux.Route
}

const DefaultRestartDelay = 500 * time.Millisecond

type Handler struct {
	log          logr.Logger
	updater      Updater
	station      Station
	RestartDelay time.Duration
}

func NewHandler(log logr.Logger, updater Updater, station Station) *Handler {
	return &Handler{log: log, updater: updater, station: station, RestartDelay: DefaultRestartDelay}
}

func (h *Handler) Register(routes Routes) {
	r := routes.Router()
	r.HandleFunc("/update", h.page).Methods(http.MethodGet)
	routes.Exclusive(r.HandleFunc("/update", h.upload).Methods(http.MethodPost))
}

var uploadPage = template.Must(template.New("update").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Update</title><link rel="stylesheet" href="/wifiMgr/style.css"></head>
<body>
  <div class="container">
    <h1>Update</h1>
{{- range .}}
    <form method="POST" action="/update?mode={{.}}" enctype="multipart/form-data">
      <h2>{{.}}</h2>
      <input type="file" name="{{.}}">
      <input type="submit" value="Upload {{.}}">
    </form>
{{- end}}
  </div>
</body>
</html>
`))

func (h *Handler) page(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := uploadPage.Execute(w, []Mode{Firmware, Filesystem}); err != nil {
		h.log.Error(err, "Failed to render update page")
	}
}

// upload takes the first file part of a multipart body, or the raw body,
// and hands it to the updater.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := ParseMode(q.Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sum := q.Get("hash")

	image, closeImage, err := imageReader(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.updater.Apply(mode, image, sum)
	closeImage()
	if err != nil {
		h.log.Error(err, "Update failed", "mode", mode, "bytes", n)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrChecksum) || errors.Is(err, ErrEmpty) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrMode) {
			status = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf("update failed: %v", err), status)
		return
	}

	h.log.Info("Update applied", "mode", mode, "bytes", n)
	body := "OK"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	_, _ = io.WriteString(w, body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	h.station.Delay(h.RestartDelay)
	h.station.Restart(fmt.Sprintf("%s update", mode))
}

func imageReader(r *http.Request) (io.Reader, func(), error) {
	mr, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		return r.Body, func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil, fmt.Errorf("no file in upload")
		}
		if err != nil {
			return nil, nil, err
		}
		if part.FileName() != "" {
			return part, func() { _ = part.Close() }, nil
		}
		_ = part.Close()
	}
}
