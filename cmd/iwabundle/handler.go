package main

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/meigma/iwabundle"
	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
)

// handler serves the responses of one bundle, mapping request paths onto
// the bundle's origin.
type handler struct {
	reg    *iwabundle.Registry
	path   string
	id     bundleid.ID
	origin url.URL
	logger *slog.Logger
}

func newHandler(reg *iwabundle.Registry, path string, id bundleid.ID, logger *slog.Logger) http.Handler {
	return &handler{
		reg:    reg,
		path:   path,
		id:     id,
		origin: url.URL{Scheme: bundleid.Scheme, Host: id.String(), Path: "/"},
		logger: logger,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// r.URL.Path is already decoded and must not be parsed again.
	u := h.origin
	u.Path = r.URL.Path
	req := bundle.Request{URL: &u, Method: http.MethodGet, Header: r.Header.Clone()}

	resp, err := h.reg.ReadResponse(r.Context(), h.path, h.id, req)
	switch {
	case errors.Is(err, iwabundle.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.Error("read response", "url", req.URL, "error", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	for k, vs := range resp.Header() {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.FormatUint(resp.ContentLength(), 10))
	w.WriteHeader(resp.Status())
	if r.Method == http.MethodHead {
		return
	}
	if err := resp.ReadBody(r.Context(), w); err != nil {
		h.logger.Warn("read body", "url", req.URL, "error", err)
	}
}
