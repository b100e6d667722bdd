/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowpeer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

// NewRouter exposes the cache for operational inspection:
//
//	GET    /peers          snapshot of all peers (?format=yaml for YAML)
//	GET    /peers/{addr}   a single peer
//	DELETE /peers/{addr}   drop a peer with all its sources and templates
//	GET    /metrics        prometheus metrics gathered from g
func NewRouter(cache *Cache, g prometheus.Gatherer) *mux.Router {
	h := &diagnosticsHandler{cache: cache}

	r := mux.NewRouter()
	r.HandleFunc("/peers", h.snapshot).Methods(http.MethodGet)
	r.HandleFunc("/peers/{addr}", h.peer).Methods(http.MethodGet)
	r.HandleFunc("/peers/{addr}", h.deletePeer).Methods(http.MethodDelete)
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

type diagnosticsHandler struct {
	cache *Cache
}

func (h *diagnosticsHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	write(w, r, http.StatusOK, h.cache.Snapshot())
}

func (h *diagnosticsHandler) peer(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(mux.Vars(r)["addr"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid peer address: %v", err), http.StatusBadRequest)
		return
	}
	p, ok := h.cache.Peer(addr)
	if !ok {
		http.Error(w, fmt.Sprintf("peer %s not found", addr), http.StatusNotFound)
		return
	}
	write(w, r, http.StatusOK, p)
}

func (h *diagnosticsHandler) deletePeer(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(mux.Vars(r)["addr"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid peer address: %v", err), http.StatusBadRequest)
		return
	}
	if !h.cache.DeletePeer(r.Context(), addr) {
		http.Error(w, fmt.Sprintf("peer %s not found", addr), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func write(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	var (
		b           []byte
		err         error
		contentType string
	)
	if r.URL.Query().Get("format") == "yaml" {
		b, err = yaml.Marshal(v)
		contentType = "application/yaml"
	} else {
		b, err = json.Marshal(v)
		contentType = "application/json"
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		FromContext(r.Context()).V(1).Info("failed to write response", "path", r.URL.Path, "error", err.Error())
	}
}
