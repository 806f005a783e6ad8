package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/presence"
)

// TextResponse is the body of GET /docs/{doc}/text.
type TextResponse struct {
	Document string `json:"document"`
	Text     string `json:"text"`
	Length   int    `json:"length"`
}

// RosterResponse is the body of GET /docs/{doc}/roster.
type RosterResponse struct {
	Document      string                  `json:"document"`
	Collaborators []presence.Collaborator `json:"collaborators"`
}

// PeersResponse is the body of GET /docs/{doc}/peers.
type PeersResponse struct {
	Document string   `json:"document"`
	Peers    []string `json:"peers"`
}

func (h *Hub) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc}", h.handleWebSocket)
	docs := r.PathPrefix("/docs").Subrouter()
	docs.HandleFunc("", h.handleDocuments).Methods("GET")
	docs.HandleFunc("/{doc}/text", h.handleText).Methods("GET")
	docs.HandleFunc("/{doc}/roster", h.handleRoster).Methods("GET")
	docs.HandleFunc("/{doc}/snapshot", h.handleSnapshot).Methods("GET")
	docs.HandleFunc("/{doc}/peers", h.handlePeers).Methods("GET")
	return r
}

// handleWebSocket upgrades the connection of site ?site=<uuid> on doc.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	site, err := common.ParseSessionID(r.URL.Query().Get("site"))
	if err != nil || site.IsNil() {
		http.Error(w, "invalid site", http.StatusBadRequest)
		return
	}

	rm, err := h.open(r.Context(), doc)
	if err != nil {
		h.logger.Error("failed to open room", zap.String("document", doc), zap.Error(err))
		h.writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	newClient(rm, site, conn, h.opts).serve()
}

func (h *Hub) handleDocuments(w http.ResponseWriter, r *http.Request) {
	ids := h.Documents()
	if h.opts.Storage != nil {
		stored, err := h.opts.Storage.List(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		ids = mergeSorted(ids, stored)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"documents": ids})
}

func (h *Hub) handleText(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	rm, err := h.lookup(r.Context(), doc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	text := rm.replica.Text()
	writeJSON(w, http.StatusOK, TextResponse{
		Document: doc,
		Text:     text,
		Length:   len([]rune(text)),
	})
}

func (h *Hub) handleRoster(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	rm, err := h.lookup(r.Context(), doc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	self := rm.replica.Site()
	roster := make([]presence.Collaborator, 0)
	for _, c := range rm.replica.Presence().Roster() {
		if c.Site != self {
			roster = append(roster, c)
		}
	}
	writeJSON(w, http.StatusOK, RosterResponse{Document: doc, Collaborators: roster})
}

func (h *Hub) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	rm, err := h.lookup(r.Context(), doc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := rm.replica.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Hub) handlePeers(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["doc"]
	rm, err := h.lookup(r.Context(), doc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	peers, err := rm.replica.Peers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if peers == nil {
		peers = []string{}
	}
	writeJSON(w, http.StatusOK, PeersResponse{Document: doc, Peers: peers})
}

func (h *Hub) writeError(w http.ResponseWriter, err error) {
	var notFound common.ErrNotFound
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrHubClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
