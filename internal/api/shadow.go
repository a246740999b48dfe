package api

import (
	"net/http"
)

func (s *Server) handleListShadow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.shadow.All())
}

func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	state, ok := s.shadow.Get(h.EntityID())
	if !ok {
		writeNotFound(w, "no shadow state for "+h.EntityID())
		return
	}
	writeJSON(w, http.StatusOK, state)
}
