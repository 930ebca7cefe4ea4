package main

import "net/http"

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	s.Events.ServeWS(w, r, s.WSOrigins)
}
