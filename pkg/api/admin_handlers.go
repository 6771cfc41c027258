package api

import (
	"net/http"

	"github.com/platinummonkey/caseguard/pkg/httputil"
)

func (s *Server) flushCache(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Cache.FlushPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]int{"deleted": n}, "Permission cache flushed")
}
