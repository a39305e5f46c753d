package api

import "net/http"

// queueStatsHandler handles GET /api/v1/queue/stats.
func (srv *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.store.GetQueueStats(r.Context(), srv.cfg.StatsWindow)
	if err != nil {
		httpInternalError(w, "queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
