package notifier

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// HistoryHandler serves the delivered notifications as JSON, newest first.
// ?limit=N caps the list.
func (s *Service) HistoryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items := s.History()
		out := make([]HistoryItem, 0, len(items))
		for i := len(items) - 1; i >= 0; i-- {
			out = append(out, items[i])
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			if n < len(out) {
				out = out[:n]
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
