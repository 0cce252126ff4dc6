package http

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxNotificationBytes bounds a Graph notification batch.
const maxNotificationBytes = 1 << 20

// graphNotification is one entry of a Graph change or lifecycle notification.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	LifecycleEvent string `json:"lifecycleEvent"`
}

// handleGraphNotification godoc
// @Summary      Microsoft Graph notifications
// @Description  Answers the subscription validation handshake and turns each verified notification into a delta sync request
// @Tags         Webhooks
// @Accept       json
// @Produce      plain
// @Param        validationToken  query  string  false  "Graph validation token"
// @Success      200  {string}  string  "Echoed validation token"
// @Success      202
// @Router       /webhooks/microsoft365 [post]
func (s *Server) handleGraphNotification(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	var batch struct {
		Value []graphNotification `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBytes)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification body")
		return
	}

	// A batch usually repeats one subscription; one sync request per
	// connection is enough.
	seen := make(map[string]bool)
	for _, n := range batch.Value {
		connectionID, err := s.clientStates.Verify(n.ClientState)
		if err != nil {
			s.logger.Warn("dropping notification with invalid client state",
				"subscription_id", n.SubscriptionID, "error", err)
			continue
		}
		if seen[connectionID] {
			continue
		}
		seen[connectionID] = true

		if n.LifecycleEvent != "" {
			s.logger.Info("graph lifecycle event",
				"connection_id", connectionID, "subscription_id", n.SubscriptionID, "event", n.LifecycleEvent)
		}
		if err := s.notifications.Notify(r.Context(), connectionID); err != nil {
			// Hints are best effort; the scheduler still polls.
			s.logger.Warn("notification not accepted", "connection_id", connectionID, "error", err)
		}
	}

	w.WriteHeader(http.StatusAccepted)
}
