package web

import (
	"errors"
	"net/http"

	"github.com/anthill/anthill/internal/webhook"
)

func (s *Server) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.dispatcher.Status())
}

// handleWebhookTest pushes a synthetic payload through the real delivery
// path, retries included, so operators can verify a receiver end to end.
func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "decoding body: "+err.Error())
		return
	}

	id, err := s.dispatcher.TestSend(r.Context(), req.URL, req.Token)
	if err != nil {
		if errors.Is(err, webhook.ErrNoCallback) {
			s.sendError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
			return
		}
		s.sendError(w, http.StatusBadGateway, codeDeliveryFailed, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"delivered": true, "deliveryId": id})
}

func (s *Server) handleWebhookProbe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "decoding body: "+err.Error())
		return
	}
	if req.URL == "" {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "url is required")
		return
	}

	res, err := s.dispatcher.ProbeReceiver(r.Context(), req.URL, req.Token)
	if err != nil {
		s.sendError(w, http.StatusBadGateway, codeDeliveryFailed, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}
