package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/store"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/webpush"
)

const emptyDataPayload = `{"facilities":{},"availability":{},"updated_at":null}`

// getData serves the cached availability snapshot, falling back to an
// empty structure when the cache is cold.
func (s *Server) getData(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	payload, err := s.cache.GetSnapshot(r.Context())
	if err != nil {
		s.logger.Warn("snapshot read failed", zap.Error(err))
		payload = nil
	}
	if payload == nil {
		payload = []byte(emptyDataPayload)
	}
	_, _ = w.Write(payload)
}

type alarmRequest struct {
	SubscriptionID string `json:"subscription_id"`
	CourtGroup     string `json:"court_group"`
	Date           string `json:"date"`
}

func (a alarmRequest) validate() error {
	if a.SubscriptionID == "" || a.CourtGroup == "" || a.Date == "" {
		return errors.New("missing field")
	}
	return nil
}

// normalizeDate folds YYYY-MM-DD into the upstream YYYYMMDD form.
func normalizeDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}

func (s *Server) addAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := s.store.AddAlarm(r.Context(), req.SubscriptionID, req.CourtGroup, normalizeDate(req.Date))
	if err != nil {
		s.logger.Error("add alarm failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "add alarm failed")
		return
	}
	status := "added"
	if !added {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) listAlarms(w http.ResponseWriter, r *http.Request) {
	subID := r.URL.Query().Get("subscription_id")
	if subID == "" {
		writeJSON(w, http.StatusOK, []store.Alarm{})
		return
	}
	alarms, err := s.store.ListAlarms(r.Context(), subID)
	if err != nil {
		s.logger.Error("list alarms failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list alarms failed")
		return
	}
	writeJSON(w, http.StatusOK, alarms)
}

func (s *Server) deleteAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteAlarm(r.Context(), req.SubscriptionID, req.CourtGroup, normalizeDate(req.Date)); err != nil {
		s.logger.Error("delete alarm failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete alarm failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "missing field")
		return
	}
	id, err := s.store.UpsertSubscription(r.Context(), req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		s.logger.Error("subscribe failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subscription_id": id})
}

// refresh runs one crawl+alarm cycle synchronously, token-gated.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.runner.Tick(r.Context()); err != nil {
		s.logger.Error("manual refresh failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// testAlarm pushes a test notification, defaulting to the most recent
// subscription when none is named.
func (s *Server) testAlarm(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var (
		sub store.Subscription
		err error
	)
	if subID := r.URL.Query().Get("subscription_id"); subID != "" {
		sub, err = s.store.GetSubscription(r.Context(), subID)
	} else {
		sub, err = s.store.LatestSubscription(r.Context())
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.logger.Error("lookup subscription failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup subscription failed")
		return
	}

	target := webpush.Subscription{Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth}
	body := fmt.Sprintf("test_alarm ok (sub=%s) @ %s", sub.ID, s.clk.Now().Format(time.RFC3339))
	if err := s.push.Send(r.Context(), target, "🧪 테스트 알람", body); err != nil {
		s.logger.Error("test push failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subId": sub.ID})
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	return s.refreshToken != "" && token == s.refreshToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
