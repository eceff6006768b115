package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 64 << 10

// SessionRequest is the body of the session boundary endpoints.
type SessionRequest struct {
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SessionView is a session with its derived duration.
type SessionView struct {
	storage.Session
	DurationSeconds *int64 `json:"duration_seconds"`
}

// HistoryEntry is one day of device history.
type HistoryEntry struct {
	Date    string  `json:"date"`
	Seconds int64   `json:"seconds"`
	Hours   float64 `json:"hours"`
}

func viewOf(s storage.Session) SessionView {
	view := SessionView{Session: s}
	if d, ok := s.Duration(); ok {
		secs := int64(d / time.Second)
		view.DurationSeconds = &secs
	}
	return view
}

func viewsOf(sessions []storage.Session) []SessionView {
	views := make([]SessionView, len(sessions))
	for i, s := range sessions {
		views[i] = viewOf(s)
	}
	return views
}

// decodeSessionRequest reads and validates a boundary request body.
func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (string, time.Time, error) {
	var req SessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return "", time.Time{}, fmt.Errorf("%w: request body is required", usage.ErrValidation)
		}
		return "", time.Time{}, fmt.Errorf("%w: invalid JSON body", usage.ErrValidation)
	}

	deviceID, err := usage.ValidateDeviceID(req.DeviceID)
	if err != nil {
		return "", time.Time{}, err
	}

	var at time.Time
	if req.Timestamp != "" {
		at, err = time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("%w: timestamp must be RFC 3339", usage.ErrValidation)
		}
	}
	return deviceID, at, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	deviceID, at, err := decodeSessionRequest(w, r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	result, err := s.recorder.Start(r.Context(), deviceID, at)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	resp := map[string]interface{}{
		"success":    true,
		"session_id": result.Session.ID,
		"session":    viewOf(result.Session),
	}
	if result.Closed != nil {
		resp["closed"] = viewOf(*result.Closed)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	deviceID, at, err := decodeSessionRequest(w, r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	session, err := s.recorder.End(r.Context(), deviceID, at)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": viewOf(*session),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID, at, err := decodeSessionRequest(w, r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	session, err := s.recorder.Heartbeat(r.Context(), deviceID, at)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": session.ID,
		"last_seen":  session.LastSeen,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.aggregator.Summaries(r.Context())
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": summaries,
		"count":   len(summaries),
	})
}

// knownDevice validates the {id} path variable and checks it has history.
func (s *Server) knownDevice(r *http.Request, deviceID string) (string, error) {
	deviceID, err := usage.ValidateDeviceID(deviceID)
	if err != nil {
		return "", err
	}
	known, err := s.aggregator.KnownDevice(r.Context(), deviceID)
	if err != nil {
		return "", err
	}
	if !known {
		return "", fmt.Errorf("%w: %s", usage.ErrUnknownDevice, deviceID)
	}
	return deviceID, nil
}

func (s *Server) handleDeviceSessions(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.knownDevice(r, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	var sessions []storage.Session
	if date := r.URL.Query().Get("date"); date != "" {
		day, err := s.aggregator.ParseDate(date)
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
		sessions, err = s.aggregator.DaySessions(r.Context(), deviceID, day)
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
	} else {
		sessions, err = s.store.Sessions().List(r.Context(), storage.SessionFilter{DeviceID: deviceID})
		if err != nil {
			respondError(w, s.logger, fmt.Errorf("list sessions: %w: %w", usage.ErrStorageUnavailable, err))
			return
		}
	}

	// Newest first.
	views := viewsOf(sessions)
	for i, j := 0, len(views)-1; i < j; i, j = i+1, j-1 {
		views[i], views[j] = views[j], views[i]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"device_id": deviceID,
		"sessions":  views,
		"count":     len(views),
	})
}

func (s *Server) handleDeviceDaily(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, err := s.knownDevice(r, vars["id"])
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	day, err := s.aggregator.ParseDate(vars["date"])
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	sessions, err := s.aggregator.DaySessions(r.Context(), deviceID, day)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	totals, err := s.aggregator.Aggregate(r.Context(), deviceID, day, day)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	var seconds int64
	if len(totals) == 1 {
		seconds = totals[0].Seconds
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":               true,
		"device_id":             deviceID,
		"date":                  day.Format(usage.DateLayout),
		"total_runtime_seconds": seconds,
		"session_count":         len(sessions),
		"sessions":              viewsOf(sessions),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, r.URL.Query().Get("device_id"))
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, mux.Vars(r)["id"])
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, rawDeviceID string) {
	deviceID, err := s.knownDevice(r, rawDeviceID)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	query := r.URL.Query()
	from := s.aggregator.HistoryStart()
	if v := query.Get("from"); v != "" {
		if from, err = s.aggregator.ParseDate(v); err != nil {
			respondError(w, s.logger, err)
			return
		}
	}
	to := s.aggregator.Today()
	if v := query.Get("to"); v != "" {
		if to, err = s.aggregator.ParseDate(v); err != nil {
			respondError(w, s.logger, err)
			return
		}
	}

	totals, err := s.aggregator.Aggregate(r.Context(), deviceID, from, to)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	history := make([]HistoryEntry, len(totals))
	for i, total := range totals {
		history[i] = HistoryEntry{Date: total.Date, Seconds: total.Seconds, Hours: total.Hours()}
	}

	// Dates before the history floor are dropped; report where history begins.
	fromDate := from.Format(usage.DateLayout)
	if len(totals) > 0 {
		fromDate = totals[0].Date
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"device_id": deviceID,
		"from":      fromDate,
		"to":        to.Format(usage.DateLayout),
		"history":   history,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.knownDevice(r, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	sessions, err := s.store.Sessions().List(r.Context(), storage.SessionFilter{DeviceID: deviceID})
	if err != nil {
		respondError(w, s.logger, fmt.Errorf("export: %w: %w", usage.ErrStorageUnavailable, err))
		return
	}

	filename := fmt.Sprintf("%s_sessions_%s.csv", deviceID, time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"session_id", "device_id", "start_time", "end_time", "duration_seconds", "status"})
	for _, session := range sessions {
		end, duration, status := "", "", string(usage.StatusRunning)
		if d, ok := session.Duration(); ok {
			end = session.EndedAt.UTC().Format(time.RFC3339)
			duration = strconv.FormatInt(int64(d/time.Second), 10)
			status = "completed"
		}
		_ = cw.Write([]string{
			strconv.FormatInt(session.ID, 10),
			session.DeviceID,
			session.StartedAt.UTC().Format(time.RFC3339),
			end,
			duration,
			status,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to write CSV export")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Health check failed")
		writeError(w, http.StatusInternalServerError, KindStorageUnavailable, "Session storage is unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}
