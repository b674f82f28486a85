package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"msgblast/internal/config"
	"msgblast/internal/engine"
	"msgblast/internal/excel"
	"msgblast/internal/storage"
	"msgblast/pkg/logx"
)

const maxUploadBytes = 32 << 20

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Error: msg})
}

// handleChannelStart connects the messaging channel. Idempotent: an already
// connected channel reports success.
func (s *Server) handleChannelStart(w http.ResponseWriter, r *http.Request) {
	if s.channel.Ready() {
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Channel already connected"})
		return
	}
	if err := s.channel.Start(r.Context()); err != nil {
		s.log.Error("channel start failed", logx.Err(err))
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Channel connected"})
}

// handleChannelStop disconnects the channel. A run in progress keeps its
// in-flight attempt; subsequent sends fail and are retried per policy.
func (s *Server) handleChannelStop(w http.ResponseWriter, r *http.Request) {
	if !s.channel.Ready() {
		writeErr(w, http.StatusConflict, "channel is not connected")
		return
	}
	if err := s.channel.Stop(r.Context()); err != nil {
		s.log.Error("channel stop failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Channel disconnected"})
}

// handleUpload stores the multipart xlsx, validates it, and on success makes
// it the active job table.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".xlsx" {
		writeErr(w, http.StatusBadRequest, "only .xlsx files are accepted")
		return
	}

	dir := s.cfg.Get().Excel.UploadsDirOrDefault()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("uploads dir create failed", logx.String("dir", dir), logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	name := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), filepath.Base(header.Filename))
	dest := filepath.Join(dir, name)
	out, err := os.Create(dest)
	if err != nil {
		s.log.Error("upload create failed", logx.String("path", dest), logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		writeErr(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		writeErr(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	res := s.ingestor.Validate(dest)
	if !res.Valid {
		_ = os.Remove(dest)
		writeJSON(w, http.StatusBadRequest, res)
		return
	}

	if _, err := s.cfg.Update(r.Context(), func(cfg *config.Config) {
		cfg.Excel.File = dest
	}); err != nil {
		s.log.Error("config update failed after upload", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "upload stored but could not be activated")
		return
	}

	s.log.Info("job table uploaded", logx.String("path", dest))
	writeJSON(w, http.StatusOK, struct {
		apiResponse
		File       string                  `json:"file"`
		Validation *excel.ValidationResult `json:"validation"`
	}{
		apiResponse: apiResponse{Success: true, Message: "File uploaded and validated"},
		File:        dest,
		Validation:  &res,
	})
}

// handleValidate re-runs validation without mutating anything.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	path := strings.TrimSpace(req.File)
	if path == "" {
		path = s.cfg.Get().Excel.File
	}
	if path == "" {
		writeErr(w, http.StatusBadRequest, "no excel file uploaded or configured")
		return
	}

	res := s.ingestor.Validate(path)
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	path := strings.TrimSpace(req.File)
	if path == "" {
		path = s.cfg.Get().Excel.File
	}
	if path == "" {
		writeErr(w, http.StatusBadRequest, "no excel file uploaded or configured")
		return
	}

	if res := s.ingestor.Validate(path); !res.Valid {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}

	switch err := s.engine.StartRun(path); {
	case err == nil:
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Message processing started"})
	case errors.Is(err, engine.ErrBusy):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrChannelNotReady):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	if !snap.Running {
		writeErr(w, http.StatusConflict, "no message processing in progress")
		return
	}
	s.engine.RequestStop()
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Stop requested; finishing current message"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, struct {
		engine.Snapshot
		ChannelReady bool   `json:"channel_ready"`
		File         string `json:"file,omitempty"`
	}{
		Snapshot:     s.engine.Snapshot(),
		ChannelReady: s.channel.Ready(),
		File:         cfg.Excel.File,
	})
}

// settingsPayload is the external shape of the send policy. Durations are Go
// duration strings.
type settingsPayload struct {
	DelayBetweenMessages string `json:"delay_between_messages"`
	MaxRetries           int    `json:"max_retries"`
	RetryDelay           string `json:"retry_delay"`
	CountryCode          string `json:"country_code"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	d := s.cfg.Get().Dispatch
	delay, _ := d.Delay()
	wait, _ := d.RetryWait()
	writeJSON(w, http.StatusOK, settingsPayload{
		DelayBetweenMessages: delay.String(),
		MaxRetries:           d.Retries(),
		RetryDelay:           wait.String(),
		CountryCode:          d.Country(),
	})
}

// handleUpdateSettings persists the new policy. The active run keeps its
// snapshot; the next run picks the new values up.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	if req.MaxRetries < 0 {
		writeErr(w, http.StatusBadRequest, "max_retries must not be negative")
		return
	}

	_, err := s.cfg.Update(r.Context(), func(cfg *config.Config) {
		if req.DelayBetweenMessages != "" {
			cfg.Dispatch.DelayBetweenMessages = req.DelayBetweenMessages
		}
		if req.RetryDelay != "" {
			cfg.Dispatch.RetryDelay = req.RetryDelay
		}
		if req.CountryCode != "" {
			cfg.Dispatch.CountryCode = req.CountryCode
		}
		retries := req.MaxRetries
		cfg.Dispatch.MaxRetries = &retries
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Settings updated"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.RecentRuns(r.Context(), limit)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		writeErr(w, http.StatusNotImplemented, err.Error())
	case err != nil:
		s.log.Error("history query failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "history query failed")
	default:
		if runs == nil {
			runs = []storage.RunRecord{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid run id")
		return
	}
	outs, err := s.store.RunOutcomes(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		writeErr(w, http.StatusNotImplemented, err.Error())
	case err != nil:
		s.log.Error("history query failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "history query failed")
	default:
		if outs == nil {
			outs = []storage.OutcomeRecord{}
		}
		writeJSON(w, http.StatusOK, outs)
	}
}

// handleTemplate generates an example workbook and serves it for download.
func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	sheet := s.cfg.Get().Excel.Sheet()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("template_%d.xlsx", time.Now().UnixNano()))
	if err := excel.WriteTemplate(path, sheet); err != nil {
		s.log.Error("template generation failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "template generation failed")
		return
	}
	defer os.Remove(path)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="template_example.xlsx"`)
	http.ServeFile(w, r, path)
}
