package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/analysis"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/capture"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
)

// liveEntry names the current entry in report requests.
const liveEntry = "live"

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if s.forbidden(w) {
		return
	}
	if err := s.control.Send(r.Context(), capture.StartRecording); err != nil {
		s.log.Error("[server] Failed to send start-recording: %v", err)
		http.Error(w, "couldn't send start recording message", http.StatusInternalServerError)
		return
	}
	accepted(w, "recording started")
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if s.forbidden(w) {
		return
	}
	if err := s.control.Send(r.Context(), capture.StopRecording); err != nil {
		s.log.Error("[server] Failed to send stop-recording: %v", err)
		http.Error(w, "couldn't send stop recording message", http.StatusInternalServerError)
		return
	}
	accepted(w, "recording stopped")
}

// handleDeleteRecording stops capture first when the target is current, so
// the capture loop is the only one to emit Paused.
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if s.forbidden(w) {
		return
	}
	name := r.PathValue("name")
	entry, ok := s.store.EntryForName(name)
	if !ok {
		http.Error(w, "no recording named "+strconv.Quote(name), http.StatusBadRequest)
		return
	}
	if entry.Current() {
		if err := s.control.SendAndWait(r.Context(), capture.StopRecording); err != nil {
			s.log.Error("[server] Failed to stop recording before delete: %v", err)
			http.Error(w, "couldn't stop the current recording", http.StatusInternalServerError)
			return
		}
	}

	wasCurrent, err := s.store.DeleteEntry(name)
	switch {
	case errors.Is(err, store.ErrNoSuchEntry):
		http.Error(w, "no recording named "+strconv.Quote(name), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("[server] Failed to delete %s: %v", name, err)
		http.Error(w, "couldn't delete recording", http.StatusInternalServerError)
		return
	}
	if wasCurrent {
		// A start slipped in between the stop and the delete.
		if err := s.control.Send(r.Context(), capture.StopRecording); err != nil {
			s.log.Warn("[server] Failed to stop capture after deleting current entry %s: %v", name, err)
		}
	}
	accepted(w, "recording deleted")
}

func (s *Server) handleDeleteAllRecordings(w http.ResponseWriter, r *http.Request) {
	if s.forbidden(w) {
		return
	}
	if err := s.control.SendAndWait(r.Context(), capture.StopRecording); err != nil {
		s.log.Error("[server] Failed to stop recording before delete-all: %v", err)
		http.Error(w, "couldn't stop the current recording", http.StatusInternalServerError)
		return
	}
	if err := s.store.DeleteAllEntries(); err != nil {
		s.log.Error("[server] Failed to delete all recordings: %v", err)
		http.Error(w, "couldn't delete recordings", http.StatusInternalServerError)
		return
	}
	accepted(w, "all recordings deleted")
}

func (s *Server) handleAnalysisReport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == liveEntry {
		current, ok := s.store.CurrentEntry()
		if !ok {
			http.Error(w, "no recording in progress", http.StatusServiceUnavailable)
			return
		}
		name = current.Name
	} else if _, ok := s.store.EntryForName(name); !ok {
		http.Error(w, "no recording named "+strconv.Quote(name), http.StatusNotFound)
		return
	}

	f, err := s.store.OpenEntryAnalysis(name)
	switch {
	case errors.Is(err, store.ErrNoSuchEntry):
		http.Error(w, "no recording named "+strconv.Quote(name), http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("[server] Failed to open analysis for %s: %v", name, err)
		http.Error(w, "couldn't open analysis report", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.log.Warn("[server] Analysis report for %s interrupted: %v", name, err)
	}
}

type manifestResponse struct {
	Entries      []store.Entry `json:"entries"`
	CurrentEntry *string       `json:"current_entry"`
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	resp := manifestResponse{Entries: s.store.Entries()}
	if resp.Entries == nil {
		resp.Entries = []store.Entry{}
	}
	if current, ok := s.store.CurrentEntry(); ok {
		resp.CurrentEntry = &current.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownloadCapture streams the recorded prefix of a capture file.
func (s *Server) handleDownloadCapture(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, entry, err := s.store.OpenEntryCapture(name)
	switch {
	case errors.Is(err, store.ErrNoSuchEntry):
		http.Error(w, "no recording named "+strconv.Quote(name), http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("[server] Failed to open capture for %s: %v", name, err)
		http.Error(w, "couldn't open recording", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+entry.Name+`.qmdl"`)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.CaptureSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.CopyN(w, f, entry.CaptureSize); err != nil {
		s.log.Warn("[server] Download of %s interrupted: %v", name, err)
	}
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.analysis.Status())
}

func (s *Server) handleQueueAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.forbidden(w) {
		return
	}
	name := r.PathValue("name")
	err := s.analysis.AnalyzeEntry(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.analysis.Status())
	case errors.Is(err, store.ErrNoSuchEntry):
		http.Error(w, "no recording named "+strconv.Quote(name), http.StatusBadRequest)
	case errors.Is(err, store.ErrEntryIsCurrent):
		http.Error(w, "recording is still in progress", http.StatusConflict)
	case errors.Is(err, analysis.ErrQueueFull):
		http.Error(w, "analysis queue is full", http.StatusServiceUnavailable)
	default:
		s.log.Error("[server] Failed to queue analysis of %s: %v", name, err)
		http.Error(w, "couldn't queue analysis", http.StatusInternalServerError)
	}
}

func (s *Server) handleSystemStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Collect())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
