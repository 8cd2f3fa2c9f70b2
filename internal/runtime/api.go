package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ainoteslabs/ainotes-core/internal/coordinator"
	"github.com/ainoteslabs/ainotes-core/internal/notestore"
)

// registerAPI mounts the control surface that drives notes, questions,
// detection runs, and the recording archive.
func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/notes", r.handleListNotes)
	mux.HandleFunc("POST /v1/notes", r.handleCreateNote)
	mux.HandleFunc("DELETE /v1/notes/{id}", r.handleDeleteNote)
	mux.HandleFunc("GET /v1/notes/{id}/questions", r.handleListQuestions)
	mux.HandleFunc("POST /v1/notes/{id}/questions", r.handleAddQuestion)
	mux.HandleFunc("DELETE /v1/questions/{id}", r.handleDeleteQuestion)
	mux.HandleFunc("POST /v1/questions/{id}/detect", r.handleStartDetection)
	mux.HandleFunc("POST /v1/questions/{id}/clear", r.handleClearDetection)
	mux.HandleFunc("POST /v1/detect/stop", r.handleStopDetection)
	mux.HandleFunc("GET /v1/recordings", r.handleListRecordings)
	mux.HandleFunc("DELETE /v1/recordings/{name}", r.handleDeleteRecording)
}

func (r *Runtime) handleListNotes(w http.ResponseWriter, req *http.Request) {
	notes, err := r.store.ListNotes(req.Context())
	if err != nil {
		r.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (r *Runtime) handleCreateNote(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Title == "" {
		http.Error(w, "title required", http.StatusBadRequest)
		return
	}
	note, err := r.store.CreateNote(req.Context(), body.Title)
	if err != nil {
		r.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (r *Runtime) handleDeleteNote(w http.ResponseWriter, req *http.Request) {
	if err := r.store.DeleteNote(req.Context(), req.PathValue("id")); err != nil {
		r.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleListQuestions(w http.ResponseWriter, req *http.Request) {
	questions, err := r.store.ListQuestions(req.Context(), req.PathValue("id"))
	if err != nil {
		r.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (r *Runtime) handleAddQuestion(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Question == "" {
		http.Error(w, "question required", http.StatusBadRequest)
		return
	}
	question, err := r.store.AddQuestion(req.Context(), req.PathValue("id"), body.Question)
	if err != nil {
		r.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, question)
}

func (r *Runtime) handleDeleteQuestion(w http.ResponseWriter, req *http.Request) {
	if err := r.store.DeleteQuestion(req.Context(), req.PathValue("id")); err != nil {
		r.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleStartDetection(w http.ResponseWriter, req *http.Request) {
	question, err := r.store.GetQuestion(req.Context(), req.PathValue("id"))
	if err != nil {
		r.apiError(w, err)
		return
	}
	ref := coordinator.QuestionRef{ID: question.ID, Text: question.Question}
	if err := r.coord.StartDetection(req.Context(), ref); err != nil {
		r.logger.Warn("start detection failed",
			slog.String("question_id", question.ID),
			slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleStopDetection(w http.ResponseWriter, req *http.Request) {
	r.coord.StopDetection(req.Context())
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleClearDetection(w http.ResponseWriter, req *http.Request) {
	if err := r.store.ClearDetection(req.Context(), req.PathValue("id")); err != nil {
		r.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleListRecordings(w http.ResponseWriter, _ *http.Request) {
	recordings, err := r.recorder.List()
	if err != nil {
		r.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordings)
}

func (r *Runtime) handleDeleteRecording(w http.ResponseWriter, req *http.Request) {
	if err := r.recorder.Delete(req.PathValue("name")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) apiError(w http.ResponseWriter, err error) {
	if errors.Is(err, notestore.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	r.logger.Error("api request failed", slog.String("error", err.Error()))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
