package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleVideoGenerationsRejectsMissingPrompt(t *testing.T) {
	g := &Gateway{}
	req := httptest.NewRequest(http.MethodPost, "/v1/video/generations", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	g.handleVideoGenerations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "prompt is required") {
		t.Fatalf("expected prompt validation error, got %s", rec.Body.String())
	}
}

func TestHandleVideoGenerationsRejectsBadAspectRatio(t *testing.T) {
	g := &Gateway{}
	body := `{"prompt":"a cat","aspect_ratio":"4:3"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/video/generations", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	g.handleVideoGenerations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "aspect_ratio") {
		t.Fatalf("expected aspect_ratio validation error, got %s", rec.Body.String())
	}
}

func TestHandleVideoGenerationsRejectsBadVideoLength(t *testing.T) {
	g := &Gateway{}
	body := `{"prompt":"a cat","video_length":7}`
	req := httptest.NewRequest(http.MethodPost, "/v1/video/generations", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	g.handleVideoGenerations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "video_length") {
		t.Fatalf("expected video_length validation error, got %s", rec.Body.String())
	}
}

func TestHandleVideoGenerationsRejectsUnknownModel(t *testing.T) {
	g := &Gateway{}
	body := `{"prompt":"a cat","model":"not-a-real-model"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/video/generations", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	g.handleVideoGenerations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown video model") {
		t.Fatalf("expected unknown model validation error, got %s", rec.Body.String())
	}
}
