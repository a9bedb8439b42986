package gateway

import (
	"net/http/httptest"
	"testing"
)

func TestWriteImageGenerationResponsePadsShortResults(t *testing.T) {
	g := &Gateway{}
	rec := httptest.NewRecorder()

	// No urls at all means every slot falls through the padding branch
	// without ever calling into the asset resolver.
	writeImageGenerationResponse(rec, g, nil, 3, "url")

	body := rec.Body.String()
	if want := `"error"`; countOccurrences(body, want) != 3 {
		t.Fatalf("expected 3 padded error slots, got body %s", body)
	}
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}
	return count
}
