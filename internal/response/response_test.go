package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, RequestID(c)) })

	cases := []struct {
		name   string
		header string
		keep   bool
	}{
		{"proxy id kept", "edge-01.abc_123", true},
		{"missing", "", false},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"unsafe characters", "id\nInjected: 1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("X-Request-ID", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			got := w.Body.String()
			if got == "" || w.Header().Get("X-Request-ID") != got {
				t.Fatalf("id %q, header %q", got, w.Header().Get("X-Request-ID"))
			}
			if (got == tc.header) != tc.keep {
				t.Fatalf("id = %q, keep = %v", got, tc.keep)
			}
		})
	}
}

func TestFailWithFields(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		FailWithFields(c, http.StatusBadRequest, ErrValidation, map[string]string{"option": "out of range"})
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusBadRequest || body.Error == nil || body.Error.Code != ErrValidation {
		t.Fatalf("unexpected %d %+v", w.Code, body.Error)
	}
	if body.Error.Fields["option"] != "out of range" || body.Error.Message != GetMessage(ErrValidation) {
		t.Fatalf("unexpected error body %+v", body.Error)
	}
	if body.Metadata.RequestID != "req-1" || body.Data != nil {
		t.Fatalf("unexpected metadata %+v", body.Metadata)
	}
}
