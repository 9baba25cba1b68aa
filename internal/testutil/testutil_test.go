package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func TestNewTestStore(t *testing.T) {
	s := NewTestStore(t)
	conn := SeedConnection(t, s, "u1", "1784")

	got, err := s.GetConnection(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if got == nil || got.IGUserID != conn.IGUserID || !got.IsLive() {
		t.Errorf("Expected seeded live connection, got %+v", got)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")

			if tt.shouldFail && !mockT.failed {
				t.Error("Expected test to fail but it passed")
			}
			if !tt.shouldFail && mockT.failed {
				t.Error("Expected test to pass but it failed")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{name: "valid JSON with matching status", jsonBody: `{"status":"ok","result":"test"}`, expectedStatus: "ok"},
		{name: "valid JSON with different status", jsonBody: `{"status":"error"}`, expectedStatus: "ok", shouldFail: true},
		{name: "invalid JSON", jsonBody: `{"status":}`, expectedStatus: "ok", shouldFail: true},
		{name: "missing status field", jsonBody: `{"result":"test"}`, expectedStatus: "ok", shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)

			if tt.shouldFail && !mockT.failed {
				t.Error("Expected test to fail but it passed")
			}
			if !tt.shouldFail && mockT.failed {
				t.Errorf("Expected test to pass but it failed: %s", mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("Expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   interface{}
	}{
		{name: "GET request with no body", method: "GET", url: "/healthz"},
		{name: "POST request with JSON body", method: "POST", url: "/user/automations", body: map[string]string{"kind": "dm_auto_reply"}},
		{name: "PUT request with struct body", method: "PUT", url: "/user/automation-settings", body: models.RuleSetRequest{Kind: models.KindDMAutoReply}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateHTTPRequest(t, tt.method, tt.url, tt.body)
			if req == nil {
				t.Fatal("Expected request to be created, got nil")
			}
			if req.Method != tt.method {
				t.Errorf("Expected method %s, got %s", tt.method, req.Method)
			}
			if req.URL.Path != tt.url {
				t.Errorf("Expected URL %s, got %s", tt.url, req.URL.Path)
			}
			if tt.body != nil && req.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Expected JSON content type, got %q", req.Header.Get("Content-Type"))
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	header := BearerToken(t, "secret", "user-42")
	if !strings.HasPrefix(header, "Bearer ") {
		t.Fatalf("Expected Bearer prefix, got %q", header)
	}

	token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(*jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("Expected valid token, got %v", err)
	}
	claims := token.Claims.(jwt.MapClaims)
	if claims["user_id"] != "user-42" {
		t.Errorf("Expected user_id claim user-42, got %v", claims["user_id"])
	}
}

func TestMustJSONHelpers(t *testing.T) {
	data := MustMarshalJSON(t, models.RateLimitPolicy{MaxActionsPerHour: 10, MaxActionsPerDay: 100})
	var p models.RateLimitPolicy
	MustUnmarshalJSON(t, data, &p)
	if p.MaxActionsPerHour != 10 || p.MaxActionsPerDay != 100 {
		t.Errorf("Unexpected policy: %+v", p)
	}

	mockT := &mockTestingT{}
	MustUnmarshalJSON(mockT, []byte("{"), &p)
	if !mockT.failed {
		t.Error("Expected malformed JSON to fail")
	}
}
