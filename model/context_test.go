package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "user-1", UserID: 1},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			rc:      &RequestContext{UserID: 1},
			wantErr: true,
		},
		{
			name:    "missing UserID",
			rc:      &RequestContext{SubjectID: "user-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{
		Claims: map[string]any{
			"email": "user@example.com",
			"count": 42,
		},
	}
	if got := rc.Claim("email"); got != "user@example.com" {
		t.Errorf("Claim(email) = %v, want user@example.com", got)
	}
	if got := rc.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
	if got := (&RequestContext{}).Claim("any"); got != nil {
		t.Errorf("Claim(any) on nil claims = %v, want nil", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "user-1", UserID: 1}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}

func TestAuthorizationFrom(t *testing.T) {
	ctx := WithRequestContext(context.Background(), &RequestContext{Authorization: "Bearer abc"})
	if got := AuthorizationFrom(ctx); got != "Bearer abc" {
		t.Errorf("AuthorizationFrom() = %q, want %q", got, "Bearer abc")
	}
	if got := AuthorizationFrom(context.Background()); got != "" {
		t.Errorf("AuthorizationFrom(empty context) = %q, want empty", got)
	}
}

func TestMustRequestContext_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRequestContext(empty context) did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
