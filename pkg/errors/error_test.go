package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestHubError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *HubError
		contains []string
	}{
		{
			name:     "basic error",
			err:      &HubError{Domain: DomainInbox, Code: CodeInboxClosed, Message: "inbox is stopped"},
			contains: []string{"[inbox:E101]", "inbox is stopped"},
		},
		{
			name:     "error with operation",
			err:      NewWithOp(DomainBacklog, CodeBacklogQuery, "GetApplicationsRecap", "query failed"),
			contains: []string{"(GetApplicationsRecap)", "query failed"},
		},
		{
			name:     "error with cause",
			err:      ErrStoreFailed("a1", stderrors.New("disk full")),
			contains: []string{"failed to persist", "disk full"},
		},
		{
			name:     "error with hint",
			err:      ErrSendBufferFull("c-1"),
			contains: []string{"hint: viewer is too slow"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestHubError_IsMatchesCode(t *testing.T) {
	wrapped := fmt.Errorf("post: %w", &HubError{Domain: DomainInbox, Code: CodeInboxClosed})
	if !Is(wrapped, ErrInboxClosed) {
		t.Error("errors.Is should match sentinel by code")
	}
	if Is(wrapped, ErrPipelineClosed) {
		t.Error("errors.Is matched a different code")
	}
}

func TestHubError_Unwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := ErrBusDial("ws://backend/bus", 3, cause)
	if !stderrors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if err.Context["attempt"] != 3 {
		t.Errorf("attempt context = %v, want 3", err.Context["attempt"])
	}
}

func TestCodeAndDomainOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrUnknownCluster("AddClusterUser", "c9"))

	code, ok := CodeOf(err)
	if !ok || code != CodeUnknownCluster {
		t.Errorf("CodeOf() = %q, %v", code, ok)
	}
	domain, ok := DomainOf(err)
	if !ok || domain != DomainMembership {
		t.Errorf("DomainOf() = %q, %v", domain, ok)
	}
	if _, ok := CodeOf(stderrors.New("plain")); ok {
		t.Error("CodeOf() matched a plain error")
	}
}

func TestWithSource(t *testing.T) {
	err := New(DomainQuery, CodeSubscriberFault, "x")
	if err.Source == nil || !strings.HasSuffix(err.Source.File, "error_test.go") {
		t.Errorf("Source = %+v, want caller location", err.Source)
	}
}

func TestRegistryCoversCodes(t *testing.T) {
	for code, entry := range Registry {
		if entry.Code != code {
			t.Errorf("Registry[%s].Code = %s", code, entry.Code)
		}
		if entry.Description == "" {
			t.Errorf("Registry[%s] has no description", code)
		}
	}
}
