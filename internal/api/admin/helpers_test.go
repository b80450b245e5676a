package admin

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/middleware"
)

// ---------------------------------------------------------------------------
// callerID
// ---------------------------------------------------------------------------

func ginCtxWith(key string, val interface{}) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if key != "" {
		c.Set(key, val)
	}
	return c
}

func TestCallerID_Missing(t *testing.T) {
	if got := callerID(ginCtxWith("", nil)); got != nil {
		t.Errorf("callerID = %v, want nil", *got)
	}
}

func TestCallerID_Present(t *testing.T) {
	got := callerID(ginCtxWith(middleware.UserIDKey, "user-7"))
	if got == nil || *got != "user-7" {
		t.Errorf("callerID = %v, want user-7", got)
	}
}

func TestCallerID_EmptyString(t *testing.T) {
	if got := callerID(ginCtxWith(middleware.UserIDKey, "")); got != nil {
		t.Errorf("callerID = %v, want nil for empty id", *got)
	}
}
