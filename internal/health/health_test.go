package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/elevatehq/realtime/internal/configure"
	"github.com/elevatehq/realtime/internal/global"
	"github.com/elevatehq/realtime/internal/testutil"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	config := &configure.Config{}
	config.Health.Enabled = true
	config.Health.Bind = "127.0.1.1:3901"

	gCtx, cancel := global.WithCancel(global.New(context.Background(), config))

	done := New(gCtx)

	time.Sleep(time.Millisecond * 50)

	resp, err := http.DefaultClient.Get("http://127.0.1.1:3901")
	testutil.IsNil(t, err, "No error")

	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	testutil.Assert(t, http.StatusOK, resp.StatusCode, "response code")

	// No bus configured reads as degraded, but degraded is not an outage.
	if !strings.Contains(string(body), "bus_degraded") {
		t.Fatalf("body missing degraded flag: %s", body)
	}

	cancel()

	<-done
}
