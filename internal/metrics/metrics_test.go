package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pbp/go-pbp/internal/contracts"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOpCountsByResult(t *testing.T) {
	r := New()
	started := time.Now()
	r.RecordOp("encrypt", started, nil)
	r.RecordOp("encrypt", started, nil)
	r.RecordOp("decrypt", started, contracts.ErrAuthenticationFailure)

	if got := testutil.ToFloat64(r.ops.WithLabelValues("encrypt", ResultOK)); got != 2 {
		t.Fatalf("expected 2 encrypt ok, got %v", got)
	}
	if got := testutil.ToFloat64(r.ops.WithLabelValues("decrypt", ResultError)); got != 1 {
		t.Fatalf("expected 1 decrypt error, got %v", got)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues(contracts.ErrorCategoryCrypto)); got != 1 {
		t.Fatalf("expected 1 crypto error, got %v", got)
	}
}

func TestErrorCategoryDefaultsToStorage(t *testing.T) {
	r := New()
	r.RecordOp("list", time.Now(), errors.New("disk full"))
	if got := testutil.ToFloat64(r.errors.WithLabelValues(contracts.ErrorCategoryStorage)); got != 1 {
		t.Fatalf("expected storage error, got %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.RecordOp("sign", time.Now(), nil)
	path := filepath.Join(t.TempDir(), "pbp.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `pbp_operations_total{operation="sign",result="ok"} 1`) {
		t.Fatalf("unexpected textfile:\n%s", data)
	}
	if err := r.WriteTextfile(""); err != nil {
		t.Fatalf("empty path must be a no-op: %v", err)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RecordOp("sign", time.Now(), nil)
	if err := r.WriteTextfile("/nonexistent/x.prom"); err != nil {
		t.Fatalf("nil recorder must not write: %v", err)
	}
}
