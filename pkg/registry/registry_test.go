package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
)

func TestRegistry_Lookup(t *testing.T) {
	r := New()

	r.Register("create_record", Registration{
		Handler: HandlerFunc(func(ctx context.Context, ec ExecContext, params map[string]any) (*Result, error) {
			return &Result{Output: "ok"}, nil
		}),
		FingerprintFields: []string{"name"},
	})

	reg, err := r.Lookup("create_record")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(reg.FingerprintFields) != 1 || reg.FingerprintFields[0] != "name" {
		t.Errorf("Expected fingerprint fields [name], got %v", reg.FingerprintFields)
	}

	res, err := reg.Handler.Execute(context.Background(), ExecContext{}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("Expected output 'ok', got %v", res.Output)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := New()
	_, err := r.Lookup("missing")
	if !errors.Is(err, domain.ErrHandlerNotFound) {
		t.Errorf("Expected ErrHandlerNotFound, got %v", err)
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	r := New()
	r.Register("x", Registration{Handler: HandlerFunc(func(ctx context.Context, ec ExecContext, params map[string]any) (*Result, error) {
		return &Result{Output: 1}, nil
	})})
	r.Register("x", Registration{Handler: HandlerFunc(func(ctx context.Context, ec ExecContext, params map[string]any) (*Result, error) {
		return &Result{Output: 2}, nil
	})})

	reg, err := r.Lookup("x")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	res, _ := reg.Handler.Execute(context.Background(), ExecContext{}, nil)
	if res.Output != 2 {
		t.Errorf("Expected last registration to win, got %v", res.Output)
	}
}

func TestDecodeParams(t *testing.T) {
	type writeFileParams struct {
		Path    string `mapstructure:"path"`
		Content string `mapstructure:"content"`
		Mode    int    `mapstructure:"mode"`
	}

	var p writeFileParams
	err := DecodeParams(map[string]any{
		"path":    "/tmp/x",
		"content": "hello",
		"mode":    0o644,
	}, &p)
	if err != nil {
		t.Fatalf("DecodeParams failed: %v", err)
	}
	if p.Path != "/tmp/x" || p.Content != "hello" || p.Mode != 0o644 {
		t.Errorf("Unexpected decode: %+v", p)
	}

	if err := DecodeParams(map[string]any{"mode": "not a number"}, &p); err == nil {
		t.Error("Type mismatch must fail")
	}
}
