package rhi

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// TestNewDeviceDefaults tests that NewDevice uses the default configuration.
func TestNewDeviceDefaults(t *testing.T) {
	d, err := NewDevice(NewHostBackend())
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	defer d.Destroy()

	if d.Config() != DefaultConfig() {
		t.Errorf("Config() = %+v, want defaults", d.Config())
	}
	if _, ok := d.sink.(LogMessageSink); !ok {
		t.Errorf("sink = %T, want LogMessageSink", d.sink)
	}
	if !strings.HasPrefix(d.Label(), "rhi-") {
		t.Errorf("Label() = %q, want generated label", d.Label())
	}
}

func TestNewDeviceNilBackend(t *testing.T) {
	if _, err := NewDevice(nil); err == nil {
		t.Fatal("NewDevice(nil) succeeded")
	}
}

func TestWithLabel(t *testing.T) {
	d := newTestDevice(t, WithLabel("editor"))
	if d.Label() != "editor" {
		t.Errorf("Label() = %q, want %q", d.Label(), "editor")
	}
}

// TestWithMessageSinkNil tests that a nil sink restores the default.
func TestWithMessageSinkNil(t *testing.T) {
	o := defaultOptions()
	WithMessageSink(&messageLog{})(&o)
	WithMessageSink(nil)(&o)
	if _, ok := o.sink.(LogMessageSink); !ok {
		t.Errorf("sink = %T, want LogMessageSink", o.sink)
	}
}

func TestWithMessageSinkFunc(t *testing.T) {
	var got []string
	sink := MessageSinkFunc(func(sev MessageSeverity, text string) {
		got = append(got, sev.String()+": "+text)
	})
	d := newTestDevice(t, WithMessageSink(sink))

	b, err := d.CreateBuffer(BufferDesc{Name: "b", Size: 4, CPUAccess: true})
	if err != nil {
		t.Fatal(err)
	}
	b.Release()
	b.Release()

	if len(got) != 1 || !strings.Contains(got[0], `buffer "b" released more often than retained`) {
		t.Errorf("sink messages = %q", got)
	}
}

func TestWithLogger(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	d := newTestDevice(t, WithLogger(l), WithLabel("logged"))

	if Logger() != l {
		t.Error("WithLogger did not install the logger")
	}
	if !strings.Contains(buf.String(), "device=logged") {
		t.Errorf("device creation not logged: %s", buf.String())
	}
	_ = d
}

func TestWithConfigInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transient.ChunkAlignment = 3
	if _, err := NewDevice(NewHostBackend(), WithConfig(cfg)); err == nil {
		t.Fatal("NewDevice accepted an invalid config")
	}
}
