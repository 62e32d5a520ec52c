//go:build integration

package integration

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/go-sgdd"
	"github.com/ehrlich-b/go-sgdd/internal/logging"
)

// requireRoot skips the test if not running as root
func requireRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("This test requires root privileges")
	}
}

// requireDevices returns the scratch sg devices named by SGDD_TEST_IN and
// SGDD_TEST_OUT. Both are overwritten.
func requireDevices(t *testing.T) (string, string) {
	in, out := os.Getenv("SGDD_TEST_IN"), os.Getenv("SGDD_TEST_OUT")
	if in == "" || out == "" {
		t.Skip("SGDD_TEST_IN and SGDD_TEST_OUT must name scratch sg devices")
	}
	for _, p := range []string{in, out} {
		if _, err := os.Stat(p); err != nil {
			t.Skipf("sg device not available: %v", err)
		}
	}
	return in, out
}

func testOptions(t *testing.T) *sgdd.Options {
	return &sgdd.Options{Logger: logging.NewLogger(&logging.Config{
		Level:  logging.LevelDebug,
		Format: "text",
		Output: testWriter{t},
		Sync:   true,
	})}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func TestIntegrationDeviceToFile(t *testing.T) {
	requireRoot(t)
	in, _ := requireDevices(t)

	dir := t.TempDir()
	params := sgdd.DefaultParams()
	params.In = in
	params.Out = filepath.Join(dir, "image")
	params.Count = 2048

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := sgdd.Copy(ctx, params, testOptions(t))
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if res.OutFull != 2048 {
		t.Errorf("records out = %d, want 2048", res.OutFull)
	}
	t.Logf("input caps: %s", res.InCaps)

	fi, err := os.Stat(params.Out)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 2048*int64(params.BlockSize) {
		t.Errorf("image is %d bytes, want %d", fi.Size(), 2048*params.BlockSize)
	}
}

func TestIntegrationDeviceToDevice(t *testing.T) {
	requireRoot(t)
	in, out := requireDevices(t)

	for _, tc := range []struct {
		name   string
		flags  string
		notify sgdd.NotifyMode
		rt     bool
	}{
		{"v3 signal", "v3", sgdd.NotifySignal, false},
		{"v3 rt signal", "v3", sgdd.NotifySignal, true},
		{"v4 tag", "v4,tag", sgdd.NotifySignal, false},
		{"uring", "", sgdd.NotifyUring, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			flags, err := sgdd.ParseFlags(tc.flags)
			if err != nil {
				t.Fatal(err)
			}
			params := sgdd.DefaultParams()
			params.In, params.Out = in, out
			params.InFlags, params.OutFlags = flags, flags
			params.Notify = tc.notify
			params.RealtimeSignal = tc.rt
			params.Count = 4096

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			res, err := sgdd.Copy(ctx, params, testOptions(t))
			if err != nil {
				if sgdd.IsCode(err, sgdd.ErrCodeNotSupported) {
					t.Skipf("driver does not support %s: %v", tc.flags, err)
				}
				t.Fatalf("Copy failed: %v", err)
			}
			if res.InFull != 4096 || res.OutFull != 4096 {
				t.Errorf("records %d in, %d out, want 4096", res.InFull, res.OutFull)
			}
		})
	}
}

func TestIntegrationRoundTrip(t *testing.T) {
	requireRoot(t)
	_, out := requireDevices(t)

	if testing.Short() {
		t.Skip("Skipping round trip in short mode")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	back := filepath.Join(dir, "back")
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	params := sgdd.DefaultParams()
	params.In, params.Out = src, out
	if _, err := sgdd.Copy(ctx, params, testOptions(t)); err != nil {
		t.Fatalf("file to device: %v", err)
	}

	params = sgdd.DefaultParams()
	params.In, params.Out = out, back
	params.Count = int64(len(data) / params.BlockSize)
	if _, err := sgdd.Copy(ctx, params, testOptions(t)); err != nil {
		t.Fatalf("device to file: %v", err)
	}

	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data read back differs from data written")
	}
}
