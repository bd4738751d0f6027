package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/go-logr/logr"
)

func fakeJPEG(payload string) []byte {
	data := append([]byte{}, jpegSOI...)
	data = append(data, payload...)
	return append(data, jpegEOI...)
}

func TestSplitJPEG(t *testing.T) {
	a := fakeJPEG("first")
	b := fakeJPEG("second")
	partial := fakeJPEG("third")[:4]

	var input []byte
	input = append(input, "noise"...)
	input = append(input, a...)
	input = append(input, b...)
	input = append(input, partial...)

	frames, rest := splitJPEG(input)
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Errorf("Unexpected frame contents: %q", frames)
	}
	if !bytes.Equal(rest, partial) {
		t.Errorf("Expected partial frame as rest, got %q", rest)
	}
}

func TestSplitJPEG_MarkerSplitAcrossReads(t *testing.T) {
	frames, rest := splitJPEG([]byte{'x', 'y', 0xFF})
	if len(frames) != 0 {
		t.Fatalf("Expected no frames, got %d", len(frames))
	}
	if !bytes.Equal(rest, []byte{0xFF}) {
		t.Fatalf("Expected trailing marker byte, got %v", rest)
	}

	frames, _ = splitJPEG(append(rest, fakeJPEG("ok")[1:]...))
	if len(frames) != 1 {
		t.Errorf("Expected frame after joining reads, got %d", len(frames))
	}
}

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		stderr string
		want   FaultClass
	}{
		{"[video4linux2,v4l2 @ 0x1] ioctl(VIDIOC_STREAMON): Device or resource busy", FaultBusy},
		{"/dev/video0: Permission denied", FaultPermissionDenied},
		{"ioctl(VIDIOC_G_FMT): Resource temporarily unavailable", FaultTransient},
		{"ioctl(VIDIOC_S_FMT): Invalid argument", FaultTransient},
		{"/dev/video9: No such file or directory", FaultUnavailable},
		{"", FaultUnavailable},
	}
	for _, tt := range tests {
		if got := classifyStderr(tt.stderr); got != tt.want {
			t.Errorf("classifyStderr(%q) = %s, want %s", tt.stderr, got, tt.want)
		}
	}
}

func TestIsBenignCancellation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrBenignCancellation, true},
		{fmt.Errorf("wrapped: %w", context.Canceled), true},
		{errors.New("signal: killed"), true},
		{errors.New("exit status 1"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := IsBenignCancellation(tt.err); got != tt.want {
			t.Errorf("IsBenignCancellation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFaultClassOf(t *testing.T) {
	err := fmt.Errorf("open: %w", &AcquireError{Class: FaultBusy, Device: "/dev/video0", Err: errors.New("busy")})
	if got := FaultClassOf(err); got != FaultBusy {
		t.Errorf("Expected busy, got %q", got)
	}
	if got := FaultClassOf(errors.New("plain")); got != "" {
		t.Errorf("Expected empty class, got %q", got)
	}
}

func TestV4L2Driver_Args(t *testing.T) {
	driver := NewV4L2Driver("", Settings{FPS: 10, Width: 640, Height: 480}, logr.Discard())
	args := driver.args("/dev/video0")
	joined := strings.Join(args, " ")

	for _, want := range []string{"-f v4l2", "-video_size 640x480", "-framerate 10", "-i /dev/video0", "-f image2pipe"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected args to contain %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "-" {
		t.Errorf("Expected stdout output, got %q", args[len(args)-1])
	}
	if driver.ffmpeg != "ffmpeg" {
		t.Errorf("Expected default ffmpeg path, got %q", driver.ffmpeg)
	}
}

func TestV4L2Driver_OpenMissingBinary(t *testing.T) {
	driver := NewV4L2Driver("/nonexistent/ffmpeg", Settings{}, logr.Discard())
	_, err := driver.Open(context.Background(), "/dev/video0")

	var acqErr *AcquireError
	if !errors.As(err, &acqErr) {
		t.Fatalf("Expected AcquireError, got %v", err)
	}
	if acqErr.Class != FaultUnavailable {
		t.Errorf("Expected unavailable, got %s", acqErr.Class)
	}
}

func TestTailBuffer(t *testing.T) {
	buf := &tailBuffer{limit: 4}
	fmt.Fprint(buf, "abc")
	fmt.Fprint(buf, "defg")
	if got := buf.String(); got != "defg" {
		t.Errorf("Expected tail, got %q", got)
	}
}

func TestMockDriver_RecordsOrder(t *testing.T) {
	ctx := context.Background()
	driver := NewMockDriver()
	driver.FailNext(&AcquireError{Class: FaultTransient, Device: "a", Err: errors.New("layout")})

	if _, err := driver.Open(ctx, "a"); FaultClassOf(err) != FaultTransient {
		t.Fatalf("Expected transient failure, got %v", err)
	}
	h, err := driver.Open(ctx, "a")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// 二重解放は記録されない
	_ = h.Close(ctx)

	if got, want := driver.Ops(), []string{"open:a", "close:a"}; !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if driver.Opens() != 2 || driver.Acquired() != 1 || driver.Released() != 1 {
		t.Errorf("Unexpected counters: opens=%d acquired=%d released=%d",
			driver.Opens(), driver.Acquired(), driver.Released())
	}
	if driver.Held() != 0 {
		t.Errorf("Expected no held handles, got %d", driver.Held())
	}
}

func TestMockDriver_BlockOpenHonorsContext(t *testing.T) {
	driver := NewMockDriver()
	release := driver.BlockOpen("a")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := driver.Open(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if driver.Acquired() != 0 {
		t.Errorf("Expected nothing acquired, got %d", driver.Acquired())
	}
}

func TestV4L2Driver_ValidateMissingBinary(t *testing.T) {
	driver := NewV4L2Driver("/nonexistent/ffmpeg", Settings{}, logr.Discard())
	if err := driver.Validate(context.Background()); err == nil {
		t.Error("Expected error for missing ffmpeg")
	}
}
