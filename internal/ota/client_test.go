package ota

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestUpload_RoundTrip(t *testing.T) {
	image := bytes.Repeat([]byte{0xA5, 0x5A}, 50000)
	dest := filepath.Join(t.TempDir(), "firmware.bin")
	r := startReceiver(t, &sinkRecorder{}, dest)

	sum, size, err := Digest(bytes.NewReader(image))
	if err != nil || size != int64(len(image)) || sum != digest(image) {
		t.Fatalf("digest=%s size=%d err=%v", sum, size, err)
	}
	token, _ := SignToken(secret, sum, time.Minute, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var last int64
	err = Upload(ctx, r.Addr().String(), Header{Token: token, Size: size, MD5: sum}, bytes.NewReader(image), func(done, total int64) {
		if done < last || total != size {
			t.Errorf("progress went %d -> %d of %d", last, done, total)
		}
		last = done
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if last != size {
		t.Fatalf("progress stopped at %d", last)
	}
	written, _ := os.ReadFile(dest)
	if !bytes.Equal(written, image) {
		t.Fatalf("image differs")
	}
}

func TestUpload_ReportsRejection(t *testing.T) {
	image := []byte("payload")
	r := startReceiver(t, &sinkRecorder{}, filepath.Join(t.TempDir(), "firmware.bin"))
	token, _ := SignToken([]byte("wrong"), digest(image), time.Minute, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Upload(ctx, r.Addr().String(), Header{Token: token, Size: int64(len(image)), MD5: digest(image)}, bytes.NewReader(image), nil)
	if err == nil || !strings.Contains(err.Error(), "ERR auth") {
		t.Fatalf("err=%v", err)
	}
}
