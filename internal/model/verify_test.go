package model_test

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/testutil"
)

func TestVerifyPassesForCompleteBundle(t *testing.T) {
	b := testutil.WriteBundle(t, t.TempDir())

	var stdout, stderr bytes.Buffer

	err := model.Verify(context.Background(), model.VerifyOptions{Dir: b.Dir(), Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("Verify: %v\n%s", err, stderr.String())
	}

	if n := strings.Count(stdout.String(), "PASS "); n != len(b.Files()) {
		t.Errorf("PASS lines = %d, want %d:\n%s", n, len(b.Files()), stdout.String())
	}
}

func TestVerifyReportsCorruptCheckpoint(t *testing.T) {
	b := testutil.WriteBundle(t, t.TempDir())

	if err := os.WriteFile(b.Path(b.T3.File), []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stderr bytes.Buffer

	err := model.Verify(context.Background(), model.VerifyOptions{Dir: b.Dir(), Stderr: &stderr})
	if err == nil {
		t.Fatal("expected failure")
	}

	if !strings.Contains(stderr.String(), "FAIL "+b.T3.File) {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestVerifyReportsMissingFile(t *testing.T) {
	b := testutil.WriteBundle(t, t.TempDir())

	if err := os.Remove(b.Path(b.VoiceEncoder)); err != nil {
		t.Fatal(err)
	}

	err := model.Verify(context.Background(), model.VerifyOptions{Dir: b.Dir()})
	if err == nil || !strings.Contains(err.Error(), b.VoiceEncoder) {
		t.Errorf("err = %v", err)
	}
}
