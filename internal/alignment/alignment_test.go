package alignment

import "testing"

func oneHot(n, i int) []float32 {
	v := make([]float32, n)
	v[i] = 1

	return v
}

func testConfig() Config {
	return Config{
		StuckSteps:         5,
		TailSteps:          3,
		CompleteMargin:     1,
		RepeatBack:         2,
		FramesPerToken:     2,
		EarlyFinalFraction: 0.5,
		EarlyTailSteps:     1,
	}
}

func TestProgressThenLongTail(t *testing.T) {
	a := New(testConfig(), 6)

	// Two steps per token; completes at step 11 which is not early.
	for s := 0; s < 11; s++ {
		if sig := a.Observe(oneHot(6, s/2)); sig.Action != Continue {
			t.Fatalf("step %d: %v %s", s, sig.Action, sig.Reason)
		}
	}

	if !a.Complete() {
		t.Fatal("expected completion at final position")
	}

	var sig Signal
	for s := 0; s < 4; s++ {
		sig = a.Observe(oneHot(6, 5))
	}

	if sig.Action != ForceStop || sig.Reason != ReasonLongTail {
		t.Fatalf("got %v %q; want long tail stop", sig.Action, sig.Reason)
	}
}

func TestStuck(t *testing.T) {
	a := New(testConfig(), 10)

	var sig Signal
	for s := 0; s < 6; s++ {
		sig = a.Observe(oneHot(10, 2))
	}

	if sig.Action != ForceStop || sig.Reason != ReasonStuck {
		t.Fatalf("got %v %q; want stuck stop", sig.Action, sig.Reason)
	}

	if a.Complete() {
		t.Fatal("stuck analyzer must not report completion")
	}
}

func TestRepetitionAfterCompletion(t *testing.T) {
	a := New(testConfig(), 4)

	for s := 0; s < 4; s++ {
		a.Observe(oneHot(4, s))
	}

	if !a.Complete() {
		t.Fatal("expected completion")
	}

	sig := a.Observe(oneHot(4, 0))
	if sig.Action != ForceStop || sig.Reason != ReasonRepetition {
		t.Fatalf("got %v %q; want repetition stop", sig.Action, sig.Reason)
	}
}

func TestEarlyFinalShrinksTail(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, 10)

	// Jump straight to the end: complete at step 1, far before 0.5*2*10.
	a.Observe(oneHot(10, 9))

	if sig := a.Observe(oneHot(10, 9)); sig.Action != Continue {
		t.Fatalf("first tail step: %v", sig.Reason)
	}

	if sig := a.Observe(oneHot(10, 9)); sig.Reason != ReasonLongTail {
		t.Fatalf("early tail should stop after %d steps, got %q", cfg.EarlyTailSteps, sig.Reason)
	}
}

func TestMatrixAndShortRows(t *testing.T) {
	a := New(testConfig(), 3)
	a.Observe([]float32{0.1, 0.7, 0.2, 0.9})

	m := a.Matrix()
	if len(m) != 1 || len(m[0]) != 3 {
		t.Fatalf("matrix = %v", m)
	}

	if a.Position() != 1 {
		t.Fatalf("position = %d; extra columns must be ignored", a.Position())
	}

	if Continue.String() != "CONTINUE" || ForceStop.String() != "FORCE_STOP" {
		t.Fatal("unexpected action names")
	}
}

func TestDefaultConfigMatchesSettings(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.StuckSteps != 50 || cfg.TailSteps != 10 || cfg.RepeatBack != 4 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
