package run

import "testing"

func TestTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCanceled, StatusTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCanceled, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusQueued, StatusFailed, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCanceled, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusQueued, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusCanceled, false},
		{StatusCanceled, StatusCanceled, false},
		{StatusTimedOut, StatusFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestValidEvidenceType(t *testing.T) {
	for _, et := range []EvidenceType{EvidenceLogExcerpt, EvidenceDiff, EvidenceFileRef, EvidenceTestReport, EvidenceURL} {
		if !ValidEvidenceType(et) {
			t.Errorf("%s should be valid", et)
		}
	}
	if ValidEvidenceType("screenshot") {
		t.Error("screenshot should be invalid")
	}
}
