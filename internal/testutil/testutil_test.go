package testutil

import (
	"errors"
	"testing"

	"github.com/banshee-data/pulsefeed/internal/pulse"
)

func TestNewPulse(t *testing.T) {
	fp := NewPulse(pulse.ChannelBV, 42, 3)
	if fp.Header.Sequence != 42 || fp.Header.Channel != pulse.ChannelBV {
		t.Fatalf("unexpected header %+v", fp.Header)
	}
	if len(fp.Samples) != 6 {
		t.Fatalf("got %d samples, want 6", len(fp.Samples))
	}
	if !fp.Header.VerticalPolarized {
		t.Error("ChannelBV pulses should be vertically polarized")
	}
	if NewPulse(pulse.ChannelBH, 1, 1).Header.VerticalPolarized {
		t.Error("ChannelBH pulses should not be vertically polarized")
	}
}

func TestDatagramDecodes(t *testing.T) {
	b := Datagram(t, NewPulse(pulse.ChannelA, 1, 4), NewPulse(pulse.ChannelA, 2, 4))
	views, err := pulse.Decode(b)
	AssertNoError(t, err)
	if len(views) != 2 || views[1].Header.Sequence != 2 {
		t.Fatalf("decoded %d views", len(views))
	}
}

func TestSequence(t *testing.T) {
	out := Sequence(t, pulse.ChannelBH, 2, 5, 7, 6)
	if len(out) != 3 {
		t.Fatalf("got %d datagrams, want 3", len(out))
	}
	for i, want := range []int64{5, 7, 6} {
		views, err := pulse.Decode(out[i])
		AssertNoError(t, err)
		if got := views[0].Header.Sequence; got != want {
			t.Errorf("datagram %d: sequence %d, want %d", i, got, want)
		}
	}
}

func TestAssertHelpers(t *testing.T) {
	fakeT := &testing.T{}
	AssertNoError(fakeT, nil)
	if fakeT.Failed() {
		t.Error("expected no failure for nil error")
	}

	ok := t.Run("error expected", func(t *testing.T) {
		AssertError(t, errors.New("boom"))
	})
	if !ok {
		t.Error("AssertError should pass for a non-nil error")
	}
}
