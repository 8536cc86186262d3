package klog

import (
	"strings"
	"testing"

	"rvos/internal/console"
)

func TestLevelGating(t *testing.T) {
	prevPut, prevMin := console.PutByte, Min
	defer func() { console.PutByte, Min = prevPut, prevMin }()

	var buf strings.Builder
	console.PutByte = func(b byte) { buf.WriteByte(b) }

	Min = LevelWarn
	Debug("should not appear %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected Debug to be suppressed at LevelWarn, got %q", buf.String())
	}

	Warn("disk %s", "slow")
	if !strings.Contains(buf.String(), "disk slow") {
		t.Fatalf("expected Warn output, got %q", buf.String())
	}
}
