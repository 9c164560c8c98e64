package ratelimit

import "testing"

func TestAllowWithinBurst(t *testing.T) {
	l := New(10)
	for i := 0; i < 10; i++ {
		if !l.Allow("source-1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
}

func TestAllowRejectsBeyondBurst(t *testing.T) {
	l := New(1)
	if !l.Allow("source-1") {
		t.Fatalf("first request should be allowed")
	}
	if l.Allow("source-1") {
		t.Fatalf("immediate second request should be rejected")
	}
}

func TestBucketsAreIndependentPerSource(t *testing.T) {
	l := New(1)
	if !l.Allow("source-1") || !l.Allow("source-2") {
		t.Fatalf("independent sources should each get their own bucket")
	}
}

func TestForgetReleasesBucket(t *testing.T) {
	l := New(1)
	l.Allow("source-1")
	l.Forget("source-1")
	if !l.Allow("source-1") {
		t.Fatalf("after Forget, source should get a fresh bucket")
	}
}
