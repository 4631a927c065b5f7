package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{Cache: "Kiply"}
	cs.Forward(FwdReasonUriMiss)
	cs.Stored = true
	if s := cs.String(); s != "Kiply; fwd=uri-miss; stored" {
		t.Fatalf("Forward status is %s", s)
	}

	cs = CacheStatus{Cache: "Kiply", Detail: "network-error"}
	cs.Hit()
	if s := cs.String(); s != "Kiply; hit; detail=network-error" {
		t.Fatalf("Hit status is %s", s)
	}
	if !cs.IsHit() {
		t.Fatal("Status should be a hit")
	}
}
