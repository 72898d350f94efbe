package flow

import (
	"net"
	"testing"
)

func ep(ip string, port uint16) Endpoint {
	return Endpoint{Addr: net.ParseIP(ip), Port: port}
}

func TestKeyIsDirectionIndependent(t *testing.T) {
	forward := New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))
	reverse := New(6, ep("10.0.0.2", 80), ep("10.0.0.1", 1234))

	if forward.Key() != reverse.Key() {
		t.Fatal("forward and reverse flow tuples should hash identically")
	}

	unrelated := New(6, ep("10.0.0.1", 1234), ep("10.0.0.3", 80))
	if forward.Key() == unrelated.Key() {
		t.Fatal("unrelated flow should not collide")
	}
}

func TestCompare(t *testing.T) {
	f := New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))

	if got := f.Compare(New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))); got != Forward {
		t.Errorf("Compare(same order) = %v, want Forward", got)
	}
	if got := f.Compare(New(6, ep("10.0.0.2", 80), ep("10.0.0.1", 1234))); got != Reverse {
		t.Errorf("Compare(swapped) = %v, want Reverse", got)
	}
	if got := f.Compare(New(6, ep("10.0.0.1", 1234), ep("10.0.0.9", 443))); got != Unrelated {
		t.Errorf("Compare(different dst) = %v, want Unrelated", got)
	}
}

func TestMapByKey(t *testing.T) {
	m := map[Key]string{}
	f := New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))
	m[f.Key()] = "conn-1"

	reverse := New(6, ep("10.0.0.2", 80), ep("10.0.0.1", 1234))
	if got, ok := m[reverse.Key()]; !ok || got != "conn-1" {
		t.Fatal("reverse-direction lookup should resolve to the same entry")
	}

	unrelated := New(6, ep("10.0.0.1", 1234), ep("10.0.0.3", 9))
	if _, ok := m[unrelated.Key()]; ok {
		t.Fatal("unrelated flow should not resolve")
	}
}

func TestKeyHashIsDirectionIndependentAndStable(t *testing.T) {
	forward := New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))
	reverse := New(6, ep("10.0.0.2", 80), ep("10.0.0.1", 1234))

	if forward.Key().Hash() != reverse.Key().Hash() {
		t.Fatal("forward and reverse flow tuples should hash to the same value")
	}
	if forward.Key().Hash() != forward.Key().Hash() {
		t.Fatal("Hash should be deterministic across calls")
	}

	unrelated := New(6, ep("10.0.0.1", 1234), ep("10.0.0.3", 80))
	if forward.Key().Hash() == unrelated.Key().Hash() {
		t.Fatal("unrelated flows should not hash identically (best effort, not a strict invariant)")
	}
}
