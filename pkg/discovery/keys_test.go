package discovery

import "testing"

func TestServerKey_ParseRoundTrip(t *testing.T) {
	key := serverKey("pitaya", "room", "r1")
	if key != "pitaya/servers/room/r1" {
		t.Fatalf("unexpected key: %s", key)
	}

	kind, id, ok := parseServerKey("pitaya", key)
	if !ok {
		t.Fatalf("expected parseServerKey to succeed")
	}
	if kind != "room" || id != "r1" {
		t.Errorf("got kind=%q id=%q", kind, id)
	}
}

func TestParseServerKey_RejectsOutsidePrefix(t *testing.T) {
	if _, _, ok := parseServerKey("pitaya", "other/servers/room/r1"); ok {
		t.Errorf("expected rejection of key outside prefix")
	}
}

func TestParseServerKey_RejectsMalformed(t *testing.T) {
	cases := []string{
		"pitaya/servers/",
		"pitaya/servers/room",
		"pitaya/servers/room/",
		"pitaya/servers//r1",
	}
	for _, key := range cases {
		if _, _, ok := parseServerKey("pitaya", key); ok {
			t.Errorf("parseServerKey(%q) expected rejection", key)
		}
	}
}
