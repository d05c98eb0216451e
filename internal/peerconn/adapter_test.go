package peerconn

import (
	"testing"

	"github.com/petervdpas/dialp2p/internal/config"
	"github.com/petervdpas/dialp2p/internal/proto"
)

func TestSessionDescriptionConversion(t *testing.T) {
	for _, typ := range []string{"offer", "answer"} {
		sd := proto.SessionDescription{Type: typ, SDP: "v=0"}
		out, err := toWebRTC(sd)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		back := fromWebRTC(out)
		if back != sd {
			t.Fatalf("roundtrip %s: got %+v, want %+v", typ, back, sd)
		}
	}

	if _, err := toWebRTC(proto.SessionDescription{Type: "pranswer"}); err == nil {
		t.Fatal("unsupported sdp type should be rejected")
	}
}

func TestFactoryConvertsICEServers(t *testing.T) {
	f := NewFactory(nil, []config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	})

	if len(f.servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(f.servers))
	}
	if f.servers[0].Username != "" {
		t.Fatal("stun entry should carry no credentials")
	}
	turn := f.servers[1]
	cred, _ := turn.Credential.(string)
	if turn.Username != "u" || cred != "p" {
		t.Fatalf("turn credentials not carried over: %+v", turn)
	}
}
