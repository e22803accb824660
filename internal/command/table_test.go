package command

import (
	"testing"

	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/protocol"
)

func newTestTable() *Table {
	return NewTable(&config.Default().Commands)
}

func TestTable_Service(t *testing.T) {
	table := newTestTable()

	tests := []struct {
		cmd     uint32
		service string
	}{
		{101, config.ServiceRegist},
		{103, config.ServiceRegist},
		{104, config.ServiceGame},
		{2001, config.ServiceGame},
		{2755, config.ServiceMail},
	}
	for _, tt := range tests {
		svc, ok := table.Service(tt.cmd)
		if !ok || svc != tt.service {
			t.Errorf("cmd %d: expected %s, got %s (ok=%v)", tt.cmd, tt.service, svc, ok)
		}
	}
}

func TestTable_Unroutable(t *testing.T) {
	table := NewTable(&config.CommandConfig{
		Routes: []config.RouteConfig{{From: 1, To: 10, Service: "game"}},
	})
	if _, ok := table.Service(11); ok {
		t.Error("Expected commandId outside every route to be unroutable without a default service")
	}
}

func TestTable_Overrides(t *testing.T) {
	table := newTestTable()
	table.SetOverrides(map[uint32]string{2001: config.ServiceMail, 2002: ""})

	if svc, _ := table.Service(2001); svc != config.ServiceMail {
		t.Errorf("Expected override to mail, got %s", svc)
	}
	if _, ok := table.Service(2002); ok {
		t.Error("Expected empty override to mark commandId unroutable")
	}

	table.SetOverrides(nil)
	if svc, _ := table.Service(2001); svc != config.ServiceGame {
		t.Errorf("Expected static route after clearing overrides, got %s", svc)
	}
}

func TestTable_Policy(t *testing.T) {
	table := newTestTable()

	if p := table.Policy(104); p != FifoByOpcode {
		t.Errorf("Expected fifo for 104, got %v", p)
	}
	if p := table.Policy(2404); p != CrossFamilyBySubject {
		t.Errorf("Expected cross family for 2404, got %v", p)
	}
	if p := table.Policy(2501); p != CrossFamilyBySubject {
		t.Errorf("Expected cross family for 2501, got %v", p)
	}
	if p := table.Policy(2003); p != DefaultBySubject {
		t.Errorf("Expected default for 2003, got %v", p)
	}
}

func TestTable_Match(t *testing.T) {
	table := newTestTable()

	tests := []struct {
		name    string
		frame   protocol.Frame
		pending []Key
		want    int
	}{
		{
			name:    "fifo picks oldest with same opcode",
			frame:   protocol.NewFrame(104, 55, 0, nil),
			pending: []Key{{2001, 0, false}, {104, 0, false}, {104, 0, false}},
			want:    1,
		},
		{
			name:    "fifo ignores other opcodes with same subject",
			frame:   protocol.NewFrame(104, 0, 0, nil),
			pending: []Key{{2001, 0, false}},
			want:    -1,
		},
		{
			name:    "notification matches combat request by subject",
			frame:   protocol.NewFrame(2502, 7, 0, nil),
			pending: []Key{{2001, 7, false}, {2405, 8, false}, {2404, 7, false}},
			want:    2,
		},
		{
			name:    "notification ignores non-combat requests",
			frame:   protocol.NewFrame(2502, 7, 0, nil),
			pending: []Key{{2001, 7, false}},
			want:    -1,
		},
		{
			name:    "combat request echo needs exact key",
			frame:   protocol.NewFrame(2404, 7, 0, nil),
			pending: []Key{{2405, 7, false}, {2404, 7, false}},
			want:    1,
		},
		{
			name:    "fifo skips a request already answered by its opcode",
			frame:   protocol.NewFrame(104, 0, 0, nil),
			pending: []Key{{104, 0, true}, {104, 0, false}},
			want:    1,
		},
		{
			name:    "default matches any opcode by subject",
			frame:   protocol.NewFrame(2004, 42, 0, nil),
			pending: []Key{{2001, 41, false}, {2001, 42, false}},
			want:    1,
		},
		{
			name:    "default unmatched",
			frame:   protocol.NewFrame(2004, 42, 0, nil),
			pending: nil,
			want:    -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.Match(tt.frame, tt.pending); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func BenchmarkTable_Match(b *testing.B) {
	table := newTestTable()
	pending := []Key{{2001, 7, false}, {104, 0, false}, {2404, 9, false}, {2750, 7, false}}
	f := protocol.NewFrame(2503, 9, 0, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if table.Match(f, pending) != 2 {
			b.Fatal("unexpected match")
		}
	}
}
