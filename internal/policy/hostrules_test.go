package policy

import "testing"

func TestHostRules_FirstMatchWins(t *testing.T) {
	h := NewHostRules(AllowNoInspect, []HostRule{
		{Pattern: "*.ads.example.com", Action: Block},
		{Pattern: "*.example.com", Action: AllowInspect},
	})

	if got := h.FirewallCheck("tracker.ads.example.com"); got != Block {
		t.Errorf("FirewallCheck(tracker.ads.example.com) = %v, want Block", got)
	}
	if got := h.FirewallCheck("www.example.com"); got != AllowInspect {
		t.Errorf("FirewallCheck(www.example.com) = %v, want AllowInspect", got)
	}
	if got := h.FirewallCheck("unrelated.org"); got != AllowNoInspect {
		t.Errorf("FirewallCheck(unrelated.org) = %v, want default AllowNoInspect", got)
	}
}

func TestHostRules_InvalidPatternSkipped(t *testing.T) {
	h := NewHostRules(AllowNoInspect, []HostRule{
		{Pattern: "[", Action: Block},
		{Pattern: "*.example.com", Action: Block},
	})
	if got := h.FirewallCheck("www.example.com"); got != Block {
		t.Errorf("FirewallCheck(www.example.com) = %v, want Block (valid rule survives invalid one)", got)
	}
}

func TestHostRules_SetRulesReplacesTable(t *testing.T) {
	h := NewHostRules(AllowNoInspect, []HostRule{{Pattern: "*.example.com", Action: Block}})
	h.SetRules([]HostRule{{Pattern: "*.example.com", Action: AllowInspect}})
	if got := h.FirewallCheck("www.example.com"); got != AllowInspect {
		t.Errorf("FirewallCheck after SetRules = %v, want AllowInspect", got)
	}
}
