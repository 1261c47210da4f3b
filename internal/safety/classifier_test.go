package safety

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Category
	}{
		{"self harm", "I want to kill myself", SelfHarm},
		{"figurative idiom with cue", "gonna kill it at my presentation tomorrow lol", None},
		{"idiom with emoji", "this homework is killing me 😂", None},
		{"idiom without cue is not a crisis", "you're killing me", None},
		{"literal phrase survives masking", "killing it at the game lol but honestly I want to die", SelfHarm},
		{"crisis phrase overlapping an idiom", "honestly i want to die for real, failed my exam again", SelfHarm},
		{"crisis phrase overlapping an idiom after cue", "i just want to die for good after this game", SelfHarm},
		{"crisis phrase inside an idiom", "that quiz almost gave me a heart attack lol", None},
		{"idiom alone", "the dessert at the party was to die for", None},
		{"violence", "I'm so angry I could kill him", Violence},
		{"abuse", "my husband keeps hitting me and I'm afraid to go home", Abuse},
		{"medical", "my friend took too many pills and isn't waking up", MedicalEmergency},
		{"grief", "My mom passed away last week", GriefLoss},
		{"grief not suppressed by cue", "lol I can't even, my dad died and the funeral is after my exam", GriefLoss},
		{"curly apostrophe", "I don’t want to live anymore", SelfHarm},
		{"self harm outranks grief", "since my wife died I want to end my life", SelfHarm},
		{"plain question", "What does John 3:16 mean?", None},
		{"word boundary", "the grapevine was pruned", None},
		{"empty", "", None},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyWithContext(t *testing.T) {
	text := "you almost gave me a heart attack"

	if got := ClassifyWithContext(text, nil); got != MedicalEmergency {
		t.Errorf("expected literal reading without context, got %s", got)
	}

	history := []string{"so excited for the retreat this weekend!", "can't wait"}
	if got := ClassifyWithContext(text, history); got != None {
		t.Errorf("expected none with casual history, got %s", got)
	}

	old := []string{"so excited!", "ok", "ok", "ok"}
	c := New()
	a := c.Assess("ugh you're killing me, i want to hurt myself", old)
	if a.Category != SelfHarm {
		t.Errorf("expected self harm, got %s", a.Category)
	}
	if len(a.Masked) != 0 {
		t.Errorf("history beyond the window should not count as a cue, masked %v", a.Masked)
	}
}

func TestAssess_ReportsMatchAndMask(t *testing.T) {
	c := New()

	a := c.Assess("crushed my exam, totally killed it lol", nil)
	if a.Category != None {
		t.Fatalf("expected none, got %s", a.Category)
	}
	if len(a.Masked) != 1 || a.Masked[0] != "killed it" {
		t.Errorf("masked = %v, want [killed it]", a.Masked)
	}

	a = c.Assess("i just want to die for good after this game", nil)
	if a.Category != SelfHarm || a.Matched != "want to die" {
		t.Errorf("got %+v, want self_harm on want to die", a)
	}
	if len(a.Masked) != 1 || a.Masked[0] != "to die for" {
		t.Errorf("masked = %v, want [to die for]", a.Masked)
	}

	a = c.Assess("I think I'm having a heart attack, chest pain everywhere", nil)
	if a.Category != MedicalEmergency || a.Matched != "chest pain" {
		t.Errorf("got %+v", a)
	}
}

func TestCategoryFlags(t *testing.T) {
	tests := []struct {
		c            Category
		intervention bool
		compassion   bool
	}{
		{None, false, false},
		{GriefLoss, false, true},
		{MedicalEmergency, true, true},
		{Abuse, true, true},
		{Violence, true, true},
		{SelfHarm, true, true},
	}
	for _, tt := range tests {
		if got := tt.c.RequiresIntervention(); got != tt.intervention {
			t.Errorf("%s.RequiresIntervention() = %v", tt.c, got)
		}
		if got := tt.c.RequiresCompassionateResponse(); got != tt.compassion {
			t.Errorf("%s.RequiresCompassionateResponse() = %v", tt.c, got)
		}
	}
}

func TestSeverityOrder(t *testing.T) {
	order := []Category{None, GriefLoss, MedicalEmergency, Abuse, Violence, SelfHarm}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("%s should be less severe than %s", order[i-1], order[i])
		}
	}
}

func TestInterventionResponse(t *testing.T) {
	for _, c := range []Category{SelfHarm, Violence, Abuse, MedicalEmergency} {
		resp := InterventionResponse(c)
		if resp == "" {
			t.Errorf("%s: empty response", c)
		}
		if !strings.Contains(resp, "911") {
			t.Errorf("%s: response should point to emergency services", c)
		}
	}
	if !strings.Contains(InterventionResponse(SelfHarm), "988") {
		t.Error("self harm response should include 988")
	}
	if InterventionResponse(GriefLoss) != "" || InterventionResponse(None) != "" {
		t.Error("non-intervention categories should have no canned response")
	}
}

func TestParseCategory(t *testing.T) {
	for c := None; c <= SelfHarm; c++ {
		got, ok := ParseCategory(c.String())
		if !ok || got != c {
			t.Errorf("ParseCategory(%q) = %v, %v", c.String(), got, ok)
		}
	}
	if _, ok := ParseCategory("bogus"); ok {
		t.Error("expected bogus to fail")
	}
}
