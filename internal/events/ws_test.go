package events

import "testing"

func TestParseTopic(t *testing.T) {
	cases := map[string]bool{
		"audit": true, "usage": true, "health": true,
		"budget": true, "rate_limit": true, "all": true,
		"bogus": false, "": false,
	}
	for in, want := range cases {
		_, ok := ParseTopic(in)
		if ok != want {
			t.Errorf("ParseTopic(%q) ok = %v, want %v", in, ok, want)
		}
	}
}

func TestTopicMatches(t *testing.T) {
	if !TopicHealth.Matches(TopicAll) {
		t.Error("a health event should match an All subscriber")
	}
	if !TopicAll.Matches(TopicHealth) {
		t.Error("an All event should match a health subscriber")
	}
	if TopicHealth.Matches(TopicUsage) {
		t.Error("a health event should not match a usage subscriber")
	}
	if !TopicHealth.Matches(TopicHealth) {
		t.Error("a health event should match a health subscriber")
	}
}

func TestParseTopicsQueryValue(t *testing.T) {
	got := parseTopics("health, usage,bogus")
	if !got[TopicHealth] || !got[TopicUsage] {
		t.Fatalf("expected health and usage, got %v", got)
	}
	if got[Topic("bogus")] {
		t.Fatal("unknown topic should not be present")
	}
	if len(parseTopics("")) != 0 {
		t.Fatal("empty query value should produce no topics")
	}
}

func TestSession_AddAndRemoveTopics(t *testing.T) {
	s := &session{}

	accepted, rejected := s.addTopics([]string{"health", "usage", "nope"})
	if len(accepted) != 2 || len(rejected) != 1 {
		t.Fatalf("accepted=%v rejected=%v", accepted, rejected)
	}
	if !s.shouldForward(TopicHealth) || !s.shouldForward(TopicUsage) {
		t.Fatal("expected health and usage to forward after subscribe")
	}
	if s.shouldForward(TopicBudget) {
		t.Fatal("budget was never subscribed")
	}

	removed := s.removeTopics([]string{"health"})
	if len(removed) != 1 {
		t.Fatalf("expected 1 removed topic, got %v", removed)
	}
	if s.shouldForward(TopicHealth) {
		t.Fatal("health should no longer forward after unsubscribe")
	}
	if !s.shouldForward(TopicUsage) {
		t.Fatal("usage should still forward")
	}
}

func TestSession_TopicAllForwardsEverything(t *testing.T) {
	s := &session{}
	s.addTopics([]string{"all"})

	if !s.shouldForward(TopicHealth) || !s.shouldForward(TopicBudget) {
		t.Fatal("a session subscribed to all should forward every topic")
	}
}
