package reputation

import (
	"testing"
	"time"

	"github.com/bgp-sentry/sentry/pkg/models"
)

func testConfig() Config {
	return Config{MinScore: 0, MaxScore: 100, InitialScore: 50, PersistentAttackCount: 3}
}

func TestPrefixHijackPenalty(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	entry := s.RecordAttack(666, models.AttackPrefixHijack, now)
	if entry.TrustScore != 30 {
		t.Errorf("expected score 50-20=30 after prefix_hijack, got %v", entry.TrustScore)
	}
	if entry.RatingLevel != models.RatingSuspicious {
		t.Errorf("expected suspicious rating at score 30, got %s", entry.RatingLevel)
	}
}

func TestScoreClampsAtFloor(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	for i := 0; i < 10; i++ {
		s.RecordAttack(666, models.AttackBogon, now)
	}
	entry := s.Get(666)
	if entry.TrustScore != 0 {
		t.Errorf("expected score clamped to 0, got %v", entry.TrustScore)
	}
}

func TestRepeatAttackerWithin30Days(t *testing.T) {
	s := New(testConfig())
	t0 := time.Now()
	s.RecordAttack(666, models.AttackRouteFlap, t0)
	entry := s.RecordAttack(666, models.AttackRouteFlap, t0.Add(24*time.Hour))
	// 50 -10 -10 -30 (repeat within 30d) = 0, clamped.
	if entry.TrustScore != 0 {
		t.Errorf("expected repeat-attacker penalty to stack, got score %v", entry.TrustScore)
	}
}

func TestPersistentAttackerPenalty(t *testing.T) {
	s := New(testConfig())
	t0 := time.Now()
	s.RecordAttack(777, models.AttackRouteFlap, t0)
	s.RecordAttack(777, models.AttackRouteFlap, t0.Add(time.Hour))
	entry := s.RecordAttack(777, models.AttackRouteFlap, t0.Add(2*time.Hour))
	if entry.AttacksDetected != 3 {
		t.Fatalf("expected 3 attacks recorded, got %d", entry.AttacksDetected)
	}
	// Penalty floor is 0 so we can't directly assert the -50 magnitude, but
	// the history should carry the persistent-attacker reason code.
	found := false
	for _, h := range entry.History {
		if h.ReasonCode == ReasonPersistentAttack {
			found = true
		}
	}
	if !found {
		t.Errorf("expected persistent-attacker penalty in history, got %+v", entry.History)
	}
}

func TestLegitimateAnnouncementsAwardEvery100(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	var entry models.ReputationEntry
	for i := 0; i < 100; i++ {
		entry = s.RecordLegitimate(65010, now)
	}
	if entry.TrustScore != 51 {
		t.Errorf("expected +1 after 100 legitimate announcements, got score %v", entry.TrustScore)
	}
	if entry.LegitimateAnnouncements != 100 {
		t.Errorf("expected 100 legitimate announcements tallied, got %d", entry.LegitimateAnnouncements)
	}
}

func TestCrossingHighlyTrustedAwardsBonus(t *testing.T) {
	s := New(Config{MinScore: 0, MaxScore: 100, InitialScore: 85, PersistentAttackCount: 3})
	now := time.Now()
	for i := 0; i < 6; i++ {
		s.RecordLegitimate(65010, now)
		for j := 0; j < 99; j++ {
			s.RecordLegitimate(65010, now)
		}
	}
	entry := s.Get(65010)
	if !entry.CrossedHighlyTrusted {
		t.Errorf("expected CrossedHighlyTrusted once score passed 90, got entry %+v", entry)
	}
}
