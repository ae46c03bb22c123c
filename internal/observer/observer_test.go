package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgp-sentry/sentry/pkg/models"
)

type fakeSource struct {
	mu    sync.Mutex
	queue []models.Observation
}

func (s *fakeSource) PollNew() []models.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := []models.Observation{s.queue[0]}
	s.queue = s.queue[1:]
	return out
}

func (s *fakeSource) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

type fakeDetector struct {
	findings []models.AttackFinding
}

func (d *fakeDetector) Classify(obs models.Observation, now time.Time) []models.AttackFinding {
	return d.findings
}

type fakeKnowledge struct {
	mu      sync.Mutex
	records []models.Observation
}

func (k *fakeKnowledge) Record(obs models.Observation, selfASN int, originIsAuthorized bool, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.records = append(k.records, obs)
}

type fakeROA struct{ authorized map[int]bool }

func (r *fakeROA) IsAuthorized(asn int) bool { return r.authorized[asn] }

type fakePool struct {
	mu         sync.Mutex
	admitted   []models.CandidateTransaction
	rejectNext error
}

func (p *fakePool) Admit(candidate models.CandidateTransaction, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectNext != nil {
		err := p.rejectNext
		p.rejectNext = nil
		return err
	}
	p.admitted = append(p.admitted, candidate)
	return nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(payload []byte) ([]byte, error) { return []byte("sig"), nil }

func TestProcessBuildsAndAdmitsCandidate(t *testing.T) {
	det := &fakeDetector{}
	kb := &fakeKnowledge{}
	pool := &fakePool{}
	o := New(Config{}, 65000, &fakeSource{}, det, kb, &fakeROA{authorized: map[int]bool{}}, pool, fakeSigner{}, nil)

	obs := models.Observation{Prefix: "203.0.113.0/24", OriginASN: 65001, ASPath: []int{65001}, Timestamp: 100, ObserverASN: 65000}
	o.process(obs, time.Now())

	require.Len(t, pool.admitted, 1)
	assert.Equal(t, 65000, pool.admitted[0].ObserverASN)
	assert.Equal(t, 65001, pool.admitted[0].OriginASN)
	assert.NotEmpty(t, pool.admitted[0].TransactionID)
	assert.Equal(t, []byte("sig"), pool.admitted[0].Signature)
	assert.Len(t, kb.records, 1)
}

func TestProcessCarriesAttackFindings(t *testing.T) {
	findings := []models.AttackFinding{{Kind: models.AttackPrefixHijack, Severity: models.SeverityCritical, AttackerASN: 666}}
	det := &fakeDetector{findings: findings}
	pool := &fakePool{}
	o := New(Config{}, 1, &fakeSource{}, det, &fakeKnowledge{}, nil, pool, fakeSigner{}, nil)

	o.process(models.Observation{Prefix: "10.0.0.0/8", OriginASN: 666, ASPath: []int{666}}, time.Now())

	require.Len(t, pool.admitted, 1)
	assert.True(t, pool.admitted[0].IsAttack())
}

func TestProcessToleratesAdmitRejection(t *testing.T) {
	pool := &fakePool{rejectNext: assert.AnError}
	o := New(Config{}, 1, &fakeSource{}, &fakeDetector{}, &fakeKnowledge{}, nil, pool, fakeSigner{}, nil)

	o.process(models.Observation{Prefix: "203.0.113.0/24", OriginASN: 65001, ASPath: []int{65001}}, time.Now())
	_, _, admitted := o.Stats()
	assert.EqualValues(t, 0, admitted)
}

func TestRunDrainsSourceAndStops(t *testing.T) {
	src := &fakeSource{queue: []models.Observation{
		{Prefix: "203.0.113.0/24", OriginASN: 65001, ASPath: []int{65001}},
		{Prefix: "203.0.113.0/24", OriginASN: 65002, ASPath: []int{65002}},
	}}
	pool := &fakePool{}
	o := New(Config{PollInterval: 5 * time.Millisecond}, 1, src, &fakeDetector{}, &fakeKnowledge{}, nil, pool, fakeSigner{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	o.Run(ctx)

	processed, _, _ := o.Stats()
	assert.EqualValues(t, 2, processed)
	assert.True(t, src.Done())
}
