package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
	"github.com/Mutter0815/DripScheduler/internal/delivery"
)

var t0 = time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

type fakeSub struct {
	campaign.Subscription
	token     string
	claimedAt time.Time
}

// fakeLedger mirrors the conditional updates of the Postgres store in memory.
type fakeLedger struct {
	mu    sync.Mutex
	subs  map[int64]*fakeSub
	steps map[int64][]campaign.Step
	leads map[int64]campaign.Lead

	// onClaim runs under the lock right after a claim is won.
	onClaim func()
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		subs:  map[int64]*fakeSub{},
		steps: map[int64][]campaign.Step{},
		leads: map[int64]campaign.Lead{},
	}
}

func (f *fakeLedger) addCampaign(id int64, steps ...campaign.Step) {
	for i := range steps {
		steps[i].ID = id*100 + int64(i+1)
		steps[i].CampaignID = id
		steps[i].Order = i + 1
	}
	f.steps[id] = steps
}

func (f *fakeLedger) addSub(s campaign.Subscription) {
	if s.Status == "" {
		s.Status = campaign.StatusActive
	}
	f.subs[s.ID] = &fakeSub{Subscription: s}
}

func (f *fakeLedger) sub(id int64) campaign.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[id].Subscription
}

func (f *fakeLedger) DueSubscriptions(_ context.Context, now time.Time) ([]campaign.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []campaign.Subscription
	for _, s := range f.subs {
		if s.Status == campaign.StatusActive && s.NextRunAt != nil && !s.NextRunAt.After(now) {
			out = append(out, s.Subscription)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeLedger) GetSubscription(_ context.Context, id int64) (campaign.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return campaign.Subscription{}, campaign.ErrSubscriptionNotFound
	}
	return s.Subscription, nil
}

func (f *fakeLedger) step(campaignID int64, order int) (campaign.Step, bool) {
	for _, st := range f.steps[campaignID] {
		if st.Order == order {
			return st, true
		}
	}
	return campaign.Step{}, false
}

func (f *fakeLedger) GetStep(_ context.Context, campaignID int64, order int) (campaign.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.step(campaignID, order)
	if !ok {
		return campaign.Step{}, campaign.ErrStepNotFound
	}
	return st, nil
}

func (f *fakeLedger) GetLead(_ context.Context, id int64) (campaign.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return campaign.Lead{}, campaign.ErrLeadNotFound
	}
	return l, nil
}

func (f *fakeLedger) claimable(s *fakeSub, expectedIndex int, now time.Time, lease time.Duration) bool {
	return s.Status == campaign.StatusActive &&
		s.CurrentStepIndex == expectedIndex &&
		(s.token == "" || s.claimedAt.Before(now.Add(-lease)))
}

func (f *fakeLedger) ClaimStep(_ context.Context, id int64, expectedIndex int, token string, now time.Time, lease time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok || !f.claimable(s, expectedIndex, now, lease) {
		return false, nil
	}
	s.token, s.claimedAt = token, now
	if f.onClaim != nil {
		f.onClaim()
	}
	return true, nil
}

func (f *fakeLedger) ReleaseClaim(_ context.Context, id int64, token, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[id]; ok && s.token == token {
		s.token, s.claimedAt = "", time.Time{}
		s.LastError = lastErr
	}
	return nil
}

func (f *fakeLedger) Advance(_ context.Context, id int64, token string, dispatchedOrder int, now time.Time) (campaign.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok || s.token == "" || s.token != token {
		return campaign.Subscription{}, campaign.ErrConcurrentAdvance
	}
	if dispatchedOrder > s.CurrentStepIndex {
		s.CurrentStepIndex = dispatchedOrder
		if s.Status == campaign.StatusActive {
			if next, ok := f.step(s.CampaignID, dispatchedOrder+1); ok {
				at := campaign.NextRunAt(now, next.DelayDays, "")
				s.NextRunAt = &at
			} else {
				s.Status = campaign.StatusCompleted
			}
		}
	}
	if s.Status != campaign.StatusActive {
		s.NextRunAt = nil
	}
	sent := now
	s.LastEmailSentAt = &sent
	s.LastError = ""
	s.token, s.claimedAt = "", time.Time{}
	return s.Subscription, nil
}

func (f *fakeLedger) MarkFailed(_ context.Context, id int64, token, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok || s.token != token {
		return campaign.ErrConcurrentAdvance
	}
	s.Status, s.NextRunAt, s.LastError = campaign.StatusFailed, nil, reason
	s.token, s.claimedAt = "", time.Time{}
	return nil
}

func (f *fakeLedger) Complete(_ context.Context, id int64, expectedIndex int, now time.Time, lease time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok || !f.claimable(s, expectedIndex, now, lease) {
		return false, nil
	}
	s.Status, s.NextRunAt = campaign.StatusCompleted, nil
	s.token, s.claimedAt = "", time.Time{}
	return true, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []campaign.Event
}

func (f *fakeEvents) Record(_ context.Context, ev campaign.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) sent(subID int64, order int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.SubscriptionID == subID && ev.StepOrder == order && ev.Type == campaign.EventSent {
			n++
		}
	}
	return n
}

// fakeProvider records accepted messages. fail decides per message whether
// the provider rejects it.
type fakeProvider struct {
	mu   sync.Mutex
	msgs []delivery.Message
	fail func(delivery.Message) error
	hook func(ctx context.Context) error
}

func (p *fakeProvider) Send(ctx context.Context, msg delivery.Message) (delivery.Result, error) {
	if p.hook != nil {
		if err := p.hook(ctx); err != nil {
			return delivery.Result{}, err
		}
	}
	if p.fail != nil {
		if err := p.fail(msg); err != nil {
			return delivery.Result{}, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return delivery.Result{ProviderMessageID: "msg-" + msg.Subject}, nil
}

func (p *fakeProvider) sentSubjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Subject)
	}
	return out
}

var errProviderDown = errors.New("provider unavailable")

type fixture struct {
	ledger   *fakeLedger
	events   *fakeEvents
	provider *fakeProvider
	d        *Dispatcher

	clockMu sync.Mutex
	clock   time.Time
}

func newFixture() *fixture {
	f := &fixture{
		ledger:   newFakeLedger(),
		events:   &fakeEvents{},
		provider: &fakeProvider{},
		clock:    t0,
	}
	f.d = New(f.ledger, f.events, f.provider, Config{
		FromEmail:         "team@broker.example",
		SendTimeout:       time.Second,
		ClaimLease:        10 * time.Minute,
		Concurrency:       4,
		FirstNameFallback: "there",
	})
	f.d.now = f.now
	return f
}

func (f *fixture) now() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.clock
}

func (f *fixture) setClock(t time.Time) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = t
}

// scenario sets up campaign 1 with the two-step sequence and one enrolled
// lead due at t0.
func (f *fixture) scenario() {
	f.ledger.addCampaign(1,
		campaign.Step{DelayDays: 0, Subject: "Hi {{firstName}}", Body: "<p>Hi {{firstName}}, about {{address}}</p>"},
		campaign.Step{DelayDays: 2, Subject: "Following up", Body: "<p>Following up</p>"},
	)
	f.ledger.leads[7] = campaign.Lead{ID: 7, InvestorName: "Jane Doe", InvestorEmail: "jane@example.com", PropertyAddress: "1 Main St"}
	next := t0
	f.ledger.addSub(campaign.Subscription{ID: 10, CampaignID: 1, LeadID: 7, NextRunAt: &next, CreatedAt: t0})
}
