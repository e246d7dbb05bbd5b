package reconciliation_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/checkout"
	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/gateway"
	"github.com/wakala/checkoutd/internal/reconciliation"
)

type fakeGateway struct {
	calls int32
}

func (g *fakeGateway) Initialize(_ context.Context, _ gateway.InitializeRequest) (*gateway.InitializeResult, error) {
	n := atomic.AddInt32(&g.calls, 1)
	ref := "abc123"
	if n > 1 {
		ref = fmt.Sprintf("abc123-%d", n)
	}
	return &gateway.InitializeResult{Reference: ref, AuthorizationURL: "https://checkout.example.com/" + ref}, nil
}

func (g *fakeGateway) Calls() int { return int(atomic.LoadInt32(&g.calls)) }

func (f *fixture) registry(gw *fakeGateway, v channel.Verifier, poll channel.PollConfig) *reconciliation.Registry {
	return reconciliation.NewRegistry(reconciliation.RegistryConfig{
		Initiator: checkout.NewInitiator(gw, f.ledger, f.store, 3*time.Minute, "landing", zerolog.Nop()),
		Store:     f.store,
		Ledger:    f.ledger,
		Events:    f.events,
		Verifier:  v,
		Bus:       channel.NewBus(),
		Origins:   channel.NewOriginAllowList(gatewayOrigin),
		Poll:      poll,
		Handler:   f.handler,
		Pages:     pages,
		Logger:    zerolog.Nop(),
	})
}

var idlePoll = channel.PollConfig{Interval: time.Hour, MaxAttempts: 60}

func purchase() checkout.PurchaseDetails {
	return checkout.PurchaseDetails{
		Email:     "ada@example.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Amount:    decimal.NewFromInt(136),
		Currency:  "USD",
		OfferID:   "offer-1",
		OfferType: "bundle",
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegistry_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{}
	v := &fakeVerifier{VerifyFunc: func(n int, ref string) (*gateway.VerifyResult, error) {
		if n < 3 {
			return &gateway.VerifyResult{Success: true, Status: "pending", Reference: ref}, nil
		}
		return &gateway.VerifyResult{Success: true, Status: "success", Reference: "abc123"}, nil
	}}
	reg := f.registry(gw, v, channel.PollConfig{Interval: 2 * time.Millisecond, MaxAttempts: 60})
	defer reg.Shutdown()

	s, err := reg.Begin(waitCtx(t), "buyer-1", purchase())
	require.NoError(t, err)
	require.Equal(t, "abc123", s.Reference)

	out, err := reg.Wait(waitCtx(t), "buyer-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, out.Status)
	require.Equal(t, domain.SourcePoll, out.Session.LastConfirmedBy)
	require.Equal(t, 3, v.Calls())
	require.Equal(t, 1, f.handler.Count())

	stored, err := f.store.Load(context.Background(), "buyer-1")
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestRegistry_ResumesAfterRestartOnRedirect(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{}

	first := f.registry(gw, alwaysPending(), idlePoll)
	s, err := first.Begin(waitCtx(t), "buyer-1", purchase())
	require.NoError(t, err)
	first.Shutdown()
	require.Zero(t, f.handler.Count())

	// the process restarts; the buyer comes back from the gateway
	second := f.registry(gw, alwaysPending(), idlePoll)
	defer second.Shutdown()

	c, err := second.Redirect(waitCtx(t), "buyer-1", url.Values{"reference": {s.Reference}})
	require.NoError(t, err)
	out, err := c.Wait(waitCtx(t))
	require.NoError(t, err)

	require.Equal(t, domain.StatusSucceeded, out.Status)
	require.Equal(t, domain.SourceRedirect, out.Session.LastConfirmedBy)
	require.Equal(t, 1, gw.Calls())
	require.Equal(t, 1, f.handler.Count())
}

func TestRegistry_RedirectJoinsRunningConfirmation(t *testing.T) {
	f := newFixture(t)
	reg := f.registry(&fakeGateway{}, alwaysPending(), idlePoll)
	defer reg.Shutdown()

	_, err := reg.Begin(waitCtx(t), "buyer-1", purchase())
	require.NoError(t, err)

	c, err := reg.Redirect(waitCtx(t), "buyer-1", url.Values{"ref": {"abc123"}, "status": {"failed"}})
	require.NoError(t, err)
	out, err := c.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, domain.StatusDeclined, out.Status)
}

func TestRegistry_RedirectWithoutSession(t *testing.T) {
	f := newFixture(t)
	reg := f.registry(&fakeGateway{}, alwaysPending(), idlePoll)
	defer reg.Shutdown()

	_, err := reg.Redirect(waitCtx(t), "nobody", url.Values{"reference": {"abc123"}})
	require.ErrorIs(t, err, domain.ErrNoPendingSession)
}

func TestRegistry_BeginSupersedesPreviousSession(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{}
	reg := f.registry(gw, alwaysPending(), idlePoll)
	defer reg.Shutdown()

	first, err := reg.Begin(waitCtx(t), "buyer-1", purchase())
	require.NoError(t, err)
	second, err := reg.Begin(waitCtx(t), "buyer-1", purchase())
	require.NoError(t, err)
	require.NotEqual(t, first.Reference, second.Reference)

	row, err := f.ledger.GetByReference(context.Background(), first.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, row.Status)
	require.Equal(t, "superseded", row.Reason)

	stored, err := f.store.Load(context.Background(), "buyer-1")
	require.NoError(t, err)
	require.Equal(t, second.Reference, stored.Reference)

	// a late confirmation for the superseded reference is ignored
	require.NoError(t, reg.Deliver("buyer-1", event(domain.SourceMessage, first.Reference, "success")))
	status, err := reg.Status(waitCtx(t), "buyer-1")
	require.NoError(t, err)
	require.Equal(t, second.Reference, status.Reference)
	require.Equal(t, domain.StatusAwaitingConfirmation, status.Status)
}

func TestRegistry_CancelRunningAndOrphaned(t *testing.T) {
	f := newFixture(t)
	reg := f.registry(&fakeGateway{}, alwaysPending(), idlePoll)

	_, err := reg.Begin(waitCtx(t), "buyer-1", purchase())
	require.NoError(t, err)
	out, err := reg.Cancel(waitCtx(t), "buyer-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, out.Status)
	require.Equal(t, domain.SourceBuyer, out.Session.LastConfirmedBy)

	// a stored session nobody is confirming
	orphan := f.persisted(t, "buyer-2", "orphan1")
	out, err = reg.Cancel(waitCtx(t), "buyer-2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, out.Status)
	stored, err := f.store.Load(context.Background(), "buyer-2")
	require.NoError(t, err)
	require.Nil(t, stored)
	row, err := f.ledger.GetByReference(context.Background(), orphan.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, row.Status)

	_, err = reg.Cancel(waitCtx(t), "buyer-3")
	require.ErrorIs(t, err, domain.ErrNoPendingSession)

	reg.Shutdown()
	require.Zero(t, reg.Active())
}

func TestRegistry_ResumeAll(t *testing.T) {
	f := newFixture(t)
	f.persisted(t, "buyer-1", "ref-1")
	f.persisted(t, "buyer-2", "ref-2")

	reg := f.registry(&fakeGateway{}, alwaysPending(), idlePoll)
	defer reg.Shutdown()

	n, err := reg.ResumeAll(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, reg.Active())

	// resuming again does not start a second coordinator
	s, err := reg.Resume(waitCtx(t), "buyer-1")
	require.NoError(t, err)
	require.Equal(t, "ref-1", s.Reference)
	require.Equal(t, 2, reg.Active())
}

func TestRegistry_StatusFallsBackToLedger(t *testing.T) {
	f := newFixture(t)
	reg := f.registry(&fakeGateway{}, alwaysPending(), idlePoll)
	defer reg.Shutdown()

	_, err := reg.Begin(waitCtx(t), "buyer-1", purchase())
	require.NoError(t, err)
	_, err = reg.Cancel(waitCtx(t), "buyer-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reg.Active() == 0 }, time.Second, 5*time.Millisecond)

	s, err := reg.Status(waitCtx(t), "buyer-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, s.Status)

	_, err = reg.Status(waitCtx(t), "stranger")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRegistry_CheckStatus(t *testing.T) {
	f := newFixture(t)
	f.persisted(t, "buyer-1", "abc123")
	v := &fakeVerifier{VerifyFunc: func(_ int, ref string) (*gateway.VerifyResult, error) {
		if ref == "down" {
			return nil, fmt.Errorf("verify: %w", domain.ErrTransport)
		}
		return &gateway.VerifyResult{Success: true, Status: "success", Reference: ref}, nil
	}}
	reg := f.registry(&fakeGateway{}, v, idlePoll)
	defer reg.Shutdown()

	check, err := reg.CheckStatus(waitCtx(t), "abc123")
	require.NoError(t, err)
	require.True(t, check.Terminal)
	require.Equal(t, domain.StatusSucceeded, check.Status)
	require.Equal(t, domain.StatusAwaitingConfirmation, check.Recorded)

	_, err = reg.CheckStatus(waitCtx(t), "down")
	require.True(t, errors.Is(err, domain.ErrTransport))
}
