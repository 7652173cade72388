package core

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"liquidationqueue/core/events"
	"liquidationqueue/crypto"
	nativecommon "liquidationqueue/native/common"
	"liquidationqueue/native/liquidation"
	"liquidationqueue/storage"
)

func hostAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

var (
	hostOwner   = hostAddress(0x01)
	hostLending = hostAddress(0x02)
	hostBidder  = hostAddress(0x03)
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	host := NewHost(storage.NewMemDB(), nil, nil)
	host.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	genesis := &liquidation.Genesis{
		Params: liquidation.Params{Owner: hostOwner, LendingSystem: hostLending, StableDenom: "uusd"},
		Queues: []liquidation.GenesisQueue{{Asset: "ubtc", MaxPremium: 5}},
	}
	created, err := host.InitGenesis(context.Background(), genesis)
	if err != nil || !created {
		t.Fatalf("genesis: created=%v err=%v", created, err)
	}
	return host
}

func submit(amount uint64) func(*liquidation.Engine) error {
	return func(engine *liquidation.Engine) error {
		_, err := engine.SubmitBid(hostBidder, "ubtc", 0, []liquidation.Coin{liquidation.NewCoin("uusd", uint256.NewInt(amount))})
		return err
	}
}

func TestHostCommitsAndReleasesSideEffects(t *testing.T) {
	host := newTestHost(t)
	var seen []*Commit
	host.AddHook(CommitHookFunc(func(_ context.Context, c *Commit) error {
		seen = append(seen, c)
		return nil
	}))

	commit, err := host.Exec(context.Background(), "liq_submitBid", submit(1000))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if commit.Sequence != 2 || len(commit.Events) != 1 || len(seen) != 1 {
		t.Fatalf("unexpected commit %+v (hooks saw %d)", commit, len(seen))
	}

	commit, err = host.Exec(context.Background(), "liq_liquidate", func(engine *liquidation.Engine) error {
		_, err := engine.Liquidate(hostLending, liquidation.LiquidationRequest{
			Asset:            "ubtc",
			Denom:            "ubtc",
			CollateralAmount: *uint256.NewInt(400),
			CollateralPrice:  liquidation.DecimalOne(),
			CreditPrice:      liquidation.DecimalOne(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(commit.Outbound) != 1 || commit.Outbound[0].Kind != liquidation.OutboundRepayment {
		t.Fatalf("unexpected outbound %+v", commit.Outbound)
	}
	seq, err := host.Sequence()
	if err != nil || seq != 3 {
		t.Fatalf("unexpected sequence %d %v", seq, err)
	}
}

func TestHostDiscardsFailedMessages(t *testing.T) {
	host := newTestHost(t)
	hooked := 0
	host.AddHook(CommitHookFunc(func(context.Context, *Commit) error {
		hooked++
		return nil
	}))
	boom := errors.New("boom")
	_, err := host.Exec(context.Background(), "liq_submitBid", func(engine *liquidation.Engine) error {
		if err := submit(500)(engine); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if hooked != 0 {
		t.Fatalf("failed message must not reach hooks")
	}
	err = host.Query(func(engine *liquidation.Engine) error {
		slot, err := engine.Slot("ubtc", 0)
		if err != nil {
			return err
		}
		if !slot.TotalBidAmount.IsZero() {
			t.Fatalf("failed message leaked state: %s", slot.TotalBidAmount.Dec())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	seq, _ := host.Sequence()
	if seq != 1 {
		t.Fatalf("failed message must not advance the sequence, got %d", seq)
	}
}

func TestHostQueryDropsWrites(t *testing.T) {
	host := newTestHost(t)
	if err := host.Query(submit(100)); err != nil {
		t.Fatalf("query: %v", err)
	}
	err := host.Query(func(engine *liquidation.Engine) error {
		bids, err := engine.BidsByOwner("ubtc", hostBidder)
		if err != nil {
			return err
		}
		if len(bids) != 0 {
			t.Fatalf("query writes must not persist")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
}

func TestHostGenesisIsIdempotent(t *testing.T) {
	host := newTestHost(t)
	created, err := host.InitGenesis(context.Background(), &liquidation.Genesis{})
	if err != nil || created {
		t.Fatalf("second genesis must be skipped: %v %v", created, err)
	}
}

func TestHostPauseAndFeed(t *testing.T) {
	host := newTestHost(t)
	feed := events.NewFeed(4)
	host.AddHook(FeedHook(feed))
	ch, cancel := feed.Subscribe()
	defer cancel()

	if _, err := host.Exec(context.Background(), "liq_submitBid", submit(10)); err != nil {
		t.Fatalf("exec: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Type != liquidation.EventTypeBidSubmitted {
			t.Fatalf("unexpected event %s", evt.Type)
		}
	default:
		t.Fatalf("expected event on feed")
	}

	host.Pauses().SetPaused("liquidation", true)
	if _, err := host.Exec(context.Background(), "liq_submitBid", submit(10)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	stop()
	if _, err := host.Exec(ctx, "liq_submitBid", submit(10)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled context, got %v", err)
	}
}

type recordingGuard struct {
	fail     error
	recorded []uint64
	reverted []uint64
}

func (g *recordingGuard) OnCommit(_ context.Context, c *Commit) error {
	if g.fail != nil {
		return g.fail
	}
	g.recorded = append(g.recorded, c.Sequence)
	return nil
}

func (g *recordingGuard) Revert(_ context.Context, seq uint64) error {
	g.reverted = append(g.reverted, seq)
	return nil
}

func TestHostGuardFailureDiscardsMessage(t *testing.T) {
	host := newTestHost(t)
	first := &recordingGuard{}
	broken := &recordingGuard{fail: errors.New("outbox unavailable")}
	host.AddGuard(first)
	host.AddGuard(broken)
	hooked := 0
	host.AddHook(CommitHookFunc(func(context.Context, *Commit) error {
		hooked++
		return nil
	}))

	if _, err := host.Exec(context.Background(), "liq_submitBid", submit(500)); !errors.Is(err, broken.fail) {
		t.Fatalf("expected guard error, got %v", err)
	}
	if hooked != 0 {
		t.Fatalf("vetoed message must not reach hooks")
	}
	if len(first.recorded) != 1 || len(first.reverted) != 1 || first.reverted[0] != first.recorded[0] {
		t.Fatalf("earlier guard must be reverted: recorded %v reverted %v", first.recorded, first.reverted)
	}
	err := host.Query(func(engine *liquidation.Engine) error {
		slot, err := engine.Slot("ubtc", 0)
		if err != nil {
			return err
		}
		if !slot.TotalBidAmount.IsZero() {
			t.Fatalf("vetoed message leaked state: %s", slot.TotalBidAmount.Dec())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if seq, _ := host.Sequence(); seq != 1 {
		t.Fatalf("vetoed message must not advance the sequence, got %d", seq)
	}

	broken.fail = nil
	commit, err := host.Exec(context.Background(), "liq_submitBid", submit(500))
	if err != nil {
		t.Fatalf("exec after recovery: %v", err)
	}
	if commit.Sequence != 2 || hooked != 1 || len(broken.recorded) != 1 || broken.recorded[0] != 2 {
		t.Fatalf("unexpected recovery commit %d hooks=%d recorded=%v", commit.Sequence, hooked, broken.recorded)
	}
}
