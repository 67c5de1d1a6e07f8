// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package dispatcher_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.opendefense.cloud/mlflow-operator/pkg/dispatcher"
	"go.opendefense.cloud/mlflow-operator/pkg/status"
)

// blockingPass signals every start and waits for a release before returning.
type blockingPass struct {
	started  chan dispatcher.Event
	release  chan struct{}
	mu       sync.Mutex
	triggers []dispatcher.Event
}

func newBlockingPass() *blockingPass {
	return &blockingPass{
		started: make(chan dispatcher.Event, 100),
		release: make(chan struct{}, 100),
	}
}

func (b *blockingPass) run(_ context.Context, ev dispatcher.Event) status.Report {
	b.mu.Lock()
	b.triggers = append(b.triggers, ev)
	b.mu.Unlock()

	b.started <- ev
	<-b.release
	return status.Report{State: status.Active, Rank: status.RankConverged}
}

func (b *blockingPass) seen() []dispatcher.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]dispatcher.Event(nil), b.triggers...)
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
	)

	start := func(d *dispatcher.Dispatcher) {
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(d.Start(ctx)).To(Succeed())
		}()
		DeferCleanup(func() {
			cancel()
			Eventually(done).Should(BeClosed())
		})
	}

	It("should run a pass for an event dispatched before start", func() {
		var passes atomic.Int32
		d := dispatcher.New(func(context.Context, dispatcher.Event) status.Report {
			passes.Add(1)
			return status.Report{State: status.Blocked, Reason: "missing database.host", Rank: status.RankMissingBinding}
		})
		Expect(d.State()).To(Equal(dispatcher.Idle))
		_, ok := d.LastReport()
		Expect(ok).To(BeFalse())

		Expect(d.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})).To(BeTrue())
		start(d)

		Expect(d.WaitIdle(ctx)).To(Succeed())
		Expect(passes.Load()).To(Equal(int32(1)))
		Expect(d.Passes()).To(Equal(uint64(1)))
		report, ok := d.LastReport()
		Expect(ok).To(BeTrue())
		Expect(report.State).To(Equal(status.Blocked))
	})

	It("should coalesce events during a pass into exactly one more pass", func() {
		pass := newBlockingPass()
		var coalesced atomic.Int32
		d := dispatcher.New(pass.run, dispatcher.WithOnCoalesce(func(dispatcher.Event) { coalesced.Add(1) }))
		start(d)

		Expect(d.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})).To(BeTrue())
		Eventually(pass.started).Should(Receive())
		Expect(d.State()).To(Equal(dispatcher.Reconciling))

		const n = 10
		for i := range n {
			ev := dispatcher.Event{Kind: dispatcher.BindingChanged, Binding: "object-storage"}
			if i == n-1 {
				ev.Binding = "database"
			}
			Expect(d.Dispatch(ev)).To(BeTrue())
		}
		Expect(coalesced.Load()).To(Equal(int32(n - 1)))

		pass.release <- struct{}{}
		Eventually(pass.started).Should(Receive(Equal(dispatcher.Event{Kind: dispatcher.BindingChanged, Binding: "database"})))
		pass.release <- struct{}{}

		Expect(d.WaitIdle(ctx)).To(Succeed())
		Consistently(pass.started, 100*time.Millisecond).ShouldNot(Receive())
		Expect(d.Passes()).To(Equal(uint64(2)))
		Expect(pass.seen()).To(HaveLen(2))
	})

	It("should keep a merged resync when another event is dispatched last", func() {
		pass := newBlockingPass()
		d := dispatcher.New(pass.run)
		start(d)

		d.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})
		Eventually(pass.started).Should(Receive(HaveField("CheckDrift", BeFalse())))

		d.Dispatch(dispatcher.Event{Kind: dispatcher.Resync})
		d.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged, Binding: "database"})
		pass.release <- struct{}{}

		Eventually(pass.started).Should(Receive(Equal(dispatcher.Event{
			Kind:       dispatcher.BindingChanged,
			Binding:    "database",
			CheckDrift: true,
		})))

		d.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged, Binding: "database"})
		pass.release <- struct{}{}
		Eventually(pass.started).Should(Receive(HaveField("CheckDrift", BeFalse())))
		pass.release <- struct{}{}

		Expect(d.WaitIdle(ctx)).To(Succeed())
	})

	It("should allow the coalesce callback to dispatch", func() {
		pass := newBlockingPass()
		var d *dispatcher.Dispatcher
		var redispatched atomic.Bool
		d = dispatcher.New(pass.run, dispatcher.WithOnCoalesce(func(ev dispatcher.Event) {
			if ev.Kind == dispatcher.BindingChanged {
				redispatched.Store(d.Dispatch(dispatcher.Event{Kind: dispatcher.Requested}))
			}
		}))
		start(d)

		d.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})
		Eventually(pass.started).Should(Receive())
		d.Dispatch(dispatcher.Event{Kind: dispatcher.ConfigChanged})

		returned := make(chan bool, 1)
		go func() {
			returned <- d.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged})
		}()
		Eventually(returned).Should(Receive(BeTrue()))
		Expect(redispatched.Load()).To(BeTrue())

		pass.release <- struct{}{}
		Eventually(pass.started).Should(Receive(HaveField("Kind", dispatcher.Requested)))
		pass.release <- struct{}{}
		Expect(d.WaitIdle(ctx)).To(Succeed())
	})

	It("should hold passes until the startup event when awaiting startup", func() {
		pass := newBlockingPass()
		d := dispatcher.New(pass.run, dispatcher.WithAwaitStartup())
		start(d)

		d.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged, Binding: "database"})
		d.Dispatch(dispatcher.Event{Kind: dispatcher.Resync})
		Consistently(pass.started, 100*time.Millisecond).ShouldNot(Receive())
		Expect(d.Passes()).To(BeZero())

		d.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})
		Eventually(pass.started).Should(Receive(Equal(dispatcher.Event{Kind: dispatcher.Startup, CheckDrift: true})))
		pass.release <- struct{}{}

		Expect(d.WaitIdle(ctx)).To(Succeed())
		Expect(d.Passes()).To(Equal(uint64(1)))
	})

	It("should never run passes concurrently", func() {
		var running, overlaps atomic.Int32
		d := dispatcher.New(func(context.Context, dispatcher.Event) status.Report {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return status.Report{State: status.Active}
		})
		start(d)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 50 {
					d.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged})
				}
			}()
		}
		wg.Wait()

		Expect(d.WaitIdle(ctx)).To(Succeed())
		Expect(overlaps.Load()).To(BeZero())
		Expect(d.Passes()).To(BeNumerically(">=", 1))
	})

	It("should deliver every report", func() {
		reports := make(chan status.Report, 10)
		d := dispatcher.New(func(context.Context, dispatcher.Event) status.Report {
			return status.Report{State: status.Waiting, Rank: status.RankConverging}
		}, dispatcher.WithOnReport(func(_ dispatcher.Event, r status.Report) { reports <- r }))
		start(d)

		d.Dispatch(dispatcher.Event{Kind: dispatcher.ConfigChanged})
		Eventually(reports).Should(Receive(HaveField("State", status.Waiting)))
	})

	It("should resync periodically", func() {
		var passes atomic.Int32
		d := dispatcher.New(func(_ context.Context, ev dispatcher.Event) status.Report {
			Expect(ev.Kind).To(Equal(dispatcher.Resync))
			passes.Add(1)
			return status.Report{State: status.Active}
		}, dispatcher.WithResyncInterval(10*time.Millisecond))
		start(d)

		Eventually(passes.Load).Should(BeNumerically(">=", 3))
	})

	It("should rate limit requested passes", func() {
		d := dispatcher.New(func(context.Context, dispatcher.Event) status.Report {
			return status.Report{State: status.Active}
		}, dispatcher.WithRequestLimit(time.Hour, 1))

		Expect(d.Dispatch(dispatcher.Event{Kind: dispatcher.Requested})).To(BeTrue())
		Expect(d.Dispatch(dispatcher.Event{Kind: dispatcher.Requested})).To(BeFalse())
		Expect(d.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged})).To(BeTrue())
	})

	It("should wait for the pass in flight on shutdown and reject later events", func() {
		pass := newBlockingPass()
		d := dispatcher.New(pass.run)
		start(d)

		d.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})
		Eventually(pass.started).Should(Receive())
		d.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged})

		cancel()
		Consistently(done, 50*time.Millisecond).ShouldNot(BeClosed())

		pass.release <- struct{}{}
		Eventually(done).Should(BeClosed())
		Consistently(pass.started, 50*time.Millisecond).ShouldNot(Receive())

		Expect(d.Dispatch(dispatcher.Event{Kind: dispatcher.Resync})).To(BeFalse())
		Expect(d.WaitIdle(context.Background())).To(Succeed())
	})

	It("should stop waiting when the context ends", func() {
		d := dispatcher.New(func(context.Context, dispatcher.Event) status.Report {
			return status.Report{}
		})
		d.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})

		wctx, wcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer wcancel()
		Expect(d.WaitIdle(wctx)).To(MatchError(context.DeadlineExceeded))
	})
})
