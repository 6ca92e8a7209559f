package scenarios

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/fault"
	"github.com/flowloop/companion/internal/orchestrator"
	"github.com/flowloop/companion/internal/registry"
	"github.com/flowloop/companion/internal/store"
	"github.com/flowloop/companion/internal/window"
)

// companionScenariosContext carries state across the steps of a single
// scenario, mirroring the teacher's ChiMuxBDDTestContext shape: one struct
// per scenario run, reset between scenarios via resetContext.
type companionScenariosContext struct {
	t *testing.T

	b       *bus.Bus
	busErrs []error
	subs    map[string]*bus.Subscription
	got     map[string][]string

	wm          *window.Manager
	firstWindow *window.Window
	secondStart time.Time

	breaker  *fault.Breaker
	lastErr  error

	orch        *orchestrator.Orchestrator
	reg         *registry.Registry
	readyOrder  []string
	startErr    error

	st        *store.Store
	dbPath    string
	retained  int64
	ranged    []store.Record
}

func newCompanionScenariosContext(t *testing.T) *companionScenariosContext {
	return &companionScenariosContext{
		t:    t,
		subs: make(map[string]*bus.Subscription),
		got:  make(map[string][]string),
	}
}

// --- S1/S2/S3: bus steps ----------------------------------------------

func (c *companionScenariosContext) aBusIsStarted() error {
	c.b = bus.NewBus(bus.DefaultConfig(), applog.Noop())
	c.b.Start(context.Background())
	return nil
}

func (c *companionScenariosContext) aBusIsStartedWithMaxQueueSize(n int) error {
	cfg := bus.DefaultConfig()
	cfg.MaxQueueSize = n
	c.b = bus.NewBus(cfg, applog.Noop())
	// Deliberately not Started: with no worker draining the router queue,
	// Publish's own bounded channel enforces max_queue_size deterministically.
	return nil
}

func (c *companionScenariosContext) subscriberSubscribesToRawEventWithMode(name, mode string) error {
	return c.subscriberSubscribesToRawEventWithModeAndBuffer(name, mode, 16)
}

func (c *companionScenariosContext) subscriberSubscribesToRawEventWithModeAndBuffer(name, mode string, bufSize int) error {
	filter := bus.Filter{Clauses: []bus.FilterClause{{MessageTypes: []bus.PayloadKind{bus.KindRawEvent}}}}
	sub := c.b.Subscribe(name, filter, parseMode(mode), bufSize, 0)
	c.subs[name] = sub
	go c.drain(name, sub)
	return nil
}

func (c *companionScenariosContext) subscriberSubscribesWithModeBufferAndTimeout(name, mode string, bufSize int, timeout string) error {
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return err
	}
	filter := bus.Filter{Clauses: []bus.FilterClause{{MessageTypes: []bus.PayloadKind{bus.KindRawEvent}}}}
	sub := c.b.Subscribe(name, filter, bus.Reliable, bufSize, d)
	c.subs[name] = sub
	return nil
}

func (c *companionScenariosContext) drain(name string, sub *bus.Subscription) {
	for e := range sub.Receive() {
		re, ok := e.Payload.(bus.RawEvent)
		if !ok {
			continue
		}
		c.got[name] = append(c.got[name], re.SessionID)
	}
}

func parseMode(s string) bus.DeliveryMode {
	switch s {
	case "Reliable":
		return bus.Reliable
	case "LatestOnly":
		return bus.LatestOnly
	default:
		return bus.BestEffort
	}
}

func rawEventLabeled(label string) bus.RawEvent {
	return bus.RawEvent{SessionID: label, Timestamp: time.Now().UTC(), Data: bus.KeystrokeData{KeyCode: 1}}
}

func (c *companionScenariosContext) iPublishRawEventsInOrder(labels string) error {
	for _, label := range strings.Split(labels, ",") {
		if err := c.b.Publish(bus.New("Capture", rawEventLabeled(label))); err != nil {
			return err
		}
	}
	// Give the worker pool a moment to fan the three envelopes out.
	time.Sleep(50 * time.Millisecond)
	return nil
}

func (c *companionScenariosContext) subscriberReceivesInOrder(name, labels string) error {
	want := strings.Split(labels, ",")
	deadline := time.Now().Add(time.Second)
	for len(c.got[name]) < len(want) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if strings.Join(c.got[name], ",") != strings.Join(want, ",") {
		return fmt.Errorf("subscriber %s got %v, want %v", name, c.got[name], want)
	}
	return nil
}

func (c *companionScenariosContext) iPublish10RawEventsWithoutDraining() error {
	for i := 1; i <= 10; i++ {
		err := c.b.Publish(bus.New("Capture", rawEventLabeled(fmt.Sprintf("R%d", i))))
		c.busErrs = append(c.busErrs, err)
	}
	return nil
}

func (c *companionScenariosContext) atLeastOneOfPublishes5Through10ReportsQueueFull() error {
	for i := 4; i < len(c.busErrs); i++ {
		if _, ok := c.busErrs[i].(*bus.QueueFullError); ok {
			return nil
		}
	}
	return fmt.Errorf("no QueueFullError observed among publishes 5-10: %v", c.busErrs[4:])
}

func (c *companionScenariosContext) noSubscriberObservesAPartiallyDeliveredEnvelope() error {
	// The router's worker pool was never started for this scenario, so no
	// delivery attempt — partial or otherwise — could have occurred.
	for name, received := range c.got {
		if len(received) != 0 {
			return fmt.Errorf("subscriber %s unexpectedly received %v", name, received)
		}
	}
	return nil
}

func (c *companionScenariosContext) iPublishRawEventWithoutDraining(label string) error {
	return c.b.Publish(bus.New("Capture", rawEventLabeled(label)))
}

func (c *companionScenariosContext) theDeliveryOfReportsATimeout(label string) error {
	// Deliver is driven by the router's worker pool; give the Reliable
	// timeout window time to elapse and be recorded.
	time.Sleep(150 * time.Millisecond)
	snap := c.b.Metrics()
	if snap.Failed == 0 {
		return fmt.Errorf("expected at least one failed delivery recording the reliable timeout, got %+v", snap)
	}
	return nil
}

func (c *companionScenariosContext) theBusFailedCounterIsAtLeast(n uint64) error {
	if c.b.Metrics().Failed < n {
		return fmt.Errorf("failed counter %d below expected %d", c.b.Metrics().Failed, n)
	}
	return nil
}

func (c *companionScenariosContext) subscriberEventuallyReads(name, label string) error {
	sub := c.subs[name]
	select {
	case e := <-sub.Receive():
		re := e.Payload.(bus.RawEvent)
		if re.SessionID != label {
			return fmt.Errorf("got %s, want %s", re.SessionID, label)
		}
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("timed out waiting for %s", label)
	}
}

// --- S4: sliding window --------------------------------------------------

func (c *companionScenariosContext) aWindowManagerWithWindowSizeAndOverlap(size, overlap string) error {
	sizeD, err := time.ParseDuration(size)
	if err != nil {
		return err
	}
	overlapD, err := time.ParseDuration(overlap)
	if err != nil {
		return err
	}
	c.wm = window.NewManager("session-1", window.Config{WindowSize: sizeD, Overlap: overlapD, HistorySize: 10})
	return nil
}

func (c *companionScenariosContext) iFeed12KeystrokeEventsSpacedApart(spacing string) error {
	d, err := time.ParseDuration(spacing)
	if err != nil {
		return err
	}
	for i := 0; i < 12; i++ {
		e := bus.RawEvent{SessionID: "session-1", Timestamp: time.Now().UTC(), Data: bus.KeystrokeData{KeyCode: i}}
		if finalized := c.wm.AddEvent(e); finalized != nil && c.firstWindow == nil {
			c.firstWindow = finalized
		}
		time.Sleep(d)
	}
	if c.firstWindow == nil {
		// No event in the feed arrives after the advance threshold, so
		// finalize the window as the next event past it would.
		c.firstWindow = c.wm.Advance()
	}
	c.secondStart = c.wm.Current().StartTime
	return nil
}

func (c *companionScenariosContext) theFirstWindowFinalizesWithEventsAndQualityScoreAbove(count int, score float64) error {
	if c.firstWindow == nil {
		return fmt.Errorf("no window finalized")
	}
	if len(c.firstWindow.Events) != count {
		return fmt.Errorf("got %d events, want %d", len(c.firstWindow.Events), count)
	}
	if c.firstWindow.QualityScore <= score {
		return fmt.Errorf("quality score %f not above %f", c.firstWindow.QualityScore, score)
	}
	return nil
}

func (c *companionScenariosContext) aSecondWindowBeginsContainingOnlyEventsAtOrAfterItsStartTime() error {
	cur := c.wm.Current()
	for _, e := range cur.Events {
		if e.Timestamp.Before(c.secondStart) {
			return fmt.Errorf("event at %s precedes window start %s", e.Timestamp, c.secondStart)
		}
	}
	return nil
}

// --- S5: circuit breaker --------------------------------------------------

func (c *companionScenariosContext) aCircuitBreakerWithFailureThresholdAndResetTimeout(threshold int, resetTimeout string) error {
	d, err := time.ParseDuration(resetTimeout)
	if err != nil {
		return err
	}
	c.breaker = fault.NewBreaker("test-op", fault.BreakerConfig{FailureThreshold: threshold, ResetTimeout: d, SuccessThreshold: 1.0, HalfOpenMaxCalls: 1})
	return nil
}

var errBoom = fmt.Errorf("boom")

func (c *companionScenariosContext) iSubmitFailingOperations(n int) error {
	for i := 0; i < n; i++ {
		_ = c.breaker.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	return nil
}

func (c *companionScenariosContext) the4thSubmissionReturnsCircuitOpenWithoutInvokingTheOperation() error {
	called := false
	err := c.breaker.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		return fmt.Errorf("operation was invoked while circuit should be open")
	}
	if err != fault.ErrCircuitOpen {
		return fmt.Errorf("got %v, want ErrCircuitOpen", err)
	}
	return nil
}

func (c *companionScenariosContext) iWait(d string) error {
	wait, err := time.ParseDuration(d)
	if err != nil {
		return err
	}
	time.Sleep(wait)
	return nil
}

func (c *companionScenariosContext) theNextSubmissionIsAllowedThroughAsAHalfOpenTrial() error {
	called := false
	c.lastErr = c.breaker.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !called {
		return fmt.Errorf("half-open trial was not admitted: %v", c.lastErr)
	}
	return nil
}

func (c *companionScenariosContext) thatTrialSucceeds() error {
	if c.lastErr != nil {
		return fmt.Errorf("trial did not succeed: %w", c.lastErr)
	}
	return nil
}

func (c *companionScenariosContext) theBreakerStateBecomesClosed() error {
	if c.breaker.State() != fault.Closed {
		return fmt.Errorf("got state %s, want closed", c.breaker.State())
	}
	return nil
}

// --- S6: orchestrated startup ----------------------------------------------

func (c *companionScenariosContext) anOrchestratorWithModulesRegistered(list string) error {
	c.b = bus.NewBus(bus.DefaultConfig(), applog.Noop())
	c.reg = registry.New()
	c.orch = orchestrator.New(c.b, c.reg, orchestrator.DefaultConfig(), applog.Noop())

	for _, name := range strings.Split(list, ", ") {
		name := strings.TrimSpace(name)
		m := orchestrator.NewModuleFunc(name, func(ctx context.Context) error {
			c.readyOrder = append(c.readyOrder, name)
			return nil
		}, func(ctx context.Context) error { return nil })
		if err := c.orch.RegisterModule(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *companionScenariosContext) iStartTheSystem() error {
	c.startErr = c.orch.StartSystem(context.Background())
	return c.startErr
}

func (c *companionScenariosContext) theObservedReadyOrderIsATopologicalOrderConsistentWithDependencies() error {
	order, err := c.orch.StartupOrder()
	if err != nil {
		return err
	}
	if strings.Join(order, ",") != strings.Join(c.readyOrder, ",") {
		return fmt.Errorf("ready order %v did not follow topological order %v", c.readyOrder, order)
	}
	return nil
}

func (c *companionScenariosContext) theHealthSummaryOverallIsHealthyWithHealthyCount(count int) error {
	summary := c.reg.Summary()
	if summary.Overall != registry.OverallHealthy {
		return fmt.Errorf("overall %s, want Healthy", summary.Overall)
	}
	if summary.HealthyCount != count {
		return fmt.Errorf("healthy count %d, want %d", summary.HealthyCount, count)
	}
	return nil
}

// --- S7: retention ----------------------------------------------------------

func (c *companionScenariosContext) aStoreWithEventsAtNowMinus10DaysNowMinus5DaysAndNowMinus1Hour() error {
	dir := c.t.TempDir()
	c.dbPath = filepath.Join(dir, "scenario.db")
	cfg := store.DefaultConfig()
	cfg.Path = c.dbPath
	cfg.WALEnabled = false
	st, err := store.Open(cfg, applog.Noop())
	if err != nil {
		return err
	}
	c.st = st

	now := time.Now().UTC()
	ages := []time.Duration{10 * 24 * time.Hour, 5 * 24 * time.Hour, time.Hour}
	for i, age := range ages {
		r := store.Record{
			TimestampMS: now.Add(-age).UnixMilli(),
			SessionID:   "session-1",
			EventKind:   "keystroke",
			Payload:     []byte(fmt.Sprintf(`{"i":%d}`, i)),
		}
		if err := c.st.Ingest(context.Background(), r); err != nil {
			return err
		}
	}
	return nil
}

func (c *companionScenariosContext) iRetainEventsOlderThanDays(days int) error {
	n, err := c.st.Retain(context.Background(), days)
	c.retained = n
	return err
}

func (c *companionScenariosContext) theRetainCallReportsRemoved(n int64) error {
	if c.retained != n {
		return fmt.Errorf("retain reported %d, want %d", c.retained, n)
	}
	return nil
}

func (c *companionScenariosContext) rangingFromNowMinus15DaysToNowReturnsExactlyEvents(n int) error {
	now := time.Now().UTC()
	recs, err := c.st.Range(context.Background(), "session-1", now.Add(-15*24*time.Hour), now)
	if err != nil {
		return err
	}
	c.ranged = recs
	if len(recs) != n {
		return fmt.Errorf("got %d records, want %d", len(recs), n)
	}
	return nil
}

// --- runner -----------------------------------------------------------------

func TestCompanionScenariosBDD(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			c := newCompanionScenariosContext(t)

			sc.Step(`^a bus is started$`, c.aBusIsStarted)
			sc.Step(`^a bus is created unstarted with max queue size (\d+)$`, c.aBusIsStartedWithMaxQueueSize)
			sc.Step(`^subscriber "([^"]*)" subscribes to RawEvent with mode (\w+)$`, c.subscriberSubscribesToRawEventWithMode)
			sc.Step(`^subscriber "([^"]*)" subscribes to RawEvent with mode (\w+) and buffer size (\d+)$`, c.subscriberSubscribesToRawEventWithModeAndBuffer)
			sc.Step(`^subscriber "([^"]*)" subscribes to RawEvent with mode Reliable, buffer size (\d+), and timeout (\S+)$`, func(name string, buf int, timeout string) error {
				return c.subscriberSubscribesWithModeBufferAndTimeout(name, "Reliable", buf, timeout)
			})
			sc.Step(`^I publish raw events "([^"]*)" in order$`, c.iPublishRawEventsInOrder)
			sc.Step(`^subscriber "([^"]*)" receives "([^"]*)" in order$`, c.subscriberReceivesInOrder)
			sc.Step(`^I publish 10 raw events without draining$`, c.iPublish10RawEventsWithoutDraining)
			sc.Step(`^at least 1 of publishes 5 through 10 reports queue full$`, c.atLeastOneOfPublishes5Through10ReportsQueueFull)
			sc.Step(`^no subscriber observes a partially delivered envelope$`, c.noSubscriberObservesAPartiallyDeliveredEnvelope)
			sc.Step(`^I publish raw event "([^"]*)" without draining$`, c.iPublishRawEventWithoutDraining)
			sc.Step(`^the delivery of "([^"]*)" reports a timeout$`, c.theDeliveryOfReportsATimeout)
			sc.Step(`^the bus failed counter is at least (\d+)$`, func(n int) error { return c.theBusFailedCounterIsAtLeast(uint64(n)) })
			sc.Step(`^subscriber "([^"]*)" eventually reads "([^"]*)"$`, c.subscriberEventuallyReads)

			sc.Step(`^a window manager with window size (\S+) and overlap (\S+)$`, c.aWindowManagerWithWindowSizeAndOverlap)
			sc.Step(`^I feed 12 keystroke events spaced (\S+) apart$`, c.iFeed12KeystrokeEventsSpacedApart)
			sc.Step(`^the first window finalizes with (\d+) events and quality score above (\S+)$`, func(count int, score string) error {
				f, err := strconv.ParseFloat(score, 64)
				if err != nil {
					return err
				}
				return c.theFirstWindowFinalizesWithEventsAndQualityScoreAbove(count, f)
			})
			sc.Step(`^a second window begins containing only events at or after its start time$`, c.aSecondWindowBeginsContainingOnlyEventsAtOrAfterItsStartTime)

			sc.Step(`^a circuit breaker with failure threshold (\d+) and reset timeout (\S+)$`, c.aCircuitBreakerWithFailureThresholdAndResetTimeout)
			sc.Step(`^I submit (\d+) failing operations$`, c.iSubmitFailingOperations)
			sc.Step(`^the 4th submission returns circuit open without invoking the operation$`, c.the4thSubmissionReturnsCircuitOpenWithoutInvokingTheOperation)
			sc.Step(`^I wait (\S+)$`, c.iWait)
			sc.Step(`^the next submission is allowed through as a half-open trial$`, c.theNextSubmissionIsAllowedThroughAsAHalfOpenTrial)
			sc.Step(`^that trial succeeds$`, c.thatTrialSucceeds)
			sc.Step(`^the breaker state becomes closed$`, c.theBreakerStateBecomesClosed)

			sc.Step(`^an orchestrator with modules (.*) registered$`, c.anOrchestratorWithModulesRegistered)
			sc.Step(`^I start the system$`, c.iStartTheSystem)
			sc.Step(`^the observed ready order is a topological order consistent with dependencies$`, c.theObservedReadyOrderIsATopologicalOrderConsistentWithDependencies)
			sc.Step(`^the health summary overall is Healthy with healthy count (\d+)$`, c.theHealthSummaryOverallIsHealthyWithHealthyCount)

			sc.Step(`^a store with events at now minus 10 days, now minus 5 days, and now minus 1 hour$`, c.aStoreWithEventsAtNowMinus10DaysNowMinus5DaysAndNowMinus1Hour)
			sc.Step(`^I retain events older than (\d+) days$`, c.iRetainEventsOlderThanDays)
			sc.Step(`^the retain call reports (\d+) removed$`, func(n int) error { return c.theRetainCallReportsRemoved(int64(n)) })
			sc.Step(`^ranging from now minus 15 days to now returns exactly (\d+) events$`, c.rangingFromNowMinus15DaysToNowReturnsExactlyEvents)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
