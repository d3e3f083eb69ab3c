// internal/control/subscriptions.go
package control

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/switchboard/internal/bus"
	"github.com/user/switchboard/internal/engine"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// Event classes a controller can subscribe to.
const (
	EventIdle          = "idle"
	EventLongRunning   = "long_running"
	EventError         = "error"
	EventPlanSubmitted = "plan_submitted"
)

var allEventClasses = []string{EventIdle, EventLongRunning, EventError, EventPlanSubmitted}

const (
	longRunningThreshold = 10 * time.Minute
	longRunningRepeat    = 5 * time.Minute
)

// Manager owns all controller subscriptions. It is constructed once per
// application and passed to whatever needs it; there is no package-level
// registry. A single cron entry ticking every minute drives long-running
// detection for every subscription, so per-subscription timers never need
// individual teardown.
type Manager struct {
	engine *engine.Engine
	bus    *bus.Bus
	store  *store.Store
	log    *slog.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu           sync.Mutex
	subs         map[types.SubscriptionID]*subscription
	byController map[types.SessionID]map[types.SubscriptionID]struct{}
	// controllerWatch tracks the per-controller Deleted listener that bulk
	// releases the controller's subscriptions.
	controllerWatch map[types.SessionID]func()
}

type subscription struct {
	id         types.SubscriptionID
	controller types.SessionID
	target     types.SessionID
	events     map[string]struct{}
	unsub      func()

	mu         sync.Mutex
	lastStart  time.Time
	notified   bool
	lastNotify time.Time
}

// SubscriptionInfo is the list_subscriptions projection.
type SubscriptionInfo struct {
	ID       types.SubscriptionID `json:"id"`
	TargetID types.SessionID      `json:"target_id"`
	Events   []string             `json:"events"`
}

// NewManager creates a subscription manager. Start must be called to begin
// long-running detection.
func NewManager(eng *engine.Engine, b *bus.Bus, st *store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		engine:          eng,
		bus:             b,
		store:           st,
		log:             log,
		cron:            cron.New(),
		now:             time.Now,
		subs:            make(map[types.SubscriptionID]*subscription),
		byController:    make(map[types.SessionID]map[types.SubscriptionID]struct{}),
		controllerWatch: make(map[types.SessionID]func()),
	}
	m.cron.AddFunc("@every 1m", m.checkLongRunning)
	return m
}

// Start begins the long-running watchdog ticker.
func (m *Manager) Start() {
	m.cron.Start()
}

// Stop halts the watchdog and releases every subscription.
func (m *Manager) Stop() {
	m.cron.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		sub.unsub()
	}
	for _, unwatch := range m.controllerWatch {
		unwatch()
	}
	m.subs = make(map[types.SubscriptionID]*subscription)
	m.byController = make(map[types.SessionID]map[types.SubscriptionID]struct{})
	m.controllerWatch = make(map[types.SessionID]func())
}

// Subscribe registers a subscription on the target's events for the given
// controller. An empty event list subscribes to every class. A controller
// can never subscribe to its own session.
func (m *Manager) Subscribe(controllerID, targetID types.SessionID, events []string) (types.SubscriptionID, error) {
	if controllerID == targetID {
		return "", fmt.Errorf("a session cannot subscribe to itself")
	}
	if _, err := m.store.Get(targetID); err != nil {
		return "", err
	}
	if len(events) == 0 {
		events = allEventClasses
	}
	classes := make(map[string]struct{}, len(events))
	for _, ev := range events {
		switch ev {
		case EventIdle, EventLongRunning, EventError, EventPlanSubmitted:
			classes[ev] = struct{}{}
		default:
			return "", fmt.Errorf("unknown event class %q", ev)
		}
	}

	sub := &subscription{
		id:         types.NewSubscriptionID(),
		controller: controllerID,
		target:     targetID,
		events:     classes,
	}
	if start, ok := m.engine.TurnStartedAt(targetID); ok {
		sub.lastStart = start
	}
	sub.unsub = m.bus.Subscribe(targetID, func(ev types.Event) {
		m.handleTargetEvent(sub, ev)
	})

	m.mu.Lock()
	m.subs[sub.id] = sub
	if m.byController[controllerID] == nil {
		m.byController[controllerID] = make(map[types.SubscriptionID]struct{})
	}
	m.byController[controllerID][sub.id] = struct{}{}
	if _, watching := m.controllerWatch[controllerID]; !watching {
		m.controllerWatch[controllerID] = m.bus.Subscribe(controllerID, func(ev types.Event) {
			if _, ok := ev.(types.Deleted); ok {
				m.ReleaseController(controllerID)
			}
		})
	}
	m.mu.Unlock()

	return sub.id, nil
}

func (sub *subscription) wants(class string) bool {
	_, ok := sub.events[class]
	return ok
}

// handleTargetEvent translates a raw target event into a controller
// notification.
func (m *Manager) handleTargetEvent(sub *subscription, ev types.Event) {
	switch v := ev.(type) {
	case types.UserMessage:
		sub.mu.Lock()
		sub.lastStart = m.now()
		sub.mu.Unlock()
	case types.Complete:
		sub.mu.Lock()
		sub.notified = false
		start := sub.lastStart
		sub.mu.Unlock()
		if sub.wants(EventIdle) {
			duration := ""
			if !start.IsZero() {
				duration = fmt.Sprintf(" after %s", m.now().Sub(start).Round(time.Second))
			}
			m.notify(sub.controller, fmt.Sprintf("[session %s] went idle%s", sub.target, duration))
		}
	case types.ErrorEvent:
		if sub.wants(EventError) {
			m.notify(sub.controller, fmt.Sprintf("[session %s] error: %v", sub.target, v.Err))
		}
	case types.TypedError:
		if sub.wants(EventError) {
			m.notify(sub.controller, fmt.Sprintf("[session %s] error: %s", sub.target, v.Message))
		}
	case types.PlanSubmitted:
		if sub.wants(EventPlanSubmitted) {
			m.notify(sub.controller, fmt.Sprintf("[session %s] submitted a plan:\n%s", sub.target, v.Plan))
		}
	case types.Deleted:
		m.remove(sub.id)
		m.notify(sub.controller, fmt.Sprintf("[session %s] was deleted; subscription removed", sub.target))
	}
}

// notify delivers a notification to the controller's own session. Delivery
// is fire-and-forget: a failure is logged, never propagated. This path is
// deliberately exempt from the self-reference guard — notification delivery
// is not a control action on the controller.
func (m *Manager) notify(controllerID types.SessionID, text string) {
	go func() {
		if err := m.engine.SendMessage(controllerID, text); err != nil {
			m.log.Error("notification delivery failed",
				"controller_id", string(controllerID), "error", err)
		}
	}()
}

// checkLongRunning fires on the cron tick. For every subscription watching
// long_running it compares elapsed processing time against the threshold:
// one notification at ten minutes, another every five minutes while the
// target stays busy, re-armed when the target goes idle.
func (m *Manager) checkLongRunning() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.wants(EventLongRunning) {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		start, processing := m.engine.TurnStartedAt(sub.target)
		sub.mu.Lock()
		if !processing {
			sub.notified = false
			sub.mu.Unlock()
			continue
		}
		elapsed := m.now().Sub(start)
		fire := false
		if elapsed >= longRunningThreshold {
			if !sub.notified {
				fire = true
			} else if m.now().Sub(sub.lastNotify) >= longRunningRepeat {
				fire = true
			}
			if fire {
				sub.notified = true
				sub.lastNotify = m.now()
			}
		}
		sub.mu.Unlock()

		if fire {
			m.notify(sub.controller, fmt.Sprintf(
				"[session %s] still processing after %s", sub.target, elapsed.Round(time.Minute)))
		}
	}
}

// Unsubscribe removes subscriptions owned by the controller selected by
// subscription id, by target id, or all of them when neither is given.
// Returns the number removed.
func (m *Manager) Unsubscribe(controllerID types.SessionID, subscriptionID types.SubscriptionID, targetID types.SessionID) int {
	m.mu.Lock()
	var matched []*subscription
	for id := range m.byController[controllerID] {
		sub := m.subs[id]
		if sub == nil {
			continue
		}
		if subscriptionID != "" && sub.id != subscriptionID {
			continue
		}
		if targetID != "" && sub.target != targetID {
			continue
		}
		matched = append(matched, sub)
	}
	m.mu.Unlock()

	for _, sub := range matched {
		m.remove(sub.id)
	}
	return len(matched)
}

// List returns the controller's active subscriptions.
func (m *Manager) List(controllerID types.SessionID) []SubscriptionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SubscriptionInfo, 0, len(m.byController[controllerID]))
	for id := range m.byController[controllerID] {
		sub := m.subs[id]
		if sub == nil {
			continue
		}
		events := make([]string, 0, len(sub.events))
		for _, class := range allEventClasses {
			if sub.wants(class) {
				events = append(events, class)
			}
		}
		infos = append(infos, SubscriptionInfo{ID: sub.id, TargetID: sub.target, Events: events})
	}
	return infos
}

// ReleaseController removes every subscription owned by the controller,
// typically because the controller session itself was deleted.
func (m *Manager) ReleaseController(controllerID types.SessionID) {
	m.mu.Lock()
	ids := make([]types.SubscriptionID, 0, len(m.byController[controllerID]))
	for id := range m.byController[controllerID] {
		ids = append(ids, id)
	}
	unwatch := m.controllerWatch[controllerID]
	delete(m.controllerWatch, controllerID)
	m.mu.Unlock()

	for _, id := range ids {
		m.remove(id)
	}
	if unwatch != nil {
		unwatch()
	}
}

// remove tears a subscription down exactly once: the bus listener is
// unsubscribed (idempotent) and the registry entries dropped.
func (m *Manager) remove(id types.SubscriptionID) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		if set := m.byController[sub.controller]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byController, sub.controller)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		sub.unsub()
	}
}
