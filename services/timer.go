package services

import (
	"context"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// TimerSnapshot is the countdown state persisted to Redis so an in-flight
// assessment survives a process restart.
type TimerSnapshot struct {
	SessionID string    `json:"session_id"`
	Remaining int       `json:"remaining"`
	Deadline  time.Time `json:"deadline"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	TimerStopped = "stopped"
	TimerRunning = "running"
	TimerExpired = "expired"
)

// Snapshot at least this often, in ticks. A crash loses at most this many
// seconds of countdown.
const persistEveryTicks = 10

const timerSnapshotTTL = 2 * time.Hour

var timerWarningThresholds = []int{300, 60}

// TimerCallbacks are invoked from the tick loop, outside the controller
// lock, so they may call back into the timer service.
type TimerCallbacks struct {
	OnWarning func(sessionID string, remaining int)
	OnPersist func(sessionID string, remaining int)
	OnExpire  func(sessionID string)
}

// TimerController counts one session down second by second. It moves from
// stopped to running exactly once, and from running to a terminal state
// exactly once; the expiry callback can therefore never fire twice.
type TimerController struct {
	sessionID string
	callbacks TimerCallbacks

	mu                sync.Mutex
	state             string
	remaining         int
	ticksSincePersist int
	warned            map[int]bool
	done              chan struct{}
}

func NewTimerController(sessionID string, remaining int, callbacks TimerCallbacks) *TimerController {
	return &TimerController{
		sessionID: sessionID,
		callbacks: callbacks,
		state:     TimerStopped,
		remaining: remaining,
		warned:    map[int]bool{},
		done:      make(chan struct{}),
	}
}

func (t *TimerController) start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStopped || t.remaining <= 0 {
		return false
	}
	t.state = TimerRunning
	return true
}

// Tick advances the countdown by one second and reports whether the
// controller reached a terminal state. Callback selection happens under the
// lock; invocation happens after it is released.
func (t *TimerController) Tick() bool {
	t.mu.Lock()
	if t.state != TimerRunning {
		t.mu.Unlock()
		return true
	}

	t.remaining--
	remaining := t.remaining

	warnAt := 0
	for _, threshold := range timerWarningThresholds {
		if remaining == threshold && !t.warned[threshold] {
			t.warned[threshold] = true
			warnAt = threshold
		}
	}

	persist := false
	t.ticksSincePersist++
	if t.ticksSincePersist >= persistEveryTicks {
		t.ticksSincePersist = 0
		persist = true
	}

	expired := remaining <= 0
	if expired {
		t.state = TimerExpired
		close(t.done)
	}
	t.mu.Unlock()

	if warnAt > 0 && t.callbacks.OnWarning != nil {
		t.callbacks.OnWarning(t.sessionID, remaining)
	}

	if expired {
		if t.callbacks.OnExpire != nil {
			t.callbacks.OnExpire(t.sessionID)
		}
		return true
	}

	if persist && t.callbacks.OnPersist != nil {
		t.callbacks.OnPersist(t.sessionID, remaining)
	}

	return false
}

// Stop halts a running countdown. Stopping a stopped or expired controller
// is a no-op; the bool reports whether this call made the transition.
func (t *TimerController) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerRunning {
		return false
	}
	t.state = TimerStopped
	close(t.done)
	return true
}

func (t *TimerController) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TimerController) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// ==================== Timer service ====================

type timerSnapshotStore interface {
	SaveTimerSnapshot(ctx context.Context, snapshot *TimerSnapshot, ttl time.Duration) error
	GetTimerSnapshot(ctx context.Context, sessionID string) (*TimerSnapshot, error)
	DeleteTimerSnapshot(ctx context.Context, sessionID string) error
}

type forceSubmitter interface {
	ForceSubmit(ctx context.Context, userID, sessionID, reason string) error
}

// TimerService hosts one controller per in-flight session and drives them
// off real wall-clock ticks. Expiry hands the session to the recovery
// service for forced completion.
type TimerService struct {
	appContext.DefaultService

	redisSvc      *RedisService
	recoverySvc   *RecoveryService
	monitoringSvc *MonitoringService

	snapshots timerSnapshotStore
	recovery  forceSubmitter

	mu     sync.Mutex
	timers map[string]*TimerController
}

const TIMER_SVC = "timer_svc"

func (svc TimerService) Id() string {
	return TIMER_SVC
}

func (svc *TimerService) Configure(ctx *appContext.Context) error {
	svc.timers = map[string]*TimerController{}
	return svc.DefaultService.Configure(ctx)
}

func (svc *TimerService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.recoverySvc = svc.Service(RECOVERY_SVC).(*RecoveryService)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	svc.snapshots = svc.redisSvc
	svc.recovery = svc.recoverySvc

	return nil
}

// Shutdown persists a final snapshot for every live countdown so the next
// process can resume them.
func (svc *TimerService) Shutdown() {
	svc.mu.Lock()
	timers := make([]*TimerController, 0, len(svc.timers))
	for _, t := range svc.timers {
		timers = append(timers, t)
	}
	svc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, t := range timers {
		if !t.Stop() {
			continue
		}
		svc.persistSnapshot(ctx, t.sessionID, t.Remaining())
	}
}

// StartTimer begins the countdown for a session. Starting a session that
// already has a live controller is a no-op.
func (svc *TimerService) StartTimer(userID, sessionID string, remaining int) {
	if remaining <= 0 {
		return
	}

	svc.mu.Lock()
	if existing, ok := svc.timers[sessionID]; ok && existing.State() == TimerRunning {
		svc.mu.Unlock()
		return
	}

	controller := NewTimerController(sessionID, remaining, TimerCallbacks{
		OnWarning: svc.onWarning,
		OnPersist: func(id string, left int) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			svc.persistSnapshot(ctx, id, left)
		},
		OnExpire: func(id string) {
			svc.onExpire(userID, id)
		},
	})
	svc.timers[sessionID] = controller
	svc.mu.Unlock()

	if !controller.start() {
		return
	}

	if svc.monitoringSvc != nil {
		svc.monitoringSvc.SetActiveTimers(svc.ActiveCount())
	}

	go svc.run(controller)

	log.Infof("Timer started for session %s with %ds remaining", sessionID, remaining)
}

func (svc *TimerService) run(t *TimerController) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if t.Tick() {
				svc.detach(t.sessionID)
				return
			}
		case <-t.done:
			svc.detach(t.sessionID)
			return
		}
	}
}

func (svc *TimerService) detach(sessionID string) {
	svc.mu.Lock()
	delete(svc.timers, sessionID)
	svc.mu.Unlock()

	if svc.monitoringSvc != nil {
		svc.monitoringSvc.SetActiveTimers(svc.ActiveCount())
	}
}

// StopTimer halts the countdown without completing the session, used when
// the session finishes normally or is cleared. Safe to call for sessions
// that have no live controller.
func (svc *TimerService) StopTimer(sessionID string) {
	svc.mu.Lock()
	controller, ok := svc.timers[sessionID]
	svc.mu.Unlock()
	if !ok {
		return
	}

	controller.Stop()
}

// EnsureRunning resurrects the countdown for a session that has none, after
// a restart. The persisted snapshot wins over the deadline when both exist;
// a session already past its deadline is handed straight to recovery.
func (svc *TimerService) EnsureRunning(ctx context.Context, session *model.AssessmentSession) {
	if session.Completed() {
		return
	}

	svc.mu.Lock()
	_, alive := svc.timers[session.ID]
	svc.mu.Unlock()
	if alive {
		return
	}

	remaining := int(time.Until(session.Deadline).Seconds())
	if snapshot, err := svc.snapshots.GetTimerSnapshot(ctx, session.ID); err != nil {
		log.Errorf("Failed to load timer snapshot for session %s: %v", session.ID, err)
	} else if snapshot != nil {
		remaining = snapshot.Remaining
	}

	if remaining <= 0 {
		go func() {
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := svc.recovery.ForceSubmit(subCtx, session.UserID, session.ID, shared.SubmitReasonTimer); err != nil {
				log.Errorf("Failed to force-submit overdue session %s: %v", session.ID, err)
			}
		}()
		return
	}

	svc.StartTimer(session.UserID, session.ID, remaining)
}

// Remaining reports the live countdown for a session, when one is running.
func (svc *TimerService) Remaining(sessionID string) (int, bool) {
	svc.mu.Lock()
	controller, ok := svc.timers[sessionID]
	svc.mu.Unlock()
	if !ok || controller.State() != TimerRunning {
		return 0, false
	}
	return controller.Remaining(), true
}

func (svc *TimerService) ActiveCount() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.timers)
}

func (svc *TimerService) onWarning(sessionID string, remaining int) {
	log.Infof("Session %s has %ds remaining", sessionID, remaining)
	if svc.monitoringSvc != nil {
		svc.monitoringSvc.RecordTimerWarning(remaining)
	}
}

func (svc *TimerService) onExpire(userID, sessionID string) {
	log.Infof("Session %s timer expired, forcing submission", sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svc.recovery.ForceSubmit(ctx, userID, sessionID, shared.SubmitReasonTimer); err != nil {
		log.Errorf("Forced submission for session %s failed: %v", sessionID, err)
	}
}

func (svc *TimerService) persistSnapshot(ctx context.Context, sessionID string, remaining int) {
	snapshot := &TimerSnapshot{
		SessionID: sessionID,
		Remaining: remaining,
		Deadline:  time.Now().Add(time.Duration(remaining) * time.Second),
		UpdatedAt: time.Now(),
	}
	if err := svc.snapshots.SaveTimerSnapshot(ctx, snapshot, timerSnapshotTTL); err != nil {
		log.Errorf("Failed to persist timer snapshot for session %s: %v", sessionID, err)
	}
}
