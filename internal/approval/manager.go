package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"garage-erm/internal/audit"
	"garage-erm/internal/lifecycle"
	"garage-erm/internal/store"
)

var (
	// ErrAlreadyPending is returned when the entry already has an open
	// approval request.
	ErrAlreadyPending = errors.New("an approval is already pending for this entry")
	// ErrInvalidMethod is returned for an unknown delivery method.
	ErrInvalidMethod = errors.New("invalid approval method")
	// ErrInvalidResolution is returned for a callback carrying a status
	// other than APPROVED or REJECTED.
	ErrInvalidResolution = errors.New("resolution must be APPROVED or REJECTED")
)

// Store is the slice of the persistent store the approval manager needs.
type Store interface {
	InsertApproval(ctx context.Context, approval *store.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*store.ApprovalRequest, error)
	FindPendingApprovalByEntry(ctx context.Context, entryID string) (*store.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, status store.ApprovalStatus, respondedAt time.Time, payload *string) (bool, error)
	FindExpiredPending(ctx context.Context, cutoff time.Time) ([]*store.ApprovalRequest, error)
	GetEntry(ctx context.Context, id string) (*store.VehicleEntry, error)
	UpdateEntryStatus(ctx context.Context, id string, from, to lifecycle.Status) error
}

// Config holds approval workflow tunables.
type Config struct {
	// Timeout is how long a request may stay PENDING before the sweeper
	// expires it.
	Timeout time.Duration
	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration
}

// Manager owns the approval workflow: creating requests, correlating
// asynchronous provider callbacks, and expiring requests that never got an
// answer. Resolution is idempotent; the store-level compare-and-swap picks
// exactly one winner when a callback races the sweeper.
type Manager struct {
	db       Store
	notifier Notifier
	recorder *audit.Recorder
	config   Config
	logger   *logrus.Entry

	// OnResolved, when set, is invoked after every won resolution. The API
	// layer uses it to push websocket events for resolutions that happen
	// off-request, such as sweeper expiries.
	OnResolved func(approval *store.ApprovalRequest, entry *store.VehicleEntry)

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewManager creates the approval manager.
func NewManager(db Store, notifier Notifier, recorder *audit.Recorder, config Config, logger *logrus.Logger) *Manager {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Manager{
		db:       db,
		notifier: notifier,
		recorder: recorder,
		config:   config,
		logger:   logger.WithField("component", "approval"),
	}
}

// RequestInput describes a new approval request.
type RequestInput struct {
	EntryID  string
	ClientID string
	Method   store.ApprovalMethod
	Actor    string
}

// Request opens an approval for an entry and moves the entry to
// AWAITING_APPROVAL. The entry transition happens first; losing the insert
// race to the pending-approval unique index then leaves the entry in a
// state consistent with the approval that beat us.
func (m *Manager) Request(ctx context.Context, input RequestInput) (*store.ApprovalRequest, error) {
	if input.EntryID == "" || input.ClientID == "" {
		return nil, errors.New("entryId and clientId are required")
	}
	if !input.Method.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, input.Method)
	}

	entry, err := m.db.GetEntry(ctx, input.EntryID)
	if err != nil {
		return nil, err
	}

	if _, err := m.db.FindPendingApprovalByEntry(ctx, entry.ID); err == nil {
		m.recorder.Record(ctx, audit.Event{
			Actor:       input.Actor,
			Action:      "approval_requested",
			SubjectType: "entry",
			SubjectID:   entry.ID,
			Result:      audit.ResultRejected,
			Detail: map[string]interface{}{
				"reason": "approval already pending",
			},
		})
		return nil, ErrAlreadyPending
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("pending approval check failed: %w", err)
	}

	// Manual entries are born AWAITING_APPROVAL; everything else must be
	// able to make the transition.
	if entry.Status != lifecycle.StatusAwaitingApproval {
		to, err := lifecycle.Next(entry.Status, lifecycle.TriggerRequestApproval)
		if err != nil {
			return nil, err
		}
		if err := m.db.UpdateEntryStatus(ctx, entry.ID, entry.Status, to); err != nil {
			return nil, err
		}
		entry.Status = to
	}

	approval := &store.ApprovalRequest{
		ID:       uuid.NewString(),
		EntryID:  entry.ID,
		ClientID: input.ClientID,
		Method:   input.Method,
		Status:   store.ApprovalPending,
		SentAt:   time.Now().UTC(),
	}

	if err := m.db.InsertApproval(ctx, approval); err != nil {
		if errors.Is(err, store.ErrPendingApprovalExists) {
			return nil, ErrAlreadyPending
		}
		return nil, err
	}

	if err := m.notifier.Notify(ctx, approval, entry); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"approval_id": approval.ID,
			"method":      approval.Method,
		}).Warn("Failed to deliver approval notification")
	}

	m.recorder.Record(ctx, audit.Event{
		Actor:       input.Actor,
		Action:      "approval_requested",
		SubjectType: "approval",
		SubjectID:   approval.ID,
		Result:      audit.ResultSuccess,
		Detail: map[string]interface{}{
			"entry_id":  entry.ID,
			"client_id": input.ClientID,
			"method":    string(input.Method),
		},
	})

	m.logger.WithFields(logrus.Fields{
		"approval_id": approval.ID,
		"entry_id":    entry.ID,
		"method":      approval.Method,
	}).Info("Approval requested")

	return approval, nil
}

// ResolveInput is an asynchronous provider callback, correlated by approval
// identifier. Outcome must be APPROVED or REJECTED.
type ResolveInput struct {
	ApprovalID string
	Outcome    store.ApprovalStatus
	Payload    string
	Actor      string
}

// Resolve applies a provider callback. Callbacks for an already-resolved
// approval are idempotent no-ops returning the stored resolution; late or
// duplicate deliveries never flip a terminal state.
func (m *Manager) Resolve(ctx context.Context, input ResolveInput) (*store.ApprovalRequest, error) {
	if input.Outcome != store.ApprovalApproved && input.Outcome != store.ApprovalRejected {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidResolution, input.Outcome)
	}

	approval, err := m.db.GetApproval(ctx, input.ApprovalID)
	if err != nil {
		return nil, err
	}
	if approval.Status.IsTerminal() {
		m.logger.WithFields(logrus.Fields{
			"approval_id": approval.ID,
			"status":      approval.Status,
		}).Debug("Callback for already-resolved approval ignored")
		return approval, nil
	}

	trigger := lifecycle.TriggerReject
	if input.Outcome == store.ApprovalApproved {
		trigger = lifecycle.TriggerApprove
	}

	resolved, err := m.resolve(ctx, approval, input.Outcome, trigger, input.Payload, input.Actor)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ExpireOpenForEntry closes the pending approval for an entry, if any. The
// exit path uses it so a vehicle leaving with an unanswered approval leaves
// the approval EXPIRED rather than dangling.
func (m *Manager) ExpireOpenForEntry(ctx context.Context, entryID string) error {
	approval, err := m.db.FindPendingApprovalByEntry(ctx, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = m.resolve(ctx, approval, store.ApprovalExpired, lifecycle.TriggerReject, "", "system")
	return err
}

// Get loads one approval.
func (m *Manager) Get(ctx context.Context, id string) (*store.ApprovalRequest, error) {
	return m.db.GetApproval(ctx, id)
}

// resolve is the single resolution path shared by callbacks, the expiry
// sweeper and the exit hook. The approval swap decides the winner; the entry
// transition follows, and is skipped when the entry has already exited.
func (m *Manager) resolve(ctx context.Context, approval *store.ApprovalRequest, status store.ApprovalStatus, trigger lifecycle.Trigger, payload, actor string) (*store.ApprovalRequest, error) {
	respondedAt := time.Now().UTC()
	var payloadRef *string
	if payload != "" {
		payloadRef = &payload
	}

	won, err := m.db.ResolveApproval(ctx, approval.ID, status, respondedAt, payloadRef)
	if err != nil {
		return nil, err
	}
	if !won {
		return m.db.GetApproval(ctx, approval.ID)
	}

	approval.Status = status
	approval.RespondedAt = &respondedAt
	approval.ResponsePayload = payloadRef

	entry, err := m.db.GetEntry(ctx, approval.EntryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry for resolved approval: %w", err)
	}

	if entry.Status == lifecycle.StatusAwaitingApproval {
		to, err := lifecycle.Next(entry.Status, trigger)
		if err != nil {
			return nil, err
		}
		if err := m.db.UpdateEntryStatus(ctx, entry.ID, entry.Status, to); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		entry.Status = to
	} else if entry.Status != lifecycle.StatusExited {
		m.logger.WithFields(logrus.Fields{
			"approval_id":  approval.ID,
			"entry_id":     entry.ID,
			"entry_status": entry.Status,
		}).Warn("Resolved approval for entry not awaiting approval")
	}

	result := audit.ResultSuccess
	if status != store.ApprovalApproved {
		result = audit.ResultRejected
	}
	m.recorder.Record(ctx, audit.Event{
		Actor:       actor,
		Action:      "approval_resolved",
		SubjectType: "approval",
		SubjectID:   approval.ID,
		Result:      result,
		Detail: map[string]interface{}{
			"entry_id":   approval.EntryID,
			"resolution": string(status),
		},
	})

	m.logger.WithFields(logrus.Fields{
		"approval_id": approval.ID,
		"entry_id":    approval.EntryID,
		"resolution":  status,
	}).Info("Approval resolved")

	if m.OnResolved != nil {
		m.OnResolved(approval, entry)
	}

	return approval, nil
}

// Start launches the expiry sweeper.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("approval sweeper already running")
	}

	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.running = true

	go m.sweepLoop()

	m.logger.WithFields(logrus.Fields{
		"timeout":        m.config.Timeout,
		"sweep_interval": m.config.SweepInterval,
	}).Info("Approval expiry sweeper started")

	return nil
}

// Stop halts the sweeper and waits for the loop to drain.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	close(m.stopCh)
	<-m.stoppedCh
	m.running = false

	m.logger.Info("Approval expiry sweeper stopped")
	return nil
}

func (m *Manager) sweepLoop() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SweepExpired(context.Background())
		}
	}
}

// SweepExpired expires every approval that has been pending longer than the
// configured timeout. Expiry flags the entry for operator attention.
func (m *Manager) SweepExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.config.Timeout)

	expired, err := m.db.FindExpiredPending(ctx, cutoff)
	if err != nil {
		m.logger.WithError(err).Error("Failed to query expired approvals")
		return
	}

	for _, approval := range expired {
		if _, err := m.resolve(ctx, approval, store.ApprovalExpired, lifecycle.TriggerReject, "", "system"); err != nil {
			m.logger.WithError(err).WithField("approval_id", approval.ID).Error("Failed to expire approval")
		}
	}

	if len(expired) > 0 {
		m.logger.WithField("count", len(expired)).Info("Expired stale approvals")
	}
}
