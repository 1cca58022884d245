package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"garage-erm/internal/dedup"
	"garage-erm/internal/store"
)

// MonitorStore is the slice of the persistent store the monitor needs.
type MonitorStore interface {
	FindStaleCameras(ctx context.Context, cutoff time.Time) ([]*store.CameraRecord, error)
	MarkCameraOffline(ctx context.Context, id string, cutoff time.Time) (bool, error)
	InsertAlert(ctx context.Context, alert *store.Alert) error
}

// MonitorConfig holds liveness monitor tunables.
type MonitorConfig struct {
	// Interval is how often the monitor sweeps the registry.
	Interval time.Duration
	// OfflineThreshold is how long a camera may stay silent before it is
	// considered offline.
	OfflineThreshold time.Duration
	// AlertWindow suppresses repeated offline alerts for the same camera.
	AlertWindow time.Duration
}

// Monitor periodically sweeps the camera registry and flips silent cameras
// to offline. The offline swap is conditional on last_seen so a heartbeat
// racing the sweep wins by timestamp.
type Monitor struct {
	db        MonitorStore
	config    MonitorConfig
	alertGate dedup.Gate
	logger    *logrus.Entry

	// OnOffline, when set, is invoked for every camera the sweep flips.
	OnOffline func(camera *store.CameraRecord, alert *store.Alert)

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewMonitor creates the liveness monitor.
func NewMonitor(db MonitorStore, config MonitorConfig, logger *logrus.Logger) *Monitor {
	return &Monitor{
		db:        db,
		config:    config,
		alertGate: dedup.NewMemoryGate(config.AlertWindow),
		logger:    logger.WithField("component", "camera_monitor"),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("camera monitor already running")
	}

	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.running = true

	go m.sweepLoop()

	m.logger.WithFields(logrus.Fields{
		"interval":          m.config.Interval,
		"offline_threshold": m.config.OfflineThreshold,
	}).Info("Camera monitor started")

	return nil
}

// Stop halts the monitor and waits for the loop to drain.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	close(m.stopCh)
	<-m.stoppedCh
	m.running = false

	m.logger.Info("Camera monitor stopped")
	return nil
}

func (m *Monitor) sweepLoop() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep runs one monitoring pass.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-m.config.OfflineThreshold)

	stale, err := m.db.FindStaleCameras(ctx, cutoff)
	if err != nil {
		m.logger.WithError(err).Error("Failed to query stale cameras")
		return
	}

	for _, cam := range stale {
		flipped, err := m.db.MarkCameraOffline(ctx, cam.ID, cutoff)
		if err != nil {
			m.logger.WithError(err).WithField("camera_id", cam.ID).Error("Failed to mark camera offline")
			continue
		}
		if !flipped {
			// A heartbeat landed between the query and the swap.
			continue
		}

		cam.Status = store.CameraOffline

		lastSeen := "never"
		if cam.LastSeen != nil {
			lastSeen = cam.LastSeen.Format(time.RFC3339)
		}

		m.logger.WithFields(logrus.Fields{
			"camera_id": cam.ID,
			"name":      cam.Name,
			"last_seen": lastSeen,
		}).Warn("Camera offline")

		alert := m.raiseOfflineAlert(ctx, cam, lastSeen, now)

		if m.OnOffline != nil {
			m.OnOffline(cam, alert)
		}
	}
}

// raiseOfflineAlert persists the critical alert unless one was already
// raised for this camera inside the alert window.
func (m *Monitor) raiseOfflineAlert(ctx context.Context, cam *store.CameraRecord, lastSeen string, now time.Time) *store.Alert {
	admitted, err := m.alertGate.Admit(ctx, cam.ID, now)
	if err != nil || !admitted {
		return nil
	}

	alert := &store.Alert{
		ID:          uuid.NewString(),
		SubjectType: store.SubjectCamera,
		SubjectID:   cam.ID,
		Type:        store.AlertCameraOffline,
		Severity:    store.SeverityCritical,
		Message:     fmt.Sprintf("camera %s offline, last seen %s", cam.Name, lastSeen),
		CreatedAt:   now,
	}

	if err := m.db.InsertAlert(ctx, alert); err != nil {
		m.logger.WithError(err).WithField("camera_id", cam.ID).Error("Failed to persist offline alert")
		return nil
	}

	return alert
}
