package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"garage-erm/internal/audit"
	"garage-erm/internal/store"
)

// ErrMissingName is returned when registering a camera without a name.
var ErrMissingName = errors.New("camera name is required")

// Store is the slice of the persistent store the camera service needs.
type Store interface {
	InsertCamera(ctx context.Context, camera *store.CameraRecord) error
	GetCamera(ctx context.Context, id string) (*store.CameraRecord, error)
	ListCameras(ctx context.Context) ([]*store.CameraRecord, error)
	UpdateCamera(ctx context.Context, camera *store.CameraRecord) error
	DeleteCamera(ctx context.Context, id string) error
	RecordHeartbeat(ctx context.Context, id string, seenAt time.Time) error
	FindCameraByAPIKey(ctx context.Context, apiKey string) (*store.CameraRecord, error)
	InsertAlert(ctx context.Context, alert *store.Alert) error
	ResolveAlerts(ctx context.Context, subjectType store.SubjectType, subjectID string, alertType store.AlertType) (int64, error)
}

// Service manages the camera registry and the heartbeat ingest path.
type Service struct {
	db       Store
	recorder *audit.Recorder
	logger   *logrus.Entry

	// OnRecovered, when set, is invoked after a heartbeat flips a camera
	// back from offline.
	OnRecovered func(camera *store.CameraRecord)
}

// NewService creates the camera service.
func NewService(db Store, recorder *audit.Recorder, logger *logrus.Logger) *Service {
	return &Service{
		db:       db,
		recorder: recorder,
		logger:   logger.WithField("component", "camera"),
	}
}

// RegisterInput describes a new camera.
type RegisterInput struct {
	Name    string
	Address string
	APIKey  string
	Actor   string
}

// Register adds a camera to the registry in the unknown liveness state.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*store.CameraRecord, error) {
	if input.Name == "" {
		return nil, ErrMissingName
	}

	camera := &store.CameraRecord{
		ID:      uuid.NewString(),
		Name:    input.Name,
		Status:  store.CameraUnknown,
		Address: input.Address,
		APIKey:  input.APIKey,
	}

	if err := s.db.InsertCamera(ctx, camera); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:       input.Actor,
		Action:      "camera_registered",
		SubjectType: "camera",
		SubjectID:   camera.ID,
		Result:      audit.ResultSuccess,
		Detail:      map[string]interface{}{"name": camera.Name},
	})

	s.logger.WithFields(logrus.Fields{
		"camera_id": camera.ID,
		"name":      camera.Name,
	}).Info("Camera registered")

	return camera, nil
}

// Get loads one camera.
func (s *Service) Get(ctx context.Context, id string) (*store.CameraRecord, error) {
	return s.db.GetCamera(ctx, id)
}

// List returns all registered cameras.
func (s *Service) List(ctx context.Context) ([]*store.CameraRecord, error) {
	return s.db.ListCameras(ctx)
}

// UpdateInput carries the mutable camera fields. Nil pointers leave the
// stored value unchanged.
type UpdateInput struct {
	Name    *string
	Address *string
	APIKey  *string
	Actor   string
}

// Update changes a camera's display name or connectivity metadata.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (*store.CameraRecord, error) {
	camera, err := s.db.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if *input.Name == "" {
			return nil, ErrMissingName
		}
		camera.Name = *input.Name
	}
	if input.Address != nil {
		camera.Address = *input.Address
	}
	if input.APIKey != nil {
		camera.APIKey = *input.APIKey
	}

	if err := s.db.UpdateCamera(ctx, camera); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:       input.Actor,
		Action:      "camera_updated",
		SubjectType: "camera",
		SubjectID:   camera.ID,
		Result:      audit.ResultSuccess,
	})

	return camera, nil
}

// Delete removes a camera registration.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	if err := s.db.DeleteCamera(ctx, id); err != nil {
		return err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:       actor,
		Action:      "camera_deleted",
		SubjectType: "camera",
		SubjectID:   id,
		Result:      audit.ResultSuccess,
	})

	return nil
}

// Heartbeat records a liveness signal. A heartbeat from an offline camera
// brings it back online and resolves the open offline alert.
func (s *Service) Heartbeat(ctx context.Context, id string, seenAt time.Time) (*store.CameraRecord, error) {
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	before, err := s.db.GetCamera(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.db.RecordHeartbeat(ctx, id, seenAt); err != nil {
		return nil, err
	}

	if before.Status == store.CameraOffline {
		resolved, err := s.db.ResolveAlerts(ctx, store.SubjectCamera, id, store.AlertCameraOffline)
		if err != nil {
			s.logger.WithError(err).WithField("camera_id", id).Error("Failed to resolve offline alerts")
		} else if resolved > 0 {
			s.logger.WithFields(logrus.Fields{
				"camera_id": id,
				"resolved":  resolved,
			}).Info("Camera back online, offline alerts resolved")
		}

		s.recorder.Record(ctx, audit.Event{
			Actor:       "camera:" + id,
			Action:      "camera_recovered",
			SubjectType: "camera",
			SubjectID:   id,
			Result:      audit.ResultSuccess,
		})

		if s.OnRecovered != nil {
			if after, err := s.db.GetCamera(ctx, id); err == nil {
				s.OnRecovered(after)
			}
		}
	}

	return s.db.GetCamera(ctx, id)
}

// Redact strips connectivity secrets for API responses.
func Redact(camera *store.CameraRecord) *store.CameraRecord {
	clone := *camera
	clone.APIKey = ""
	if clone.Address != "" {
		clone.Address = "redacted"
	}
	return &clone
}

// ValidateAPIKey resolves a camera-presented key, for the camera-facing
// authentication path.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*store.CameraRecord, error) {
	camera, err := s.db.FindCameraByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("unknown camera key: %w", err)
	}
	return camera, nil
}
