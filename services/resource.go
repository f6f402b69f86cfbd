package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// blobStore is the slice of MinIOService the resource layer uses.
type blobStore interface {
	UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) error
	DownloadBytes(ctx context.Context, objectName string) ([]byte, error)
	RemoveObject(ctx context.Context, objectName string) error
	ListObjectStats(ctx context.Context, prefix string) ([]ObjectStat, error)
}

// artifactStore is the slice of PostgresService the resource layer uses.
type artifactStore interface {
	CreateResourceArtifact(artifact *model.ResourceArtifact) (*model.ResourceArtifact, error)
	GetResourceArtifact(artifactID string) (*model.ResourceArtifact, error)
	DeleteResourceArtifact(artifactID string) error
	GetSessionArtifacts(sessionID string) ([]model.ResourceArtifact, error)
	GetStageArtifacts(sessionID, stageTag string) ([]model.ResourceArtifact, error)
	GetExpiredArtifacts(now time.Time) ([]model.ResourceArtifact, error)
	GetTrackedObjectNames() ([]string, error)
	IsNotFound(err error) bool
}

// ResourceService tracks transient per-session artifacts (synthesized audio,
// mostly). Every byte in the bucket is owned by exactly one tracking record;
// reads go through the record so ownership is always enforced, and the sweeps
// reconcile the two sides whenever a crash leaves them out of step.
type ResourceService struct {
	appContext.DefaultService

	sqlSvc        *PostgresService
	minioSvc      *MinIOService
	monitoringSvc *MonitoringService

	blobs   blobStore
	records artifactStore

	sweepInterval time.Duration
	done          chan struct{}
}

const RESOURCE_SVC = "resource_svc"

// Objects younger than this may not have a tracking record committed yet
// (upload happens before the insert), so the orphan sweep skips them.
const orphanGracePeriod = 15 * time.Minute

func (svc ResourceService) Id() string {
	return RESOURCE_SVC
}

func (svc *ResourceService) Configure(ctx *appContext.Context) error {
	sweepMinutes := 30
	if v := os.Getenv("SWEEP_INTERVAL_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			sweepMinutes = parsed
		}
	}
	svc.sweepInterval = time.Duration(sweepMinutes) * time.Minute
	svc.done = make(chan struct{})

	return svc.DefaultService.Configure(ctx)
}

func (svc *ResourceService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)
	svc.minioSvc = svc.Service(MINIO_SVC).(*MinIOService)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	svc.blobs = svc.minioSvc
	svc.records = svc.sqlSvc

	go svc.sweepLoop()

	log.Infof("Resource service started, sweep interval %s", svc.sweepInterval)
	return nil
}

func (svc *ResourceService) Shutdown() {
	close(svc.done)
}

// ==================== Store / Read / Delete ====================

// Store uploads the payload and registers a tracking record for it. The
// record carries the 1h expiry; if the insert fails the freshly uploaded
// object is removed again so the bucket never holds untracked bytes longer
// than the crash window.
func (svc *ResourceService) Store(ctx context.Context, userID, sessionID, stageTag string, data []byte, contentType string) (*model.ResourceArtifact, error) {
	if len(data) == 0 {
		return nil, shared.NewBadRequestError(nil, "Empty resource payload")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to generate resource ID")
	}

	objectName := fmt.Sprintf("artifacts/%s/%s/%s%s", sessionID, stageTag, id.String(), extensionFor(contentType))

	if err := svc.blobs.UploadBytes(ctx, objectName, data, contentType); err != nil {
		return nil, shared.NewInternalError(err, "Failed to store resource")
	}

	artifact := &model.ResourceArtifact{
		ID:          id.String(),
		UserID:      userID,
		SessionID:   sessionID,
		StageTag:    stageTag,
		ObjectName:  objectName,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}

	created, err := svc.records.CreateResourceArtifact(artifact)
	if err != nil {
		if cleanupErr := svc.blobs.RemoveObject(ctx, objectName); cleanupErr != nil {
			log.Errorf("Failed to remove object %s after record failure: %v", objectName, cleanupErr)
		}
		return nil, err
	}

	return created, nil
}

// Read returns the payload for an artifact the caller owns. A missing record,
// an expired record and a record owned by someone else all come back as the
// same not-found error; callers cannot probe for other users' artifacts.
func (svc *ResourceService) Read(ctx context.Context, artifactID, userID string) ([]byte, string, error) {
	artifact, err := svc.records.GetResourceArtifact(artifactID)
	if err != nil {
		if svc.records.IsNotFound(err) {
			return nil, "", shared.NewNotFoundError(nil, "Resource not found")
		}
		return nil, "", svc.sqlSvc.HandleError(err)
	}

	if artifact.UserID != userID || artifact.Expired() {
		return nil, "", shared.NewNotFoundError(nil, "Resource not found")
	}

	data, err := svc.blobs.DownloadBytes(ctx, artifact.ObjectName)
	if err != nil {
		log.Errorf("Artifact %s has no backing object %s: %v", artifact.ID, artifact.ObjectName, err)
		return nil, "", shared.NewNotFoundError(nil, "Resource not found")
	}

	return data, artifact.ContentType, nil
}

// Delete removes the artifact and its object. Deleting something already
// gone succeeds; completion purges and explicit clears race each other and
// both must win.
func (svc *ResourceService) Delete(ctx context.Context, artifactID string) error {
	artifact, err := svc.records.GetResourceArtifact(artifactID)
	if err != nil {
		if svc.records.IsNotFound(err) {
			return nil
		}
		return svc.sqlSvc.HandleError(err)
	}

	return svc.remove(ctx, artifact)
}

// remove drops the object first, then the record. If the record delete fails
// the next expiry sweep retries it; if the object delete fails the record is
// kept so the object stays tracked.
func (svc *ResourceService) remove(ctx context.Context, artifact *model.ResourceArtifact) error {
	if err := svc.blobs.RemoveObject(ctx, artifact.ObjectName); err != nil {
		log.Errorf("Failed to remove object %s: %v", artifact.ObjectName, err)
		return shared.NewInternalError(err, "Failed to delete resource")
	}

	if err := svc.records.DeleteResourceArtifact(artifact.ID); err != nil {
		log.Errorf("Failed to delete artifact record %s: %v", artifact.ID, err)
		return err
	}

	return nil
}

// ==================== Bulk purges ====================

// PurgeStage drops every artifact a stage produced, called once the stage
// is completed and its content can no longer be requested.
func (svc *ResourceService) PurgeStage(ctx context.Context, sessionID, stageTag string) error {
	artifacts, err := svc.records.GetStageArtifacts(sessionID, stageTag)
	if err != nil {
		return err
	}

	for i := range artifacts {
		if err := svc.remove(ctx, &artifacts[i]); err != nil {
			return err
		}
	}

	return nil
}

// PurgeSession drops every artifact the session still tracks, called on
// final completion and on explicit clears.
func (svc *ResourceService) PurgeSession(ctx context.Context, sessionID string) error {
	artifacts, err := svc.records.GetSessionArtifacts(sessionID)
	if err != nil {
		return err
	}

	for i := range artifacts {
		if err := svc.remove(ctx, &artifacts[i]); err != nil {
			return err
		}
	}

	return nil
}

// ==================== Sweeps ====================

func (svc *ResourceService) sweepLoop() {
	ticker := time.NewTicker(svc.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			svc.runSweeps(ctx)
			cancel()
		case <-svc.done:
			return
		}
	}
}

func (svc *ResourceService) runSweeps(ctx context.Context) {
	if deleted, err := svc.SweepExpired(ctx); err != nil {
		log.Errorf("Expiry sweep failed: %v", err)
	} else if deleted > 0 {
		log.Infof("Expiry sweep removed %d artifacts", deleted)
	}

	if deleted, err := svc.SweepOrphaned(ctx); err != nil {
		log.Errorf("Orphan sweep failed: %v", err)
	} else if deleted > 0 {
		log.Infof("Orphan sweep removed %d untracked objects", deleted)
	}
}

// SweepExpired removes every artifact whose TTL has lapsed, object first so
// a partial failure leaves the record behind for the next pass.
func (svc *ResourceService) SweepExpired(ctx context.Context) (int, error) {
	expired, err := svc.records.GetExpiredArtifacts(time.Now())
	if err != nil {
		return 0, err
	}

	deleted := 0
	for i := range expired {
		if err := svc.remove(ctx, &expired[i]); err != nil {
			log.Errorf("Expiry sweep skipping artifact %s: %v", expired[i].ID, err)
			continue
		}
		deleted++
	}

	if svc.monitoringSvc != nil && deleted > 0 {
		svc.monitoringSvc.RecordSweepDeletions("expired", deleted)
	}

	return deleted, nil
}

// SweepOrphaned removes physical objects no tracking record claims. The
// tracked set is read after the bucket listing, so any record committed
// mid-sweep still protects its object; the grace period covers uploads whose
// insert has not landed yet.
func (svc *ResourceService) SweepOrphaned(ctx context.Context) (int, error) {
	stats, err := svc.blobs.ListObjectStats(ctx, "artifacts/")
	if err != nil {
		return 0, err
	}

	tracked, err := svc.records.GetTrackedObjectNames()
	if err != nil {
		return 0, err
	}

	claimed := make(map[string]struct{}, len(tracked))
	for _, name := range tracked {
		claimed[name] = struct{}{}
	}

	deleted := 0
	for _, stat := range stats {
		if _, ok := claimed[stat.Name]; ok {
			continue
		}
		if time.Since(stat.LastModified) < orphanGracePeriod {
			continue
		}
		if err := svc.blobs.RemoveObject(ctx, stat.Name); err != nil {
			log.Errorf("Orphan sweep failed to remove %s: %v", stat.Name, err)
			continue
		}
		deleted++
	}

	if svc.monitoringSvc != nil && deleted > 0 {
		svc.monitoringSvc.RecordSweepDeletions("orphaned", deleted)
	}

	return deleted, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "application/json":
		return ".json"
	default:
		return ""
	}
}
