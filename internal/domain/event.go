package domain

import (
	"errors"
	"strings"
)

const (
	ResourceStateExists    = "exists"
	ResourceStateNotExists = "not_exists"

	// InitialMetageneration marks the first write of an object. Any higher
	// value is a metadata-only update.
	InitialMetageneration = "1"

	TriggerCloudEvent = "cloudevent"
	TriggerGCSPubSub  = "gcs_pubsub"
	TriggerMinIO      = "minio"
	TriggerAMQP       = "amqp"

	SkipReasonDeleted         = "deleted"
	SkipReasonMetadataUpdate  = "metadata_update"
	SkipReasonDerivedArtifact = "derived_artifact"
)

// ObjectEvent is an object creation, update or deletion notification
// normalized from whichever trigger delivered it.
type ObjectEvent struct {
	Bucket         string `json:"bucket"`
	Name           string `json:"name"`
	ResourceState  string `json:"resource_state,omitempty"`
	Metageneration string `json:"metageneration,omitempty"`
	Generation     string `json:"generation,omitempty"`
	Trigger        string `json:"trigger,omitempty"`
}

func (e ObjectEvent) Validate() error {
	if strings.TrimSpace(e.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("object name is required")
	}
	return nil
}

// SkipReason returns why the event must not be processed, or "" when it
// describes a freshly created source image.
func (e ObjectEvent) SkipReason() string {
	switch {
	case e.ResourceState == ResourceStateNotExists:
		return SkipReasonDeleted
	case e.Metageneration != InitialMetageneration:
		return SkipReasonMetadataUpdate
	case strings.HasSuffix(e.Name, ArtifactSuffix):
		return SkipReasonDerivedArtifact
	default:
		return ""
	}
}

// TaskID is a dedupe key for queue backends. Empty when the trigger did
// not report an object generation.
func (e ObjectEvent) TaskID() string {
	if e.Generation == "" {
		return ""
	}
	return e.Bucket + "/" + e.Name + "@" + e.Generation
}
