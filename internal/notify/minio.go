package notify

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/dunamismax/thumbdata/internal/domain"
)

// MinIO bucket notification payloads follow the S3 event record layout.
type minioNotification struct {
	EventName string        `json:"EventName"`
	Key       string        `json:"Key"`
	Records   []minioRecord `json:"Records"`
}

type minioRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			VersionID string `json:"versionId"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseMinIO decodes a MinIO notification into one event per record.
// Creation events count as the first metadata generation; removals map to
// a missing resource. Object keys arrive URL-encoded.
func ParseMinIO(body []byte, trigger string) ([]domain.ObjectEvent, error) {
	var n minioNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, malformed("minio notification", err)
	}
	if len(n.Records) == 0 {
		return nil, malformed("minio notification", fmt.Errorf("no records"))
	}

	events := make([]domain.ObjectEvent, 0, len(n.Records))
	for i, rec := range n.Records {
		name, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, malformed("minio record", fmt.Errorf("record %d key: %w", i, err))
		}

		evt := domain.ObjectEvent{
			Bucket:     rec.S3.Bucket.Name,
			Name:       name,
			Generation: firstNonEmpty(rec.S3.Object.VersionID, rec.S3.Object.Sequencer),
			Trigger:    trigger,
		}

		eventName := strings.TrimPrefix(rec.EventName, "s3:")
		switch {
		case strings.HasPrefix(eventName, "ObjectCreated:"):
			evt.ResourceState = domain.ResourceStateExists
			evt.Metageneration = domain.InitialMetageneration
		case strings.HasPrefix(eventName, "ObjectRemoved:"):
			evt.ResourceState = domain.ResourceStateNotExists
		default:
			// Access, replication and lifecycle events never carry new pixels.
			evt.ResourceState = domain.ResourceStateExists
		}

		if err := evt.Validate(); err != nil {
			return nil, malformed("minio record", fmt.Errorf("record %d: %w", i, err))
		}
		events = append(events, evt)
	}
	return events, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
