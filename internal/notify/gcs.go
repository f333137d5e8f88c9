// Package notify decodes storage change notifications from the supported
// transports into domain.ObjectEvent values.
package notify

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dunamismax/thumbdata/internal/domain"
)

// GCS notification event types delivered as Pub/Sub attributes.
const (
	GCSObjectFinalize       = "OBJECT_FINALIZE"
	GCSObjectMetadataUpdate = "OBJECT_METADATA_UPDATE"
	GCSObjectDelete         = "OBJECT_DELETE"
	GCSObjectArchive        = "OBJECT_ARCHIVE"
)

// GCSObject is the subset of the storage#object resource the pipeline
// needs. Generation fields are int64 values the JSON API renders as
// strings; some emulators send numbers instead.
type GCSObject struct {
	Bucket         string     `json:"bucket"`
	Name           string     `json:"name"`
	Generation     flexString `json:"generation"`
	Metageneration flexString `json:"metageneration"`
	ContentType    string     `json:"contentType,omitempty"`
	Size           flexString `json:"size,omitempty"`
	// ResourceState is only present in legacy background-function
	// payloads, where deletions arrive as "not_exists".
	ResourceState string `json:"resourceState,omitempty"`
}

type pubSubPush struct {
	Message struct {
		Attributes map[string]string `json:"attributes"`
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ParseGCS accepts either a Pub/Sub push envelope or a bare object
// resource.
func ParseGCS(body []byte) (domain.ObjectEvent, error) {
	var probe struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return domain.ObjectEvent{}, malformed("gcs notification", err)
	}
	if len(probe.Message) > 0 {
		return ParsePubSubPush(body)
	}
	return ParseGCSObject(body)
}

// ParseGCSObject decodes a storage#object resource. The object is taken to
// exist unless the payload says otherwise.
func ParseGCSObject(body []byte) (domain.ObjectEvent, error) {
	var obj GCSObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return domain.ObjectEvent{}, malformed("gcs object", err)
	}

	state := domain.ResourceStateExists
	if obj.ResourceState != "" {
		state = obj.ResourceState
	}
	evt := obj.event(state, domain.TriggerGCSPubSub)
	if err := evt.Validate(); err != nil {
		return domain.ObjectEvent{}, malformed("gcs object", err)
	}
	return evt, nil
}

// ParsePubSubPush decodes a Pub/Sub push delivery of a GCS notification.
// The eventType attribute decides the resource state; the object resource
// in data, when present, supplies the generations.
func ParsePubSubPush(body []byte) (domain.ObjectEvent, error) {
	var push pubSubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return domain.ObjectEvent{}, malformed("pubsub push", err)
	}

	attrs := push.Message.Attributes
	obj := GCSObject{
		Bucket:     attrs["bucketId"],
		Name:       attrs["objectId"],
		Generation: flexString(attrs["objectGeneration"]),
	}

	if data := strings.TrimSpace(push.Message.Data); data != "" {
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return domain.ObjectEvent{}, malformed("pubsub data", err)
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return domain.ObjectEvent{}, malformed("pubsub data", err)
		}
	}

	eventType := attrs["eventType"]
	state := domain.ResourceStateExists
	switch eventType {
	case GCSObjectDelete, GCSObjectArchive:
		state = domain.ResourceStateNotExists
	case GCSObjectFinalize:
		if obj.Metageneration == "" {
			obj.Metageneration = domain.InitialMetageneration
		}
	case GCSObjectMetadataUpdate:
	default:
		return domain.ObjectEvent{}, malformed("pubsub push", fmt.Errorf("unsupported eventType %q", eventType))
	}

	evt := obj.event(state, domain.TriggerGCSPubSub)
	if err := evt.Validate(); err != nil {
		return domain.ObjectEvent{}, malformed("pubsub push", err)
	}
	return evt, nil
}

func (o GCSObject) event(state, trigger string) domain.ObjectEvent {
	return domain.ObjectEvent{
		Bucket:         o.Bucket,
		Name:           o.Name,
		ResourceState:  state,
		Metageneration: string(o.Metageneration),
		Generation:     string(o.Generation),
		Trigger:        trigger,
	}
}

// flexString decodes a JSON string or number into its textual form.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("expected integer, got %s", n)
	}
	*f = flexString(n.String())
	return nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidInput, what, err)
}
