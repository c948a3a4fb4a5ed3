package eventbus

import (
	"fmt"
	"strconv"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ToCloudEvent converts a bus event into a CloudEvents v1 envelope for
// interchange with external systems. The bus id travels as the CloudEvent
// id; the correlation id, when set, becomes the "correlationid" extension.
func ToCloudEvent(event Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetID(strconv.FormatUint(event.ID, 10))
	ce.SetType(event.Type)
	ce.SetSource(event.Source)
	ce.SetTime(event.Timestamp)
	if event.CorrelationID != "" {
		ce.SetExtension("correlationid", event.CorrelationID)
	}
	if event.Payload != nil {
		if err := ce.SetData(cloudevents.ApplicationJSON, event.Payload); err != nil {
			return ce, fmt.Errorf("encoding payload of event %d: %w", event.ID, err)
		}
	}
	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("CloudEvent validation failed for event %d: %w", event.ID, err)
	}
	return ce, nil
}
