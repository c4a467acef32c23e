package supervisor

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/harborctl/harborctl/internal/domain"
)

func TestChildEmitterRoundTripsContainerEvent(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewChildEmitter(&buf)
	adapter := EventPublisherAdapter{Emitter: emitter}

	adapter.Publish(domain.ContainerEvent{ContainerID: "c1", Action: "start"})

	var msg ipcMessage
	if err := json.Unmarshal(buf.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != ipcTypeEvent || msg.ContainerEvt == nil || msg.ContainerEvt.ContainerID != "c1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestChildEmitterRoundTripsEnvStatus(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewChildEmitter(&buf)
	adapter := StatusPublisherAdapter{Emitter: emitter}

	adapter.Publish(domain.EnvStatus{EnvironmentID: "e1", Online: true})

	var msg ipcMessage
	if err := json.Unmarshal(buf.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != ipcTypeEnvStatus || msg.EnvStatus == nil || !msg.EnvStatus.Online {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
