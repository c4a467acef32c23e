package broker

import (
	"testing"
	"time"

	"github.com/harborctl/harborctl/internal/domain"
)

func TestContainerEventBusFanOut(t *testing.T) {
	b := NewContainerEventBus()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(domain.ContainerEvent{ContainerID: "abc", Action: "start"})

	for _, ch := range []<-chan domain.ContainerEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.ContainerID != "abc" {
				t.Fatalf("container id = %q, want abc", evt.ContainerID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestContainerEventBusCancelClosesChannel(t *testing.T) {
	b := NewContainerEventBus()
	ch, cancel := b.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestContainerEventBusDropsOnFullBuffer(t *testing.T) {
	b := NewContainerEventBus()
	_, cancel := b.Subscribe() // never drained
	defer cancel()

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(domain.ContainerEvent{ContainerID: "x"})
	}
	// No assertion beyond "does not block" — a blocking publish would hang
	// the test via the select/default pattern under test.
}

func TestEnvStatusBusFanOut(t *testing.T) {
	b := NewEnvStatusBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(domain.EnvStatus{EnvironmentID: "e1", Online: true})

	select {
	case evt := <-ch:
		if !evt.Online {
			t.Fatal("expected online=true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status")
	}
}
