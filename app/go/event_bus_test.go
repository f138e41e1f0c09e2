package main

import "testing"

func TestNotificationQueuePushWithoutSubscriberQueues(t *testing.T) {
	q := newNotificationQueue(nil)

	delivered := q.Push(NotificationBody{RideID: "r1", Status: RideStatusMatching})
	if delivered {
		t.Fatalf("Push() without subscriber = delivered, want queued")
	}

	replay, _, cancel := q.Subscribe()
	defer cancel()
	if len(replay) != 1 || replay[0].RideID != "r1" {
		t.Fatalf("replay = %+v, want one event for r1", replay)
	}
}

func TestNotificationQueuePushWithSubscriberDeliversDirectly(t *testing.T) {
	q := newNotificationQueue(nil)
	replay, live, cancel := q.Subscribe()
	defer cancel()
	if len(replay) != 0 {
		t.Fatalf("replay on fresh subscribe = %+v, want empty", replay)
	}

	delivered := q.Push(NotificationBody{RideID: "r1", Status: RideStatusEnroute})
	if !delivered {
		t.Fatalf("Push() with attached subscriber = queued, want delivered")
	}

	select {
	case body := <-live:
		if body.RideID != "r1" {
			t.Errorf("live event = %+v, want RideID r1", body)
		}
	default:
		t.Fatalf("live channel has no pending event")
	}
}

func TestNotificationQueueReplayPreservesFIFOOrder(t *testing.T) {
	q := newNotificationQueue(nil)
	q.Push(NotificationBody{RideID: "r1", Status: RideStatusMatching})
	q.Push(NotificationBody{RideID: "r1", Status: RideStatusEnroute})
	q.Push(NotificationBody{RideID: "r1", Status: RideStatusPickup})

	replay, _, cancel := q.Subscribe()
	defer cancel()

	want := []RideStatus{RideStatusMatching, RideStatusEnroute, RideStatusPickup}
	if len(replay) != len(want) {
		t.Fatalf("len(replay) = %d, want %d", len(replay), len(want))
	}
	for i, status := range want {
		if replay[i].Status != status {
			t.Errorf("replay[%d].Status = %s, want %s", i, replay[i].Status, status)
		}
	}
}

func TestNotificationQueueSubscribeReplacesPreviousSubscriber(t *testing.T) {
	q := newNotificationQueue(nil)
	_, firstLive, firstCancel := q.Subscribe()
	defer firstCancel()

	_, secondLive, secondCancel := q.Subscribe()
	defer secondCancel()

	q.Push(NotificationBody{RideID: "r1", Status: RideStatusArrived})

	select {
	case <-firstLive:
		t.Fatalf("replaced subscriber should not receive new events")
	default:
	}
	select {
	case body := <-secondLive:
		if body.RideID != "r1" {
			t.Errorf("second subscriber got %+v, want RideID r1", body)
		}
	default:
		t.Fatalf("current subscriber did not receive the event")
	}
}

func TestNotificationHubLazilyCreatesQueuesAndReset(t *testing.T) {
	hub := NewNotificationHub()
	userQ := hub.UserQueue("u1")
	if hub.UserQueue("u1") != userQ {
		t.Fatalf("UserQueue() returned a different queue on second call")
	}

	userQ.Push(NotificationBody{RideID: "r1", Status: RideStatusMatching})
	hub.Reset()

	replay, _, cancel := hub.UserQueue("u1").Subscribe()
	defer cancel()
	if len(replay) != 0 {
		t.Fatalf("replay after Reset() = %+v, want empty", replay)
	}
}
