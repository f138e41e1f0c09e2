package main

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NotificationBody is the event carried through a user/chair queue.
type NotificationBody struct {
	RideID       string
	RideStatusID string
	Status       RideStatus
}

var chairStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "chair_status",
	Help: "number of chairs whose latest pushed ride status is this value",
}, []string{"status"})

var userStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "user_status",
	Help: "number of users whose latest pushed ride status is this value",
}, []string{"status"})

// notificationQueue is a FIFO of pending NotificationBody with at most
// one live subscriber (§4.F). A detached subscriber is treated as "not
// delivered" (§9): cancel clears sub under the queue lock, so a Push
// after detach queues the event instead. The channel itself is never
// closed.
type notificationQueue struct {
	mu      sync.Mutex
	pending []NotificationBody
	sub     chan NotificationBody
	gauge   *prometheus.GaugeVec
	last    RideStatus
}

func newNotificationQueue(gauge *prometheus.GaugeVec) *notificationQueue {
	return &notificationQueue{gauge: gauge}
}

// Push hands the event directly to a live subscriber when there is
// capacity, else appends it to the pending queue. Returns true iff the
// event was delivered synchronously (caller must mark *_sent_at).
func (q *notificationQueue) Push(b NotificationBody) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.observe(b.Status)

	if q.sub != nil {
		select {
		case q.sub <- b:
			return true
		default:
		}
	}
	q.pending = append(q.pending, b)
	return false
}

func (q *notificationQueue) observe(status RideStatus) {
	if q.gauge == nil {
		return
	}
	if q.last != "" {
		q.gauge.WithLabelValues(string(q.last)).Dec()
	}
	q.gauge.WithLabelValues(string(status)).Inc()
	q.last = status
}

// Subscribe attaches a new live subscriber, replacing any previous one
// (there is at most one open SSE connection per entity). It returns the
// replay slice (queued events, oldest first) plus the live channel and
// a cancel func the caller must invoke on disconnect.
func (q *notificationQueue) Subscribe() (replay []NotificationBody, live <-chan NotificationBody, cancel func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	replay = q.pending
	q.pending = nil

	ch := make(chan NotificationBody, 16)
	q.sub = ch

	cancel = func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.sub == ch {
			q.sub = nil
		}
	}
	return replay, ch, cancel
}

// NotificationHub owns the per-user and per-chair notificationQueue
// sets, lazily creating one the first time either side is addressed.
type NotificationHub struct {
	usersMu sync.Mutex
	users   map[string]*notificationQueue

	chairsMu sync.Mutex
	chairs   map[string]*notificationQueue
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		users:  make(map[string]*notificationQueue),
		chairs: make(map[string]*notificationQueue),
	}
}

func (h *NotificationHub) UserQueue(userID string) *notificationQueue {
	h.usersMu.Lock()
	defer h.usersMu.Unlock()
	q, ok := h.users[userID]
	if !ok {
		q = newNotificationQueue(userStatusGauge)
		h.users[userID] = q
	}
	return q
}

func (h *NotificationHub) ChairQueue(chairID string) *notificationQueue {
	h.chairsMu.Lock()
	defer h.chairsMu.Unlock()
	q, ok := h.chairs[chairID]
	if !ok {
		q = newNotificationQueue(chairStatusGauge)
		h.chairs[chairID] = q
	}
	return q
}

func (h *NotificationHub) Reset() {
	h.usersMu.Lock()
	h.users = make(map[string]*notificationQueue)
	h.usersMu.Unlock()

	h.chairsMu.Lock()
	h.chairs = make(map[string]*notificationQueue)
	h.chairsMu.Unlock()
}
