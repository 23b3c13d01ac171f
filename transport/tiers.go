package transport

//go:generate mockgen -source=tiers.go -destination=./tiers_mock.go -package=transport

// Beacon queues a background POST.  It reports whether the payload was
// accepted for delivery, not whether it arrived.
type Beacon interface {
	SendBeacon(url string, body []byte, contentType string) bool
}

// Requester issues a fire-and-forget GET.  An error means the request could
// not even be built or started; the response is never reported.
type Requester interface {
	Go(url string, withCredentials bool) error
}

// Pinger fetches url the way an image element would, keeping the fetch alive
// for a bounded time.
type Pinger interface {
	Ping(url string) error
}
